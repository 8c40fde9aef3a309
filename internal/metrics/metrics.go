// Package metrics exposes relay engine measurements to Prometheus.
package metrics

import (
	"log/slog"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records engine metrics. It implements relay.Metrics and
// relay.Reporter.
type Collector struct {
	connectedRelays    prometheus.Gauge
	subscriptions      *prometheus.GaugeVec
	parseBacklog       prometheus.Gauge
	eventsSaved        prometheus.Counter
	parseFailures      prometheus.Counter
	publishRetries     *prometheus.CounterVec
	publishRejections  *prometheus.CounterVec
	connectionFailures *prometheus.CounterVec
	notices            *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
}

// NewCollector creates a Collector and registers its metrics with reg
func NewCollector(reg prometheus.Registerer, storeDriver string) *Collector {
	c := &Collector{
		connectedRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nostr_connected_relays",
			Help: "Relays with a live websocket connection",
		}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nostr_subscriptions",
			Help: "Subscriptions by state",
		}, []string{"state"}),
		parseBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nostr_parse_queue_entries",
			Help: "Events received but not yet persisted",
		}),
		eventsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_events_saved_total",
			Help: "Events persisted from relays",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_parse_failures_total",
			Help: "Events dropped because they could not be decoded or saved",
		}),
		publishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_publish_retries_total",
			Help: "Events re-sent to relays that had not acknowledged them",
		}, []string{"relay"}),
		publishRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_publish_rejections_total",
			Help: "OK messages reporting a genuine rejection",
		}, []string{"relay"}),
		connectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_connection_failures_total",
			Help: "Failed or dropped relay connections",
		}, []string{"relay"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_relay_notices_total",
			Help: "Relay NOTICEs that signal a problem with our requests",
		}, []string{"relay", "kind"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nostr_build_info",
			Help: "Build and configuration information",
		}, []string{"store_driver", "go_version"}),
	}

	reg.MustRegister(
		c.connectedRelays,
		c.subscriptions,
		c.parseBacklog,
		c.eventsSaved,
		c.parseFailures,
		c.publishRetries,
		c.publishRejections,
		c.connectionFailures,
		c.notices,
		c.buildInfo,
	)
	c.buildInfo.WithLabelValues(storeDriver, runtime.Version()).Set(1)
	return c
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (c *Collector) SetConnectedRelays(n int) {
	c.connectedRelays.Set(float64(n))
}

func (c *Collector) SetSubscriptions(active, queued int) {
	c.subscriptions.WithLabelValues("active").Set(float64(active))
	c.subscriptions.WithLabelValues("queued").Set(float64(queued))
}

func (c *Collector) SetParseBacklog(n int) {
	c.parseBacklog.Set(float64(n))
}

func (c *Collector) EventSaved() {
	c.eventsSaved.Inc()
}

func (c *Collector) ParseFailed() {
	c.parseFailures.Inc()
}

func (c *Collector) PublishRetried(relay string) {
	c.publishRetries.WithLabelValues(relay).Inc()
}

func (c *Collector) PublishRejected(relay string) {
	c.publishRejections.WithLabelValues(relay).Inc()
}

func (c *Collector) ConnectionFailed(relay string) {
	c.connectionFailures.WithLabelValues(relay).Inc()
}

// ReportRateLimited records a relay telling us to slow down
func (c *Collector) ReportRateLimited(relay, message string) {
	c.notices.WithLabelValues(relay, "rate_limited").Inc()
	slog.Warn("relay rate limited us", "relay", relay, "notice", message)
}

// ReportBadRequest records a relay refusing a malformed request
func (c *Collector) ReportBadRequest(relay, message string) {
	c.notices.WithLabelValues(relay, "bad_request").Inc()
	slog.Warn("relay rejected request", "relay", relay, "notice", message)
}

// Handler returns the HTTP handler for Prometheus scraping
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
