package relay

// Metrics receives engine measurements. metrics.Collector implements it.
type Metrics interface {
	SetConnectedRelays(n int)
	SetSubscriptions(active, queued int)
	SetParseBacklog(n int)
	EventSaved()
	ParseFailed()
	PublishRetried(relay string)
	PublishRejected(relay string)
	ConnectionFailed(relay string)
}

// Reporter is told about relay NOTICEs that signal misbehaviour on our side
type Reporter interface {
	ReportRateLimited(relay, message string)
	ReportBadRequest(relay, message string)
}

type nopMetrics struct{}

func (nopMetrics) SetConnectedRelays(int)    {}
func (nopMetrics) SetSubscriptions(int, int) {}
func (nopMetrics) SetParseBacklog(int)       {}
func (nopMetrics) EventSaved()               {}
func (nopMetrics) ParseFailed()              {}
func (nopMetrics) PublishRetried(string)     {}
func (nopMetrics) PublishRejected(string)    {}
func (nopMetrics) ConnectionFailed(string)   {}

type nopReporter struct{}

func (nopReporter) ReportRateLimited(string, string) {}
func (nopReporter) ReportBadRequest(string, string)  {}
