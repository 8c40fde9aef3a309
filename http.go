package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"nostr-relay-engine/internal/metrics"
	"nostr-relay-engine/internal/relay"
	"nostr-relay-engine/internal/types"
	"nostr-relay-engine/internal/util"
)

// engineStatus is the part of relay.Service the status server reads
type engineStatus interface {
	ConnectedRelays() int
	ParseBacklog() int
	Relays() []types.RelayStatus
	Subscriptions() []relay.Subscription
	Resume()
}

type subscriptionView struct {
	ID             string     `json:"id"`
	Relay          string     `json:"relay"`
	Filter         string     `json:"filter"`
	ReferenceCount int        `json:"reference_count"`
	Active         bool       `json:"active"`
	OneTime        bool       `json:"one_time"`
	EOSE           bool       `json:"eose"`
	ReceivedEvents int        `json:"received_events"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	OldestEventAt  *time.Time `json:"oldest_event_at,omitempty"`
}

func newRouter(engine engineStatus, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"connected_relays": engine.ConnectedRelays(),
			"parse_backlog":    engine.ParseBacklog(),
		})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	r.Get("/relays", func(w http.ResponseWriter, r *http.Request) {
		statuses := engine.Relays()
		if statuses == nil {
			statuses = []types.RelayStatus{}
		}
		util.WriteJSON(w, http.StatusOK, statuses)
	})
	r.Post("/relays/resume", func(w http.ResponseWriter, r *http.Request) {
		engine.Resume()
		w.WriteHeader(http.StatusAccepted)
	})

	r.Get("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		subs := engine.Subscriptions()
		state := r.URL.Query().Get("state")
		if state != "" && state != "active" && state != "queued" {
			util.RespondBadRequest(w, "state must be active or queued")
			return
		}
		views := make([]subscriptionView, 0, len(subs))
		for _, s := range subs {
			if (state == "active" && !s.Active) || (state == "queued" && s.Active) {
				continue
			}
			views = append(views, subscriptionView{
				ID:             s.ID,
				Relay:          s.Relay,
				Filter:         s.Filter.String(),
				ReferenceCount: s.ReferenceCount,
				Active:         s.Active,
				OneTime:        s.IsOneTime(),
				EOSE:           s.EOSE,
				ReceivedEvents: s.ReceivedEvents,
				StartedAt:      s.StartedAt,
				OldestEventAt:  s.OldestEventAt,
			})
		}
		util.WriteJSON(w, http.StatusOK, views)
	})

	return r
}
