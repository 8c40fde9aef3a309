// Package types provides shared type definitions used across internal packages.
package types

import "time"

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// CreatedTime returns CreatedAt as a time.Time
func (e Event) CreatedTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// Signed reports whether the event carries a signature
func (e Event) Signed() bool {
	return e.Sig != ""
}

// Incoming pairs a decoded event with the relay it arrived from
type Incoming struct {
	Event Event
	Relay string
}

// SavedEvent is the persisted view of an event plus its delivery bookkeeping
type SavedEvent struct {
	Event           Event
	SeenOn          []string   // relays the event was received from
	ShouldPublishTo []string   // relays this event must reach (own events only)
	PublishedTo     []string   // relays that acknowledged the event
	ExpiresAt       *time.Time // NIP-40 expiration, nil when the event never expires
}

// MissingRelays returns ShouldPublishTo minus PublishedTo, in ShouldPublishTo order
func (s SavedEvent) MissingRelays() []string {
	done := make(map[string]bool, len(s.PublishedTo))
	for _, r := range s.PublishedTo {
		done[r] = true
	}
	var missing []string
	for _, r := range s.ShouldPublishTo {
		if !done[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
