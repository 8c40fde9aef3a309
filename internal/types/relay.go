package types

import "time"

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read  []string
	Write []string
}

// RelayStatus is a point-in-time view of one relay connection
type RelayStatus struct {
	URL          string     `json:"url"`
	Connected    bool       `json:"connected"`
	RetryCounter int        `json:"retry_counter,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	Active       int        `json:"active_subscriptions"`
	Queued       int        `json:"queued_subscriptions"`
}
