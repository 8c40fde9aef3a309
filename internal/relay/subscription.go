package relay

import (
	"encoding/hex"
	"time"

	"github.com/minio/sha256-simd"

	"nostr-relay-engine/internal/filter"
)

// Subscription binds one Filter to one relay. It is owned by the Coordinator;
// values handed out by the Coordinator are snapshots.
type Subscription struct {
	ID             string
	Relay          string
	Filter         filter.Filter
	ReferenceCount int
	Active         bool
	StartedAt      *time.Time // set when promoted to active
	OldestEventAt  *time.Time // lowest created_at received, used as pagination watermark
	ReceivedEvents int
	EOSE           bool

	seq uint64 // queue order
}

// SubscriptionRef names one generation of a subscription. A subscription that
// is removed and queued again keeps its id but starts a new generation.
type SubscriptionRef struct {
	ID  string
	seq uint64
}

// Ref returns the reference for this generation of s
func (s *Subscription) Ref() SubscriptionRef {
	return SubscriptionRef{ID: s.ID, seq: s.seq}
}

// IsOneTime reports whether the subscription closes once the relay answers
func (s *Subscription) IsOneTime() bool {
	return s.Filter.IsOneTime()
}

// SubscriptionID derives the wire subscription id from a filter identity and a
// relay address
func SubscriptionID(filterID, relay string) string {
	sum := sha256.Sum256([]byte(filterID + "|" + relay))
	return hex.EncodeToString(sum[:])
}

func (s *Subscription) observe(createdAt time.Time) {
	s.ReceivedEvents++
	if s.OldestEventAt == nil || createdAt.Before(*s.OldestEventAt) {
		t := createdAt
		s.OldestEventAt = &t
	}
}

func (s *Subscription) demote() {
	s.Active = false
	s.StartedAt = nil
	s.EOSE = false
}

func (s *Subscription) snapshot() Subscription {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.OldestEventAt != nil {
		t := *s.OldestEventAt
		c.OldestEventAt = &t
	}
	return c
}
