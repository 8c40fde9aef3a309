// Package store persists events received from relays and tracks which relays
// the local user's own events have reached.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nostr-relay-engine/internal/types"
)

// ErrNotFound is returned by Find when no event has the requested id
var ErrNotFound = errors.New("event not found")

// Store defines the interface for event store implementations
type Store interface {
	// Save stores an incoming event, or records one more relay it was seen
	// on when it is already known. Saving is idempotent on the event id.
	Save(ctx context.Context, in types.Incoming) (*types.SavedEvent, error)

	// SaveOwn stores an event authored locally along with the relays it must reach
	SaveOwn(ctx context.Context, evt types.Event, shouldPublishTo []string) (*types.SavedEvent, error)

	// Find returns the event with id or ErrNotFound
	Find(ctx context.Context, id string) (*types.SavedEvent, error)

	// MarkPublished records that relay acknowledged the event
	MarkPublished(ctx context.Context, id, relay string) error

	// UnpublishedEvents returns author's events that still miss at least one relay
	UnpublishedEvents(ctx context.Context, author string) ([]types.SavedEvent, error)

	// DeleteExpired removes events whose expiration is at or before now
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// RelaysFor returns the relay list stored for author
	RelaysFor(ctx context.Context, author string) ([]string, error)

	// SetRelays replaces the relay list stored for author
	SetRelays(ctx context.Context, author string, relays []string) error

	// Close releases the underlying connection
	Close() error
}

// TxStore is implemented by stores that can group writes in one transaction
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Config selects and configures a store implementation
type Config struct {
	Driver   string // sqlite, redis or memory
	Path     string
	RedisURL string
	Prefix   string
}

// Open creates the store described by cfg
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := NewRedisStore(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func appendUnique(list []string, v string) ([]string, bool) {
	for _, existing := range list {
		if existing == v {
			return list, false
		}
	}
	return append(list, v), true
}
