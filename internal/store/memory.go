package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/types"
)

// MemoryStore implements Store using in-memory maps
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*types.SavedEvent
	relays map[string][]string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*types.SavedEvent),
		relays: make(map[string][]string),
	}
}

func (m *MemoryStore) Save(ctx context.Context, in types.Incoming) (*types.SavedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved, ok := m.events[in.Event.ID]
	if !ok {
		saved = &types.SavedEvent{Event: in.Event, ExpiresAt: nostr.ExpiresAt(in.Event)}
		m.events[in.Event.ID] = saved
	}
	if in.Relay != "" {
		saved.SeenOn, _ = appendUnique(saved.SeenOn, in.Relay)
	}
	return copySaved(saved), nil
}

func (m *MemoryStore) SaveOwn(ctx context.Context, evt types.Event, shouldPublishTo []string) (*types.SavedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved, ok := m.events[evt.ID]
	if !ok {
		saved = &types.SavedEvent{Event: evt, ExpiresAt: nostr.ExpiresAt(evt)}
		m.events[evt.ID] = saved
	}
	for _, r := range shouldPublishTo {
		saved.ShouldPublishTo, _ = appendUnique(saved.ShouldPublishTo, r)
	}
	return copySaved(saved), nil
}

func (m *MemoryStore) Find(ctx context.Context, id string) (*types.SavedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	saved, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySaved(saved), nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, id, relay string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	saved.PublishedTo, _ = appendUnique(saved.PublishedTo, relay)
	return nil
}

func (m *MemoryStore) UnpublishedEvents(ctx context.Context, author string) ([]types.SavedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.SavedEvent
	for _, saved := range m.events {
		if saved.Event.PubKey == author && len(saved.MissingRelays()) > 0 {
			out = append(out, *copySaved(saved))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.CreatedAt < out[j].Event.CreatedAt })
	return out, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, saved := range m.events {
		if saved.ExpiresAt != nil && !saved.ExpiresAt.After(now) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RelaysFor(ctx context.Context, author string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.relays[author]...), nil
}

func (m *MemoryStore) SetRelays(ctx context.Context, author string, relays []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays[author] = append([]string(nil), relays...)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func copySaved(s *types.SavedEvent) *types.SavedEvent {
	c := *s
	c.SeenOn = append([]string(nil), s.SeenOn...)
	c.ShouldPublishTo = append([]string(nil), s.ShouldPublishTo...)
	c.PublishedTo = append([]string(nil), s.PublishedTo...)
	return &c
}
