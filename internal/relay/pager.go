package relay

import (
	"context"
	"sync"
	"time"

	"nostr-relay-engine/internal/filter"
)

// Pager walks a filter backwards in time, one page per relay at a time.
// Each relay's next page starts at the oldest event that relay returned for
// the previous page.
type Pager struct {
	svc      *Service
	template filter.Filter

	mu     sync.Mutex
	pages  map[string]*page // relay -> current page
	closed bool
}

type page struct {
	filter filter.Filter
	handle *Handle
}

// NewPager requests the first page of template from relays (the resolved relay
// set when empty), covering events created up to start
func (s *Service) NewPager(ctx context.Context, template filter.Filter, start time.Time, relays ...string) (*Pager, error) {
	resolved, err := s.resolveRelays(ctx, relays)
	if err != nil {
		return nil, err
	}

	// pages stay open so their watermark is kept until LoadMore replaces them
	template.Subscribe = true
	p := &Pager{
		svc:      s,
		template: template,
		pages:    make(map[string]*page, len(resolved)),
	}
	first := template.WithUntil(start)
	for _, r := range resolved {
		h, err := s.Subscribe(ctx, first, r)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.pages[r] = &page{filter: first, handle: h}
	}
	return p, nil
}

// LoadMore replaces every relay's page that has returned events with the next
// older page. Relays that returned nothing yet, or whose oldest event is at
// the current page boundary, keep their current page. It returns the number
// of relays that advanced.
func (p *Pager) LoadMore(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}

	advanced := 0
	for relay, cur := range p.pages {
		var oldest *time.Time
		for _, ref := range cur.handle.refs {
			sub, ok := p.svc.coord.Subscription(ref.ID)
			if ok && sub.seq == ref.seq && sub.OldestEventAt != nil {
				oldest = sub.OldestEventAt
			}
		}
		if oldest == nil {
			continue
		}

		f := p.template.WithUntil(*oldest)
		if f.ID() == cur.filter.ID() {
			continue
		}
		next, err := p.svc.Subscribe(ctx, f, relay)
		if err != nil {
			return advanced, err
		}
		cur.handle.Release()
		p.pages[relay] = &page{filter: f, handle: next}
		advanced++
	}
	return advanced, nil
}

// Close releases every outstanding page
func (p *Pager) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for relay, pg := range p.pages {
		pg.handle.Release()
		delete(p.pages, relay)
	}
}
