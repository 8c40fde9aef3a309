package relay

import (
	"context"
	"log/slog"
	"sync"

	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/store"
	"nostr-relay-engine/internal/types"
)

const (
	defaultParseBatchSize = 30
	parseBacklogWarning   = 1000
)

type parseEntry struct {
	raw   interface{}
	relay string
}

// ParsePipeline decouples socket reads from decoding and persistence. Entries
// are drained in batches by Run; each batch is one store transaction when the
// store supports it.
type ParsePipeline struct {
	store     store.Store
	batchSize int
	metrics   Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []parseEntry
	notify chan struct{}

	// created_at of the newest relay list applied per author
	relayListAt map[string]int64

	// OnSaved, when set, is called for every persisted event
	OnSaved func(*types.SavedEvent)
}

// NewParsePipeline creates a pipeline writing to st
func NewParsePipeline(st store.Store, batchSize int, metrics Metrics, logger *slog.Logger) *ParsePipeline {
	if batchSize <= 0 {
		batchSize = defaultParseBatchSize
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ParsePipeline{
		store:     st,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger.With("component", "parse"),
		notify:    make(chan struct{}, 1),

		relayListAt: make(map[string]int64),
	}
}

// Enqueue adds a raw event object received from relay. It never blocks.
func (p *ParsePipeline) Enqueue(raw interface{}, relay string) {
	p.mu.Lock()
	p.queue = append(p.queue, parseEntry{raw: raw, relay: relay})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of entries waiting
func (p *ParsePipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *ParsePipeline) pop() []parseEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.queue)
	if n == 0 {
		return nil
	}
	if n > p.batchSize {
		n = p.batchSize
	}
	batch := make([]parseEntry, n)
	copy(batch, p.queue[:n])
	// zero the popped slots so raw objects can be collected
	for i := range p.queue[:n] {
		p.queue[i] = parseEntry{}
	}
	p.queue = p.queue[n:]
	if len(p.queue) == 0 {
		p.queue = nil
	}
	return batch
}

// Run drains the queue until ctx is cancelled, sleeping while it is empty
func (p *ParsePipeline) Run(ctx context.Context) error {
	for {
		batch := p.pop()
		if batch == nil {
			select {
			case <-p.notify:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		p.process(ctx, batch)

		backlog := p.Len()
		p.metrics.SetParseBacklog(backlog)
		if backlog >= parseBacklogWarning {
			p.logger.Warn("parse queue backlog", "entries", backlog)
		}
	}
}

// Drain processes everything queued so far and returns the number of entries handled
func (p *ParsePipeline) Drain(ctx context.Context) int {
	total := 0
	for {
		batch := p.pop()
		if batch == nil {
			return total
		}
		p.process(ctx, batch)
		total += len(batch)
	}
}

func (p *ParsePipeline) process(ctx context.Context, batch []parseEntry) {
	var saved []*types.SavedEvent
	save := func(st store.Store) error {
		saved = saved[:0]
		for _, entry := range batch {
			evt, err := nostr.ParseEventFromInterface(entry.raw)
			if err != nil {
				p.metrics.ParseFailed()
				p.logger.Debug("dropping undecodable event", "relay", entry.relay, "error", err)
				continue
			}
			s, err := st.Save(ctx, types.Incoming{Event: evt, Relay: entry.relay})
			if err != nil {
				p.metrics.ParseFailed()
				p.logger.Warn("failed to save event", "relay", entry.relay, "event", nostr.ShortID(evt.ID), "error", err)
				continue
			}
			saved = append(saved, s)
			if evt.Kind == nostr.KindRelayList {
				p.applyRelayList(ctx, st, evt)
			}
		}
		return nil
	}

	var err error
	if tx, ok := p.store.(store.TxStore); ok {
		err = tx.WithTx(ctx, save)
	} else {
		err = save(p.store)
	}
	if err != nil {
		p.logger.Error("parse batch failed", "entries", len(batch), "error", err)
		return
	}

	for _, s := range saved {
		p.metrics.EventSaved()
		if p.OnSaved != nil {
			p.OnSaved(s)
		}
	}
}

// applyRelayList stores the read relays of a NIP-65 list unless a newer list
// from the same author was already applied
func (p *ParsePipeline) applyRelayList(ctx context.Context, st store.Store, evt types.Event) {
	p.mu.Lock()
	if evt.CreatedAt <= p.relayListAt[evt.PubKey] {
		p.mu.Unlock()
		return
	}
	p.relayListAt[evt.PubKey] = evt.CreatedAt
	p.mu.Unlock()

	list := nostr.ParseRelayList(evt)
	if len(list.Read) == 0 {
		return
	}
	if err := st.SetRelays(ctx, evt.PubKey, list.Read); err != nil {
		p.logger.Warn("failed to store relay list", "author", nostr.ShortID(evt.PubKey), "error", err)
		return
	}
	p.logger.Debug("relay list updated", "author", nostr.ShortID(evt.PubKey), "read", len(list.Read), "created_at", evt.CreatedTime())
}
