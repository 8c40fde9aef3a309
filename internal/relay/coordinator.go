package relay

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"nostr-relay-engine/internal/filter"
	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/types"
)

const (
	defaultCeiling    = 25
	defaultStaleAfter = 10 * time.Second

	authRequiredPrefix = "auth-required:"
)

// CoordinatorConfig tunes a Coordinator
type CoordinatorConfig struct {
	Ceiling    int           // max active subscriptions per relay
	StaleAfter time.Duration // one-time subscriptions without EOSE are dropped after this
	Now        func() time.Time
	Logger     *slog.Logger

	// OnConnectedChange is called from the coordinator goroutine whenever the
	// number of connected relays changes. It must not call back into the
	// Coordinator.
	OnConnectedChange func(connected int)
}

// Coordinator is the single owner of the subscription table and of the
// connection Registry. Every exported method runs on the coordinator
// goroutine, so callers never share mutable state with it.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	logger   *slog.Logger

	ops       chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by the coordinator goroutine
	subs          map[string]*Subscription
	seq           uint64
	lastConnected int
}

// NewCoordinator starts the coordinator goroutine. Call Close to stop it.
func NewCoordinator(registry *Registry, cfg CoordinatorConfig) *Coordinator {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultCeiling
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.Logger.With("component", "coordinator"),
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		subs:     make(map[string]*Subscription),
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.quit:
			return
		}
	}
}

// exec runs fn on the coordinator goroutine and waits for it. It returns
// false when the coordinator has been closed.
func (c *Coordinator) exec(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-c.quit:
		return false
	}
	<-done
	return true
}

// Close stops the coordinator and closes every socket
func (c *Coordinator) Close() {
	c.exec(func() {
		for _, addr := range c.registry.Addresses() {
			c.registry.CloseAndRemove(c.registry.Socket(addr))
		}
		c.subs = make(map[string]*Subscription)
		c.notifyConnected()
	})
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.stopped
}

// Queue adds a reference to the subscription for (f, relay), creating it in
// the queued state when it does not exist yet.
func (c *Coordinator) Queue(f filter.Filter, relay string) (SubscriptionRef, error) {
	id := SubscriptionID(f.ID(), relay)
	var ref SubscriptionRef
	ok := c.exec(func() {
		if sub, exists := c.subs[id]; exists {
			sub.ReferenceCount++
			ref = sub.Ref()
			return
		}
		c.seq++
		sub := &Subscription{
			ID:             id,
			Relay:          relay,
			Filter:         filter.New(f),
			ReferenceCount: 1,
			seq:            c.seq,
		}
		c.subs[id] = sub
		ref = sub.Ref()
	})
	if !ok {
		return SubscriptionRef{}, ErrClosed
	}
	return ref, nil
}

// Release drops one reference. When the last reference goes the subscription
// is removed, CLOSE is sent if it was active, and false is returned. A ref to
// a subscription that was already removed is ignored, even when a newer
// subscription with the same id exists.
func (c *Coordinator) Release(ref SubscriptionRef) bool {
	still := false
	c.exec(func() {
		sub, ok := c.subs[ref.ID]
		if !ok || sub.seq != ref.seq {
			return
		}
		if sub.ReferenceCount > 1 {
			sub.ReferenceCount--
			still = true
			return
		}
		c.forceClose(sub)
	})
	return still
}

// Subscription returns a snapshot of the subscription with id
func (c *Coordinator) Subscription(id string) (Subscription, bool) {
	var (
		out Subscription
		ok  bool
	)
	c.exec(func() {
		if sub, exists := c.subs[id]; exists {
			out, ok = sub.snapshot(), true
		}
	})
	return out, ok
}

// Subscriptions returns a snapshot of the whole table ordered by relay, then
// queue order
func (c *Coordinator) Subscriptions() []Subscription {
	var out []Subscription
	c.exec(func() {
		out = make([]Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			out = append(out, sub.snapshot())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relay != out[j].Relay {
			return out[i].Relay < out[j].Relay
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// PromoteQueuedToActive sends REQ for queued subscriptions on connected
// relays, keeping at most Ceiling active per relay. One-time subscriptions go
// first. It returns the number promoted.
func (c *Coordinator) PromoteQueuedToActive() int {
	promoted := 0
	c.exec(func() {
		active := make(map[string]int)
		var queued []*Subscription
		for _, sub := range c.subs {
			if sub.Active {
				active[sub.Relay]++
			} else {
				queued = append(queued, sub)
			}
		}
		sort.Slice(queued, func(i, j int) bool {
			a, b := queued[i], queued[j]
			if a.IsOneTime() != b.IsOneTime() {
				return a.IsOneTime()
			}
			return a.seq < b.seq
		})

		now := c.cfg.Now()
		for _, sub := range queued {
			if !c.registry.Connected(sub.Relay) || active[sub.Relay] >= c.cfg.Ceiling {
				continue
			}
			frame, err := reqFrame(sub.ID, sub.Filter)
			if err != nil {
				c.logger.Error("encode REQ", "subscription", nostr.ShortID(sub.ID), "error", err)
				continue
			}
			c.registry.Socket(sub.Relay).Send(frame)
			started := now
			sub.Active = true
			sub.StartedAt = &started
			active[sub.Relay]++
			promoted++
			c.logger.Debug("REQ sent", "relay", sub.Relay, "subscription", nostr.ShortID(sub.ID), "filter", sub.Filter.String())
		}
	})
	return promoted
}

// DetectStale removes and returns active one-time subscriptions started more
// than StaleAfter ago without reaching EOSE. CLOSE is sent for each.
func (c *Coordinator) DetectStale() []Subscription {
	var stale []Subscription
	c.exec(func() {
		cutoff := c.cfg.Now().Add(-c.cfg.StaleAfter)
		for _, sub := range c.subs {
			if sub.Active && sub.IsOneTime() && !sub.EOSE && sub.StartedAt != nil && sub.StartedAt.Before(cutoff) {
				stale = append(stale, sub.snapshot())
			}
		}
		for _, s := range stale {
			c.forceClose(c.subs[s.ID])
		}
	})
	return stale
}

// OnEventReceived records an event for subscription id. One-time
// subscriptions are closed on their first event; the return value reports
// whether that happened.
func (c *Coordinator) OnEventReceived(id string, createdAt time.Time) bool {
	closed := false
	c.exec(func() {
		sub, ok := c.subs[id]
		if !ok {
			return
		}
		sub.observe(createdAt)
		if sub.IsOneTime() {
			c.forceClose(sub)
			closed = true
		}
	})
	return closed
}

// OnEOSE marks the end of stored events. One-time subscriptions are closed;
// unknown ids are ignored.
func (c *Coordinator) OnEOSE(id string) bool {
	closed := false
	c.exec(func() {
		sub, ok := c.subs[id]
		if !ok {
			return
		}
		sub.EOSE = true
		if sub.IsOneTime() {
			c.forceClose(sub)
			closed = true
		}
	})
	return closed
}

// OnClosed handles a relay-initiated CLOSED. Subscriptions refused for lack of
// authentication go back to the queue, others are dropped.
func (c *Coordinator) OnClosed(id, message string) {
	c.exec(func() {
		sub, ok := c.subs[id]
		if !ok {
			return
		}
		if strings.HasPrefix(message, authRequiredPrefix) {
			sub.demote()
			return
		}
		delete(c.subs, id)
	})
}

// OnConnected marks s connected and clears its backoff entry
func (c *Coordinator) OnConnected(s Socket) bool {
	current := false
	c.exec(func() {
		current = c.registry.MarkConnected(s)
		c.notifyConnected()
	})
	return current
}

// OnDisconnected forgets s and every subscription bound to its relay. A non-nil
// err extends the relay's backoff window. Sockets that were already replaced
// or removed are ignored; the number of dropped subscriptions is returned.
func (c *Coordinator) OnDisconnected(s Socket, err error) int {
	dropped := 0
	c.exec(func() {
		if !c.registry.Remove(s) {
			return
		}
		if err != nil {
			e := c.registry.RecordFailure(s.Address())
			c.logger.Info("relay connection failed", "relay", s.Address(), "retry_counter", e.RetryCounter, "next_retry_at", e.NextRetryAt, "error", err)
		}
		for id, sub := range c.subs {
			if sub.Relay == s.Address() {
				delete(c.subs, id)
				dropped++
			}
		}
		c.notifyConnected()
	})
	return dropped
}

// OpenPendingSockets starts a connection for every relay that has
// subscriptions but no socket, subject to backoff and dial throttling
func (c *Coordinator) OpenPendingSockets(ctx context.Context) []string {
	var opened []string
	c.exec(func() {
		for _, addr := range c.relaysWithSubscriptions() {
			if s := c.registry.EnsureSocket(addr); s != nil {
				s.Connect(ctx)
				opened = append(opened, addr)
			}
		}
	})
	return opened
}

// Send writes frame to relay, opening a socket first when there is none. It
// returns false when no socket could be used.
func (c *Coordinator) Send(ctx context.Context, relay string, frame []byte) bool {
	sent := false
	c.exec(func() {
		s := c.registry.Socket(relay)
		if s == nil {
			if s = c.registry.EnsureSocket(relay); s == nil {
				return
			}
			s.Connect(ctx)
		}
		sent = s.Send(frame)
	})
	return sent
}

// SendIfConnected writes frame to relay only when its socket is connected
func (c *Coordinator) SendIfConnected(relay string, frame []byte) bool {
	sent := false
	c.exec(func() {
		if c.registry.Connected(relay) {
			sent = c.registry.Socket(relay).Send(frame)
		}
	})
	return sent
}

// Resume reconnects every relay that has subscriptions. Active subscriptions
// are demoted so their REQ is sent again on the new connection.
func (c *Coordinator) Resume(ctx context.Context) []string {
	var reopened []string
	c.exec(func() {
		for _, addr := range c.relaysWithSubscriptions() {
			if old := c.registry.Socket(addr); old != nil {
				c.registry.CloseAndRemove(old)
			}
			for _, sub := range c.subs {
				if sub.Relay == addr {
					sub.demote()
				}
			}
			if s := c.registry.EnsureSocket(addr); s != nil {
				s.Connect(ctx)
				reopened = append(reopened, addr)
			}
		}
		c.notifyConnected()
	})
	return reopened
}

// CloseRelay sends CLOSE for every active subscription on relay, drops them,
// and closes the socket
func (c *Coordinator) CloseRelay(relay string) {
	c.exec(func() {
		for _, sub := range c.subs {
			if sub.Relay == relay {
				c.forceClose(sub)
			}
		}
		if s := c.registry.Socket(relay); s != nil {
			c.registry.CloseAndRemove(s)
		}
		c.notifyConnected()
	})
}

// ConnectedCount returns the number of connected relays
func (c *Coordinator) ConnectedCount() int {
	n := 0
	c.exec(func() { n = c.registry.ConnectedCount() })
	return n
}

// Counts returns the number of active and queued subscriptions
func (c *Coordinator) Counts() (active, queued int) {
	c.exec(func() {
		for _, sub := range c.subs {
			if sub.Active {
				active++
			} else {
				queued++
			}
		}
	})
	return active, queued
}

// RelayStatuses describes every relay that has a socket, a backoff entry, or
// subscriptions
func (c *Coordinator) RelayStatuses() []types.RelayStatus {
	var out []types.RelayStatus
	c.exec(func() {
		byAddr := make(map[string]*types.RelayStatus)
		get := func(addr string) *types.RelayStatus {
			st, ok := byAddr[addr]
			if !ok {
				st = &types.RelayStatus{URL: addr}
				byAddr[addr] = st
			}
			return st
		}
		for _, addr := range c.registry.Addresses() {
			get(addr).Connected = c.registry.Connected(addr)
		}
		for _, addr := range c.registry.BackoffAddresses() {
			e, _ := c.registry.ErrorEntry(addr)
			st := get(addr)
			st.RetryCounter = e.RetryCounter
			next := e.NextRetryAt
			st.NextRetryAt = &next
		}
		for _, sub := range c.subs {
			st := get(sub.Relay)
			if sub.Active {
				st.Active++
			} else {
				st.Queued++
			}
		}
		out = make([]types.RelayStatus, 0, len(byAddr))
		for _, st := range byAddr {
			out = append(out, *st)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// forceClose removes sub and sends CLOSE when the relay saw its REQ. Runs on
// the coordinator goroutine so frames leave in table-mutation order.
func (c *Coordinator) forceClose(sub *Subscription) {
	delete(c.subs, sub.ID)
	if !sub.Active {
		return
	}
	s := c.registry.Socket(sub.Relay)
	if s == nil {
		return
	}
	frame, err := closeFrame(sub.ID)
	if err != nil {
		c.logger.Error("encode CLOSE", "subscription", nostr.ShortID(sub.ID), "error", err)
		return
	}
	s.Send(frame)
	c.logger.Debug("CLOSE sent", "relay", sub.Relay, "subscription", nostr.ShortID(sub.ID))
}

func (c *Coordinator) relaysWithSubscriptions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, sub := range c.subs {
		if !seen[sub.Relay] {
			seen[sub.Relay] = true
			out = append(out, sub.Relay)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) notifyConnected() {
	n := c.registry.ConnectedCount()
	if n == c.lastConnected {
		return
	}
	c.lastConnected = n
	if c.cfg.OnConnectedChange != nil {
		c.cfg.OnConnectedChange(n)
	}
}
