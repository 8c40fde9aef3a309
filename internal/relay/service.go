// Package relay keeps subscriptions open against many Nostr relays at once.
//
// A Service deduplicates identical requests into one wire subscription per
// relay, throttles how many subscriptions each relay sees, reconnects with
// exponential backoff, and persists everything relays send through a batched
// parse pipeline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"nostr-relay-engine/internal/filter"
	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/store"
	"nostr-relay-engine/internal/types"
	"nostr-relay-engine/internal/util"
)

// Errors returned by Service
var (
	ErrMissingSignature = errors.New("event is not signed and no signing key was given")
	ErrClosed           = errors.New("relay service closed")
	ErrNoRelays         = errors.New("no usable relays")
)

const (
	defaultQueueInterval       = time.Second
	defaultMaintenanceInterval = 60 * time.Second
	defaultDialsPerSecond      = 10
	defaultDialBurst           = 10
)

// Config holds the relay lists and engine tuning used by a Service
type Config struct {
	// FallbackRelays are used when neither the caller nor the local user has relays
	FallbackRelays []string
	// UserRelays is the local user's relay list when the store has none
	UserRelays []string
	// PublishRelays are the default targets for Publish
	PublishRelays []string
	// SearchRelayHosts are host suffixes never used for general subscriptions
	SearchRelayHosts []string

	Ceiling             int
	StaleAfter          time.Duration
	QueueInterval       time.Duration
	MaintenanceInterval time.Duration
	ParseBatchSize      int
	DialTimeout         time.Duration
	DialsPerSecond      float64
	DialBurst           int
	SendBuffer          int

	// AllowPrivateRelays skips the destination safety check (tests, local setups)
	AllowPrivateRelays bool
}

// Option customizes a Service
type Option func(*Service)

// WithKeyPair sets the local identity used for AUTH and publish retries
func WithKeyPair(k nostr.KeyPair) Option { return func(s *Service) { s.key = k } }

// WithSigner replaces the schnorr signer
func WithSigner(sg nostr.Signer) Option { return func(s *Service) { s.signer = sg } }

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithReporter sets the NOTICE reporter
func WithReporter(r Reporter) Option { return func(s *Service) { s.reporter = r } }

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDialer replaces the websocket dialer
func WithDialer(d Dialer) Option { return func(s *Service) { s.dial = d } }

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service is the public face of the engine: subscribe, publish, and the
// periodic maintenance that keeps connections and subscriptions healthy.
type Service struct {
	store    store.Store
	signer   nostr.Signer
	key      nostr.KeyPair
	metrics  Metrics
	reporter Reporter
	logger   *slog.Logger
	dial     Dialer
	now      func() time.Time

	coord  *Coordinator
	parser *ParsePipeline
	group  singleflight.Group

	// sockets live on baseCtx so they outlast individual calls
	baseCtx context.Context
	cancel  context.CancelFunc
	kick    chan struct{}

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	authIDs  map[string]string // auth event id -> relay
	watchers map[chan int]struct{}
	closed   bool
}

// NewService wires a Service around st. Call Run to start its background
// loops and Close to release its connections.
func NewService(st store.Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    st,
		signer:   nostr.SchnorrSigner{},
		metrics:  nopMetrics{},
		reporter: nopReporter{},
		logger:   slog.Default(),
		now:      time.Now,
		cfg:      withDefaults(cfg),
		kick:     make(chan struct{}, 1),
		authIDs:  make(map[string]string),
		watchers: make(map[chan int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")
	if s.dial == nil {
		s.dial = WebsocketDialer(s.cfg.DialTimeout, s.cfg.SendBuffer, s.logger)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	limiter := rate.NewLimiter(rate.Limit(s.cfg.DialsPerSecond), s.cfg.DialBurst)
	registry := NewRegistry(s.dial, s, limiter, s.now)
	s.coord = NewCoordinator(registry, CoordinatorConfig{
		Ceiling:           s.cfg.Ceiling,
		StaleAfter:        s.cfg.StaleAfter,
		Now:               s.now,
		Logger:            s.logger,
		OnConnectedChange: s.broadcastConnected,
	})
	s.parser = NewParsePipeline(st, s.cfg.ParseBatchSize, s.metrics, s.logger)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = defaultQueueInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.DialsPerSecond <= 0 {
		cfg.DialsPerSecond = defaultDialsPerSecond
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = defaultDialBurst
	}
	if len(cfg.SearchRelayHosts) == 0 {
		cfg.SearchRelayHosts = []string{".nostr.band"}
	}
	return cfg
}

// Run drives the parse pipeline and the periodic timers until ctx is done
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.parser.Run(ctx)
	})
	g.Go(func() error {
		s.queueLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.maintenanceLoop(ctx)
		return nil
	})
	s.logger.Info("relay service started", "fallback_relays", len(s.config().FallbackRelays))
	return g.Wait()
}

// Close disconnects every relay. The Service cannot be used afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.coord.Close()

	s.mu.Lock()
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Service) queueLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config().QueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.ProcessQueue()
	}
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config().MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryFailedPublishes(ctx)
			s.DeleteExpiredEvents(ctx)
		}
	}
}

// ProcessQueue runs one maintenance pass: stale one-time subscriptions are
// closed, queued ones promoted, and sockets opened for relays that need one.
func (s *Service) ProcessQueue() {
	for _, sub := range s.coord.DetectStale() {
		s.logger.Debug("closed stale subscription", "relay", sub.Relay, "subscription", nostr.ShortID(sub.ID))
	}
	s.coord.PromoteQueuedToActive()
	for _, addr := range s.coord.OpenPendingSockets(s.baseCtx) {
		s.logger.Debug("opening relay connection", "relay", addr)
	}
	active, queued := s.coord.Counts()
	s.metrics.SetSubscriptions(active, queued)
}

func (s *Service) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetRelayLists replaces the fallback, user and publish relay lists
func (s *Service) SetRelayLists(fallback, user, publish []string) {
	s.cfgMu.Lock()
	s.cfg.FallbackRelays = fallback
	s.cfg.UserRelays = user
	s.cfg.PublishRelays = publish
	s.cfgMu.Unlock()
	s.logger.Info("relay lists updated", "fallback", len(fallback), "user", len(user), "publish", len(publish))
}

// Subscribe requests events matching f from relays, or from the resolved
// relay set when relays is empty. The returned handle must be released.
func (s *Service) Subscribe(ctx context.Context, f filter.Filter, relays ...string) (*Handle, error) {
	resolved, err := s.resolveRelays(ctx, relays)
	if err != nil {
		return nil, err
	}

	refs := make([]SubscriptionRef, 0, len(resolved))
	for _, r := range resolved {
		ref, err := s.coord.Queue(f, r)
		if err != nil {
			s.release(refs)
			return nil, err
		}
		refs = append(refs, ref)
	}
	s.trigger()
	return newHandle(refs, s.release), nil
}

func (s *Service) release(refs []SubscriptionRef) {
	freed := false
	for _, ref := range refs {
		if !s.coord.Release(ref) {
			freed = true
		}
	}
	if freed {
		s.trigger()
	}
}

// resolveRelays picks explicit relays, else the user's relays, else the
// fallback list, and keeps only normalised, safe addresses
func (s *Service) resolveRelays(ctx context.Context, explicit []string) ([]string, error) {
	candidates := explicit
	if len(candidates) == 0 {
		// shared by concurrent callers, so no single caller's ctx may cancel it
		v, err, _ := s.group.Do("user-relays", func() (interface{}, error) {
			return s.userRelays(s.baseCtx)
		})
		if err != nil {
			s.logger.Warn("failed to load user relays", "error", err)
		} else {
			candidates = v.([]string)
		}
	}
	if len(candidates) == 0 {
		candidates = s.config().FallbackRelays
	}

	out := s.usable(candidates)
	if len(out) == 0 {
		return nil, ErrNoRelays
	}
	return out, nil
}

func (s *Service) userRelays(ctx context.Context) ([]string, error) {
	cfg := s.config()
	var relays []string
	if s.key.Valid() {
		stored, err := s.store.RelaysFor(ctx, s.key.PublicKeyHex())
		if err != nil {
			return nil, fmt.Errorf("relays for local user: %w", err)
		}
		relays = stored
	}
	if len(relays) == 0 {
		relays = cfg.UserRelays
	}

	out := make([]string, 0, len(relays))
	for _, r := range relays {
		if !isSearchRelay(r, cfg.SearchRelayHosts) {
			out = append(out, r)
		}
	}
	return out, nil
}

func isSearchRelay(address string, suffixes []string) bool {
	host := address
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, ":/"); i >= 0 {
		host = host[:i]
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func (s *Service) usable(relays []string) []string {
	allowPrivate := s.config().AllowPrivateRelays
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		n := nostr.NormalizeRelayURL(r)
		if n == "" {
			s.logger.Debug("skipping invalid relay address", "relay", r)
			continue
		}
		if !allowPrivate && !nostr.IsRelayURLSafe(n) {
			s.logger.Warn("relay URL blocked: unsafe destination", "relay", n)
			continue
		}
		out = append(out, n)
	}
	return util.Dedupe(out)
}

// Publish sends evt to relays (the configured publish relays when empty). With
// a key the event is signed first; without one it must already be signed.
// Delivery is not awaited: unacknowledged relays are retried periodically.
func (s *Service) Publish(ctx context.Context, evt types.Event, relays []string, key *nostr.KeyPair) (types.Event, error) {
	if key != nil {
		signed, err := s.signer.Sign(evt, *key)
		if err != nil {
			return types.Event{}, fmt.Errorf("sign event: %w", err)
		}
		evt = signed
	} else if !evt.Signed() {
		return types.Event{}, ErrMissingSignature
	}

	if len(relays) == 0 {
		relays = s.config().PublishRelays
	}
	targets, err := s.resolveRelays(ctx, relays)
	if err != nil {
		return types.Event{}, err
	}

	if _, err := s.store.SaveOwn(ctx, evt, targets); err != nil {
		return types.Event{}, fmt.Errorf("save event: %w", err)
	}

	frame, err := eventFrame(evt)
	if err != nil {
		return types.Event{}, fmt.Errorf("encode event: %w", err)
	}
	for _, r := range targets {
		if !s.coord.Send(s.baseCtx, r, frame) {
			s.logger.Debug("publish deferred, relay unavailable", "relay", r, "event", nostr.ShortID(evt.ID))
		}
	}
	s.logger.Info("event published", "event", nostr.ShortID(evt.ID), "kind", evt.Kind, "relays", len(targets))
	return evt, nil
}

// RetryFailedPublishes re-sends the local user's events to every connected
// relay that has not acknowledged them yet. It returns the number of frames sent.
func (s *Service) RetryFailedPublishes(ctx context.Context) int {
	if !s.key.Valid() {
		return 0
	}
	pending, err := s.store.UnpublishedEvents(ctx, s.key.PublicKeyHex())
	if err != nil {
		s.logger.Error("failed to load unpublished events", "error", err)
		return 0
	}

	sent := 0
	for _, saved := range pending {
		frame, err := eventFrame(saved.Event)
		if err != nil {
			continue
		}
		for _, r := range saved.MissingRelays() {
			if s.coord.SendIfConnected(r, frame) {
				s.metrics.PublishRetried(r)
				sent++
			}
		}
	}
	if sent > 0 {
		s.logger.Info("retried unpublished events", "frames", sent, "events", len(pending))
	}
	return sent
}

// DeleteExpiredEvents purges events whose expiration has passed
func (s *Service) DeleteExpiredEvents(ctx context.Context) int {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to delete expired events", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("deleted expired events", "count", n)
	}
	return n
}

// Resume reopens the connection of every relay that has subscriptions
func (s *Service) Resume() {
	reopened := s.coord.Resume(s.baseCtx)
	s.logger.Info("resuming relay connections", "relays", len(reopened))
}

// CloseRelay closes every subscription on relay and disconnects from it
func (s *Service) CloseRelay(relay string) {
	s.coord.CloseRelay(relay)
}

// ConnectedRelays returns the number of relays with a live connection
func (s *Service) ConnectedRelays() int {
	return s.coord.ConnectedCount()
}

// WatchConnectedRelays delivers the connected relay count, starting with the
// current value. Slow readers only see the latest value. The channel is closed
// when ctx is done or the Service closes.
func (s *Service) WatchConnectedRelays(ctx context.Context) <-chan int {
	ch := make(chan int, 1)
	ch <- s.ConnectedRelays()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch
}

// broadcastConnected runs on the coordinator goroutine
func (s *Service) broadcastConnected(n int) {
	s.metrics.SetConnectedRelays(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}

// Subscriptions returns a snapshot of the subscription table
func (s *Service) Subscriptions() []Subscription {
	return s.coord.Subscriptions()
}

// Relays returns a snapshot of relay connections and backoff state
func (s *Service) Relays() []types.RelayStatus {
	return s.coord.RelayStatuses()
}

// ParseBacklog returns the number of events waiting to be persisted
func (s *Service) ParseBacklog() int {
	return s.parser.Len()
}

// OnSaved registers fn to be called for every persisted event. Call before Run.
func (s *Service) OnSaved(fn func(*types.SavedEvent)) {
	s.parser.OnSaved = fn
}

// RequestEvent fetches a single event by id
func (s *Service) RequestEvent(ctx context.Context, id string) (*Handle, error) {
	return s.Subscribe(ctx, filter.Filter{IDs: []string{id}}.WithLimit(1))
}

// RequestMetadata fetches the newest kind 0 profile of author
func (s *Service) RequestMetadata(ctx context.Context, author string, since *time.Time) (*Handle, error) {
	return s.Subscribe(ctx, newestOf(author, 0, since))
}

// RequestContactList fetches the newest kind 3 contact list of author
func (s *Service) RequestContactList(ctx context.Context, author string, since *time.Time) (*Handle, error) {
	return s.Subscribe(ctx, newestOf(author, 3, since))
}

// RequestRelayList fetches the newest NIP-65 relay list of author. Once
// persisted, the author's read relays are recorded in the store.
func (s *Service) RequestRelayList(ctx context.Context, author string, relays ...string) (*Handle, error) {
	return s.Subscribe(ctx, newestOf(author, nostr.KindRelayList, nil), relays...)
}

// RequestProfileData fetches both metadata and contact list of author
func (s *Service) RequestProfileData(ctx context.Context, author string, metadataSince, contactsSince *time.Time) (*Handle, error) {
	meta, err := s.RequestMetadata(ctx, author, metadataSince)
	if err != nil {
		return nil, err
	}
	contacts, err := s.RequestContactList(ctx, author, contactsSince)
	if err != nil {
		meta.Release()
		return nil, err
	}
	return Join(meta, contacts), nil
}

// RequestReplies fetches kind 1 replies to eventID. limit <= 0 means no limit.
func (s *Service) RequestReplies(ctx context.Context, eventID string, limit int) (*Handle, error) {
	f := filter.Filter{Kinds: []int{1}, ETags: []string{eventID}}
	if limit > 0 {
		f = f.WithLimit(limit)
	}
	return s.Subscribe(ctx, f)
}

// newestOf asks for the latest event of kind by author, optionally only when
// newer than since
func newestOf(author string, kind int, since *time.Time) filter.Filter {
	f := filter.Filter{Authors: []string{author}, Kinds: []int{kind}}.WithLimit(1)
	if since != nil {
		f = f.WithSince(*since)
	}
	return f
}
