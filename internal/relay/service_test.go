package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"nostr-relay-engine/internal/filter"
	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/store"
	"nostr-relay-engine/internal/types"
)

const testSecret = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"

type recordingReporter struct {
	mu          sync.Mutex
	rateLimited []string
	badRequests []string
}

func (r *recordingReporter) ReportRateLimited(relay, message string) {
	r.mu.Lock()
	r.rateLimited = append(r.rateLimited, relay)
	r.mu.Unlock()
}

func (r *recordingReporter) ReportBadRequest(relay, message string) {
	r.mu.Lock()
	r.badRequests = append(r.badRequests, relay)
	r.mu.Unlock()
}

type testService struct {
	*Service
	net   *fakeNet
	clock *fakeClock
	store *store.MemoryStore
}

func newTestService(t *testing.T, cfg Config, opts ...Option) *testService {
	t.Helper()
	net := newFakeNet()
	clock := newFakeClock()
	st := store.NewMemoryStore()
	cfg.AllowPrivateRelays = true
	opts = append([]Option{WithDialer(net.dial), WithClock(clock.Now), WithLogger(discardLogger)}, opts...)
	svc := NewService(st, cfg, opts...)
	t.Cleanup(svc.Close)
	return &testService{Service: svc, net: net, clock: clock, store: st}
}

// connect runs a queue pass and reports relay's socket as connected
func (ts *testService) connect(t *testing.T, relay string) *fakeSocket {
	t.Helper()
	ts.ProcessQueue()
	sock := ts.net.latest(t, relay)
	ts.OnConnected(sock)
	return sock
}

func (ts *testService) receive(sock *fakeSocket, frame ...interface{}) {
	raw, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	ts.OnText(sock, raw)
}

func eventObject(id string, createdAt int64) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"pubkey":     "abc",
		"created_at": float64(createdAt),
		"kind":       float64(1),
		"tags":       []interface{}{},
		"content":    "hello",
		"sig":        "00",
	}
}

func TestEndToEndOneTimeFetch(t *testing.T) {
	ts := newTestService(t, Config{})
	ctx := context.Background()

	f := filter.Filter{Kinds: []int{1}, Authors: []string{"abc"}, Limit: intPtr(10)}
	h, err := ts.Subscribe(ctx, f, relayOne, relayTwo)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s1 := ts.connect(t, relayOne)
	s2 := ts.net.latest(t, relayTwo)
	ts.OnConnected(s2)
	ts.ProcessQueue()

	req1, req2 := s1.frames(t)[0], s2.frames(t)[0]
	if req1[0] != "REQ" || req2[0] != "REQ" {
		t.Fatalf("expected REQ frames, got %v and %v", req1, req2)
	}
	if !reflect.DeepEqual(req1[2], req2[2]) {
		t.Errorf("filter objects differ: %v vs %v", req1[2], req2[2])
	}
	sub1 := req1[1].(string)

	for i := 0; i < 5; i++ {
		ts.receive(s1, "EVENT", sub1, eventObject(fmt.Sprintf("evt%d", i), int64(1000-i)))
	}
	ts.receive(s1, "EOSE", sub1)

	if got := s1.count(t, "CLOSE"); got != 1 {
		t.Errorf("R1 CLOSE frames = %d, want 1", got)
	}
	if got := s2.count(t, "CLOSE"); got != 0 {
		t.Errorf("R2 CLOSE frames = %d, want 0", got)
	}
	subs := ts.Subscriptions()
	if len(subs) != 1 || subs[0].Relay != relayTwo {
		t.Fatalf("remaining subscriptions = %+v", subs)
	}

	if got := ts.parser.Drain(ctx); got != 5 {
		t.Errorf("parsed %d events, want 5", got)
	}
	saved, err := ts.store.Find(ctx, "evt3")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !reflect.DeepEqual(saved.SeenOn, []string{relayOne}) {
		t.Errorf("seen on = %v", saved.SeenOn)
	}

	h.Release()
	if got := s2.count(t, "CLOSE"); got != 1 {
		t.Errorf("R2 CLOSE frames after release = %d, want 1", got)
	}
	if len(ts.Subscriptions()) != 0 {
		t.Errorf("subscriptions left: %+v", ts.Subscriptions())
	}
}

func TestSharedSubscriptionSurvivesOneRelease(t *testing.T) {
	ts := newTestService(t, Config{})
	ctx := context.Background()
	f := filter.Filter{Kinds: []int{1}, Subscribe: true}

	h1, _ := ts.Subscribe(ctx, f, relayOne)
	h2, _ := ts.Subscribe(ctx, f, relayOne)
	sock := ts.connect(t, relayOne)
	ts.ProcessQueue()

	h1.Release()
	h1.Release()
	if sock.count(t, "CLOSE") != 0 {
		t.Fatal("CLOSE sent while another handle holds the subscription")
	}
	h2.Release()
	if sock.count(t, "CLOSE") != 1 {
		t.Fatal("CLOSE expected after the last handle is released")
	}
}

func TestOKClassification(t *testing.T) {
	key, err := nostr.KeyPairFromHex(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestService(t, Config{}, WithKeyPair(key))
	ctx := context.Background()

	dup, err := ts.Publish(ctx, types.Event{Kind: 1, Content: "first", CreatedAt: 1}, []string{relayOne}, &key)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	blocked, err := ts.Publish(ctx, types.Event{Kind: 1, Content: "second", CreatedAt: 2}, []string{relayOne}, &key)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	sock := ts.net.latest(t, relayOne)
	if got := sock.count(t, "EVENT"); got != 2 {
		t.Fatalf("EVENT frames = %d, want 2", got)
	}
	ts.OnConnected(sock)

	ts.receive(sock, "OK", dup.ID, false, "duplicate: already have this event")
	ts.receive(sock, "OK", blocked.ID, false, "blocked: spam")

	pending, err := ts.store.UnpublishedEvents(ctx, key.PublicKeyHex())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Event.ID != blocked.ID {
		t.Fatalf("pending = %+v, want only the blocked event", pending)
	}

	if got := ts.RetryFailedPublishes(ctx); got != 1 {
		t.Errorf("retried %d frames, want 1", got)
	}
	if got := sock.count(t, "EVENT"); got != 3 {
		t.Errorf("EVENT frames after retry = %d, want 3", got)
	}

	ts.receive(sock, "OK", blocked.ID, true, "")
	if got := ts.RetryFailedPublishes(ctx); got != 0 {
		t.Errorf("retried %d frames after acceptance, want 0", got)
	}
}

func TestRetrySkipsRelaysWithoutConnection(t *testing.T) {
	key, _ := nostr.KeyPairFromHex(testSecret)
	ts := newTestService(t, Config{}, WithKeyPair(key))
	ctx := context.Background()

	if _, err := ts.Publish(ctx, types.Event{Kind: 1, CreatedAt: 1}, []string{relayOne}, &key); err != nil {
		t.Fatal(err)
	}
	if got := ts.RetryFailedPublishes(ctx); got != 0 {
		t.Errorf("retried to an unconnected relay %d times", got)
	}
}

func TestPublishRequiresSignature(t *testing.T) {
	ts := newTestService(t, Config{})
	_, err := ts.Publish(context.Background(), types.Event{Kind: 1}, []string{relayOne}, nil)
	if !errors.Is(err, ErrMissingSignature) {
		t.Errorf("err = %v, want ErrMissingSignature", err)
	}
	if ts.net.dialCount(relayOne) != 0 {
		t.Error("nothing should be sent for an unsigned event")
	}
}

func TestPublishPreSignedEvent(t *testing.T) {
	key, _ := nostr.KeyPairFromHex(testSecret)
	signed, err := nostr.SchnorrSigner{}.Sign(types.Event{Kind: 1, CreatedAt: 5, Content: "signed elsewhere"}, key)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestService(t, Config{})
	out, err := ts.Publish(context.Background(), signed, []string{relayOne}, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if out.ID != signed.ID {
		t.Error("pre-signed event must be sent unchanged")
	}
}

func TestNoticeReporting(t *testing.T) {
	rep := &recordingReporter{}
	ts := newTestService(t, Config{}, WithReporter(rep))
	ts.Subscribe(context.Background(), filter.Filter{Kinds: []int{1}}, relayOne)
	sock := ts.connect(t, relayOne)

	ts.receive(sock, "NOTICE", "rate limited")
	ts.receive(sock, "NOTICE", "ERROR: too many concurrent REQs")
	ts.receive(sock, "NOTICE", "ERROR: bad req: unknown filter field")
	ts.receive(sock, "NOTICE", "welcome")

	if len(rep.rateLimited) != 2 {
		t.Errorf("rate limit reports = %d, want 2", len(rep.rateLimited))
	}
	if len(rep.badRequests) != 1 {
		t.Errorf("bad request reports = %d, want 1", len(rep.badRequests))
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ts := newTestService(t, Config{})
	h, _ := ts.Subscribe(context.Background(), filter.Filter{Kinds: []int{1}, Subscribe: true}, relayOne)
	sock := ts.connect(t, relayOne)
	ts.ProcessQueue()

	for _, raw := range []string{
		`not json`,
		`{}`,
		`[]`,
		`["EVENT"]`,
		`["EVENT","sub"]`,
		`["EVENT","sub","not an object"]`,
		`[42,"x"]`,
		`["OK","id","yes"]`,
		`["WHATEVER","x"]`,
	} {
		ts.OnText(sock, []byte(raw))
	}

	if ts.ParseBacklog() != 0 {
		t.Errorf("malformed frames reached the parse queue")
	}
	if sub, ok := ts.coord.Subscription(h.SubscriptionIDs()[0]); !ok || !sub.Active {
		t.Error("subscription should be unaffected by garbage")
	}
}

func TestAuthChallenge(t *testing.T) {
	key, _ := nostr.KeyPairFromHex(testSecret)
	ts := newTestService(t, Config{}, WithKeyPair(key))
	ts.Subscribe(context.Background(), filter.Filter{Kinds: []int{4}, Subscribe: true}, relayOne)
	sock := ts.connect(t, relayOne)

	ts.receive(sock, "AUTH", "challenge-123")

	var authEvt map[string]interface{}
	for _, msg := range sock.frames(t) {
		if msg[0] == "AUTH" {
			authEvt = msg[1].(map[string]interface{})
		}
	}
	if authEvt == nil {
		t.Fatal("no AUTH frame sent")
	}
	if authEvt["kind"].(float64) != nostr.KindRelayAuth {
		t.Errorf("kind = %v", authEvt["kind"])
	}
	if authEvt["pubkey"] != key.PublicKeyHex() {
		t.Errorf("pubkey = %v", authEvt["pubkey"])
	}

	id := authEvt["id"].(string)
	ts.mu.Lock()
	_, tracked := ts.authIDs[id]
	ts.mu.Unlock()
	if !tracked {
		t.Fatal("auth event id should be tracked")
	}

	ts.receive(sock, "OK", id, true, "")
	ts.mu.Lock()
	_, tracked = ts.authIDs[id]
	ts.mu.Unlock()
	if tracked {
		t.Error("auth OK should be consumed")
	}
}

func TestAuthChallengeWithoutIdentityIsIgnored(t *testing.T) {
	ts := newTestService(t, Config{})
	ts.Subscribe(context.Background(), filter.Filter{Kinds: []int{1}}, relayOne)
	sock := ts.connect(t, relayOne)

	ts.receive(sock, "AUTH", "challenge")
	if sock.count(t, "AUTH") != 0 {
		t.Error("AUTH sent without an identity")
	}
}

func TestClosedFrameAuthRequired(t *testing.T) {
	ts := newTestService(t, Config{})
	h, _ := ts.Subscribe(context.Background(), filter.Filter{Kinds: []int{4}, Subscribe: true}, relayOne)
	sock := ts.connect(t, relayOne)
	ts.ProcessQueue()
	id := h.SubscriptionIDs()[0]

	ts.receive(sock, "CLOSED", id, "auth-required: please authenticate")
	sub, ok := ts.coord.Subscription(id)
	if !ok || sub.Active {
		t.Fatalf("subscription = %+v, present=%v", sub, ok)
	}
	ts.ProcessQueue()
	if sock.count(t, "REQ") != 2 {
		t.Error("requeued subscription should be requested again")
	}
}

func TestResolveRelays(t *testing.T) {
	ctx := context.Background()
	f := filter.Filter{Kinds: []int{1}, Subscribe: true}

	t.Run("user relays exclude search hosts", func(t *testing.T) {
		ts := newTestService(t, Config{
			UserRelays:     []string{"wss://relay.nostr.band", "wss://u1.example"},
			FallbackRelays: []string{"wss://f1.example"},
		})
		ts.Subscribe(ctx, f)
		subs := ts.Subscriptions()
		if len(subs) != 1 || subs[0].Relay != "wss://u1.example" {
			t.Errorf("subscriptions = %+v", subs)
		}
	})

	t.Run("fallback when user has none", func(t *testing.T) {
		ts := newTestService(t, Config{FallbackRelays: []string{"wss://f1.example", "wss://f2.example"}})
		ts.Subscribe(ctx, f)
		if got := len(ts.Subscriptions()); got != 2 {
			t.Errorf("subscriptions = %d, want 2", got)
		}
	})

	t.Run("stored relay list wins", func(t *testing.T) {
		key, _ := nostr.KeyPairFromHex(testSecret)
		ts := newTestService(t, Config{UserRelays: []string{"wss://u1.example"}}, WithKeyPair(key))
		ts.store.SetRelays(ctx, key.PublicKeyHex(), []string{"wss://stored.example"})
		ts.Subscribe(ctx, f)
		subs := ts.Subscriptions()
		if len(subs) != 1 || subs[0].Relay != "wss://stored.example" {
			t.Errorf("subscriptions = %+v", subs)
		}
	})

	t.Run("nothing usable", func(t *testing.T) {
		ts := newTestService(t, Config{})
		if _, err := ts.Subscribe(ctx, f, "https://not-a-relay.example"); !errors.Is(err, ErrNoRelays) {
			t.Errorf("err = %v, want ErrNoRelays", err)
		}
	})
}

func TestWatchConnectedRelays(t *testing.T) {
	ts := newTestService(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := ts.WatchConnectedRelays(ctx)
	if n := <-ch; n != 0 {
		t.Fatalf("initial count = %d", n)
	}

	ts.Subscribe(ctx, filter.Filter{Kinds: []int{1}}, relayOne)
	sock := ts.connect(t, relayOne)
	select {
	case n := <-ch:
		if n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after connecting")
	}

	ts.OnDisconnected(sock, errors.New("gone"))
	select {
	case n := <-ch:
		if n != 0 {
			t.Errorf("count = %d, want 0", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after disconnecting")
	}
	if ts.ConnectedRelays() != 0 {
		t.Error("connected relays should be 0")
	}
}

func TestPagerWalksBackwards(t *testing.T) {
	ts := newTestService(t, Config{})
	ctx := context.Background()

	start := time.Unix(2000, 0)
	p, err := ts.NewPager(ctx, filter.Filter{Kinds: []int{1}, Limit: intPtr(2)}, start, relayOne)
	if err != nil {
		t.Fatalf("pager: %v", err)
	}
	defer p.Close()

	sock := ts.connect(t, relayOne)
	ts.ProcessQueue()

	first := sock.frames(t)[0]
	if until := first[2].(map[string]interface{})["until"].(float64); until != 2000 {
		t.Fatalf("first page until = %v", until)
	}

	// nothing received yet, nothing to advance
	if n, _ := p.LoadMore(ctx); n != 0 {
		t.Fatalf("advanced %d relays without events", n)
	}

	subID := first[1].(string)
	ts.receive(sock, "EVENT", subID, eventObject("a", 1900))
	ts.receive(sock, "EVENT", subID, eventObject("b", 1500))
	ts.receive(sock, "EOSE", subID)

	if n, err := p.LoadMore(ctx); err != nil || n != 1 {
		t.Fatalf("load more = %d, %v", n, err)
	}
	ts.ProcessQueue()

	frames := sock.frames(t)
	var next []interface{}
	for _, msg := range frames[1:] {
		if msg[0] == "REQ" {
			next = msg
		}
	}
	if next == nil {
		t.Fatal("no REQ for the next page")
	}
	if until := next[2].(map[string]interface{})["until"].(float64); until != 1500 {
		t.Errorf("next page until = %v, want 1500", until)
	}
	if sock.count(t, "CLOSE") != 1 {
		t.Error("previous page should be closed")
	}

	p.Close()
	if sock.count(t, "CLOSE") != 2 {
		t.Error("closing the pager should release the last page")
	}
	if _, err := p.LoadMore(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("load more after close: %v", err)
	}
}

func TestPagerSkipsRelaysAtPageBoundary(t *testing.T) {
	ts := newTestService(t, Config{})
	ctx := context.Background()

	start := time.Unix(2000, 0)
	p, err := ts.NewPager(ctx, filter.Filter{Kinds: []int{1}, Limit: intPtr(2)}, start, relayOne)
	if err != nil {
		t.Fatalf("pager: %v", err)
	}
	defer p.Close()

	sock := ts.connect(t, relayOne)
	ts.ProcessQueue()
	subID := sock.frames(t)[0][1].(string)

	// oldest event sits exactly on the current until
	ts.receive(sock, "EVENT", subID, eventObject("a", 2000))

	if n, err := p.LoadMore(ctx); err != nil || n != 0 {
		t.Fatalf("load more = %d, %v, want 0", n, err)
	}
	ts.ProcessQueue()
	if got := sock.count(t, "REQ"); got != 1 {
		t.Errorf("REQ frames = %d, want 1", got)
	}
	if sub, ok := ts.coord.Subscription(subID); !ok || sub.ReferenceCount != 1 {
		t.Errorf("current page = %+v (present=%v)", sub, ok)
	}
}

func TestLateReleaseKeepsNewerSubscriber(t *testing.T) {
	ts := newTestService(t, Config{})
	ctx := context.Background()
	f := filter.Filter{IDs: []string{"abc"}}

	first, err := ts.Subscribe(ctx, f, relayOne)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sock := ts.connect(t, relayOne)
	ts.ProcessQueue()
	subID := first.SubscriptionIDs()[0]
	ts.receive(sock, "EVENT", subID, eventObject("abc", 100))

	second, err := ts.Subscribe(ctx, f, relayOne)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ts.ProcessQueue()

	first.Release()
	if sub, ok := ts.coord.Subscription(subID); !ok || sub.ReferenceCount != 1 {
		t.Fatalf("second subscriber lost its subscription: %+v (present=%v)", sub, ok)
	}
	if got := sock.count(t, "CLOSE"); got != 1 {
		t.Errorf("CLOSE frames = %d, want 1", got)
	}

	second.Release()
	if _, ok := ts.coord.Subscription(subID); ok {
		t.Error("subscription should be gone after its last release")
	}
}

// ctxStore fails relay lookups made with a cancelled context
type ctxStore struct {
	*store.MemoryStore
}

func (s ctxStore) RelaysFor(ctx context.Context, author string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.RelaysFor(ctx, author)
}

func TestUserRelayLookupOutlivesCallerContext(t *testing.T) {
	key, _ := nostr.KeyPairFromHex(testSecret)
	st := ctxStore{store.NewMemoryStore()}
	st.SetRelays(context.Background(), key.PublicKeyHex(), []string{"wss://stored.example"})

	net := newFakeNet()
	svc := NewService(st, Config{
		FallbackRelays:     []string{"wss://f1.example"},
		AllowPrivateRelays: true,
	}, WithDialer(net.dial), WithLogger(discardLogger), WithKeyPair(key))
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	relays, err := svc.resolveRelays(ctx, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(relays, []string{"wss://stored.example"}) {
		t.Errorf("relays = %v, want the stored list", relays)
	}
}

func TestDeleteExpiredEvents(t *testing.T) {
	ts := newTestService(t, Config{})
	ctx := context.Background()
	past := ts.clock.Now().Add(-time.Minute).Unix()
	evt := types.Event{ID: "old", PubKey: "abc", Tags: [][]string{{"expiration", fmt.Sprint(past)}}}
	ts.store.Save(ctx, types.Incoming{Event: evt})

	if n := ts.DeleteExpiredEvents(ctx); n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}

func TestConvenienceRequests(t *testing.T) {
	ts := newTestService(t, Config{FallbackRelays: []string{relayOne}})
	ctx := context.Background()

	filterOf := func(h *Handle) filter.Filter {
		t.Helper()
		ids := h.SubscriptionIDs()
		if len(ids) != 1 {
			t.Fatalf("got %d subscriptions, want 1", len(ids))
		}
		sub, ok := ts.coord.Subscription(ids[0])
		if !ok {
			t.Fatalf("subscription %s missing", ids[0])
		}
		return sub.Filter
	}

	ev, err := ts.RequestEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("RequestEvent: %v", err)
	}
	if f := filterOf(ev); !reflect.DeepEqual(f.IDs, []string{"e1"}) || *f.Limit != 1 || !f.IsOneTime() {
		t.Errorf("event filter = %s", f)
	}

	rl, err := ts.RequestRelayList(ctx, "abc")
	if err != nil {
		t.Fatalf("RequestRelayList: %v", err)
	}
	if f := filterOf(rl); !reflect.DeepEqual(f.Kinds, []int{nostr.KindRelayList}) || f.Authors[0] != "abc" {
		t.Errorf("relay list filter = %s", f)
	}

	replies, err := ts.RequestReplies(ctx, "e1", 0)
	if err != nil {
		t.Fatalf("RequestReplies: %v", err)
	}
	if f := filterOf(replies); f.Limit != nil || !reflect.DeepEqual(f.ETags, []string{"e1"}) {
		t.Errorf("replies filter = %s", f)
	}

	profile, err := ts.RequestProfileData(ctx, "abc", nil, nil)
	if err != nil {
		t.Fatalf("RequestProfileData: %v", err)
	}
	if got := len(profile.SubscriptionIDs()); got != 2 {
		t.Errorf("profile subscriptions = %d, want 2", got)
	}

	profile.Release()
	if _, ok := ts.coord.Subscription(profile.SubscriptionIDs()[0]); ok {
		t.Error("released profile subscription still present")
	}
}
