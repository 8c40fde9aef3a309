package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func intPtr(n int) *int { return &n }

type fakeSocket struct {
	addr string

	mu       sync.Mutex
	sent     [][]byte
	connects int
	closed   bool
}

func (f *fakeSocket) Address() string { return f.addr }

func (f *fakeSocket) Connect(ctx context.Context) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeSocket) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.sent = append(f.sent, frame)
	return true
}

func (f *fakeSocket) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// frames decodes every frame sent so far
func (f *fakeSocket) frames(t *testing.T) [][]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]interface{}, 0, len(f.sent))
	for _, raw := range f.sent {
		var msg []interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("sent frame is not JSON: %s", raw)
		}
		out = append(out, msg)
	}
	return out
}

// count returns how many frames of msgType were sent
func (f *fakeSocket) count(t *testing.T, msgType string) int {
	n := 0
	for _, msg := range f.frames(t) {
		if msg[0] == msgType {
			n++
		}
	}
	return n
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeNet hands out fakeSockets and remembers them per address
type fakeNet struct {
	mu      sync.Mutex
	sockets map[string][]*fakeSocket
}

func newFakeNet() *fakeNet {
	return &fakeNet{sockets: make(map[string][]*fakeSocket)}
}

func (n *fakeNet) dial(address string, h SocketHandler) Socket {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &fakeSocket{addr: address}
	n.sockets[address] = append(n.sockets[address], s)
	return s
}

func (n *fakeNet) latest(t *testing.T, address string) *fakeSocket {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.sockets[address]
	if len(list) == 0 {
		t.Fatalf("no socket dialed for %s", address)
	}
	return list[len(list)-1]
}

func (n *fakeNet) dialCount(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sockets[address])
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
