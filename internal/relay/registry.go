package relay

import (
	"sort"
	"time"

	"golang.org/x/time/rate"
)

const maxBackoffExponent = 9

// ErrorEntry tracks consecutive connection failures for one relay
type ErrorEntry struct {
	RetryCounter int
	NextRetryAt  time.Time
}

type socketRecord struct {
	socket    Socket
	connected bool
}

// Registry owns the relay address -> socket map and the backoff table.
// It is not safe for concurrent use; the Coordinator serializes all access.
type Registry struct {
	dial    Dialer
	handler SocketHandler
	limiter *rate.Limiter
	now     func() time.Time

	sockets map[string]*socketRecord
	errors  map[string]*ErrorEntry
}

// NewRegistry creates a registry that opens sockets with dial. A nil limiter
// disables dial throttling.
func NewRegistry(dial Dialer, handler SocketHandler, limiter *rate.Limiter, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		dial:    dial,
		handler: handler,
		limiter: limiter,
		now:     now,
		sockets: make(map[string]*socketRecord),
		errors:  make(map[string]*ErrorEntry),
	}
}

// EnsureSocket registers and returns a new, unconnected socket for address.
// It returns nil when a socket already exists, when the relay is inside its
// backoff window, or when the dial rate limit is exhausted.
func (r *Registry) EnsureSocket(address string) Socket {
	if _, ok := r.sockets[address]; ok {
		return nil
	}
	if e, ok := r.errors[address]; ok && r.now().Before(e.NextRetryAt) {
		return nil
	}
	if r.limiter != nil && !r.limiter.AllowN(r.now(), 1) {
		return nil
	}
	s := r.dial(address, r.handler)
	r.sockets[address] = &socketRecord{socket: s}
	return s
}

// RecordFailure extends the backoff window for address:
// nextRetryAt = now + 2^min(retryCounter, 9) seconds.
func (r *Registry) RecordFailure(address string) ErrorEntry {
	e, ok := r.errors[address]
	if !ok {
		e = &ErrorEntry{RetryCounter: 1}
		r.errors[address] = e
	} else {
		e.RetryCounter++
	}
	exp := e.RetryCounter
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	e.NextRetryAt = r.now().Add(time.Duration(1<<exp) * time.Second)
	return *e
}

// RecordSuccess forgets every prior failure for address
func (r *Registry) RecordSuccess(address string) {
	delete(r.errors, address)
}

// ErrorEntry returns the backoff entry for address, if any
func (r *Registry) ErrorEntry(address string) (ErrorEntry, bool) {
	e, ok := r.errors[address]
	if !ok {
		return ErrorEntry{}, false
	}
	return *e, true
}

// Socket returns the registered socket for address, or nil
func (r *Registry) Socket(address string) Socket {
	if rec, ok := r.sockets[address]; ok {
		return rec.socket
	}
	return nil
}

// IsCurrent reports whether s is the socket registered for its address
func (r *Registry) IsCurrent(s Socket) bool {
	rec, ok := r.sockets[s.Address()]
	return ok && rec.socket == s
}

// MarkConnected flags s as connected and clears the relay's backoff entry.
// Stale sockets are ignored.
func (r *Registry) MarkConnected(s Socket) bool {
	if !r.IsCurrent(s) {
		return false
	}
	r.sockets[s.Address()].connected = true
	r.RecordSuccess(s.Address())
	return true
}

// Connected reports whether address has a connected socket
func (r *Registry) Connected(address string) bool {
	rec, ok := r.sockets[address]
	return ok && rec.connected
}

// ConnectedCount returns the number of connected sockets
func (r *Registry) ConnectedCount() int {
	n := 0
	for _, rec := range r.sockets {
		if rec.connected {
			n++
		}
	}
	return n
}

// Addresses returns every address with a registered socket, sorted
func (r *Registry) Addresses() []string {
	out := make([]string, 0, len(r.sockets))
	for addr := range r.sockets {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// BackoffAddresses returns every address with an error entry, sorted
func (r *Registry) BackoffAddresses() []string {
	out := make([]string, 0, len(r.errors))
	for addr := range r.errors {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// CloseAndRemove closes s and drops it from the registry
func (r *Registry) CloseAndRemove(s Socket) bool {
	s.Close()
	return r.Remove(s)
}

// Remove drops s from the registry without closing it. It returns false when
// s is no longer the registered socket for its address.
func (r *Registry) Remove(s Socket) bool {
	if !r.IsCurrent(s) {
		return false
	}
	delete(r.sockets, s.Address())
	return true
}
