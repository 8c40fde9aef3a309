package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is the caller's share of one or more subscriptions. Release drops
// that share; the wire subscription closes only when no other caller holds it.
type Handle struct {
	ID string

	refs    []SubscriptionRef
	release func(refs []SubscriptionRef)
	once    sync.Once
}

func newHandle(refs []SubscriptionRef, release func([]SubscriptionRef)) *Handle {
	return &Handle{
		ID:      uuid.NewString(),
		refs:    refs,
		release: release,
	}
}

// SubscriptionIDs returns the subscriptions this handle references
func (h *Handle) SubscriptionIDs() []string {
	ids := make([]string, len(h.refs))
	for i, ref := range h.refs {
		ids[i] = ref.ID
	}
	return ids
}

// Release gives up the handle's references. Only the first call has an effect.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release(h.refs)
		}
	})
}

// Join returns a handle that releases every given handle
func Join(handles ...*Handle) *Handle {
	var refs []SubscriptionRef
	for _, h := range handles {
		if h != nil {
			refs = append(refs, h.refs...)
		}
	}
	return newHandle(refs, func([]SubscriptionRef) {
		for _, h := range handles {
			h.Release()
		}
	})
}
