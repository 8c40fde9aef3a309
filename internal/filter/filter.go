// Package filter describes sets of Nostr events, usually so relays can be asked
// for them (NIP-01 REQ filters).
package filter

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
)

const (
	fieldSep = "|"
	listSep  = ","
	absent   = "nil"
)

// Filter is a value type. Authors and Kinds are order-independent: two filters
// that differ only in the ordering of those lists share one identity.
//
// Limit, Since and Until are the only fields meant to be rewritten after
// construction (the pager derives page requests from a template filter).
type Filter struct {
	Authors   []string
	IDs       []string
	Kinds     []int
	ETags     []string
	PTags     []string
	Search    *string
	InNetwork bool
	Limit     *int
	Since     *time.Time
	Until     *time.Time

	// Subscribe keeps the subscription open after EOSE. When false the
	// subscription is one-shot.
	Subscribe bool
}

// New returns f with Authors and Kinds copied into descending order, so that
// semantically identical filters serialize identically.
func New(f Filter) Filter {
	f.Authors = sortedDesc(f.Authors)
	if len(f.Kinds) > 0 {
		kinds := append([]int(nil), f.Kinds...)
		sort.Sort(sort.Reverse(sort.IntSlice(kinds)))
		f.Kinds = kinds
	}
	return f
}

// WithUntil returns a copy of f with Until set to t
func (f Filter) WithUntil(t time.Time) Filter {
	f.Until = &t
	return f
}

// WithSince returns a copy of f with Since set to t
func (f Filter) WithSince(t time.Time) Filter {
	f.Since = &t
	return f
}

// WithLimit returns a copy of f with Limit set to n
func (f Filter) WithLimit(n int) Filter {
	f.Limit = &n
	return f
}

// IsOneTime reports whether subscriptions for f close after the relay answers
func (f Filter) IsOneTime() bool {
	return !f.Subscribe
}

// ID returns a stable identity: the hex SHA-256 of the canonical field layout
// (authors, ids, kinds, limit, #e, #p, search, since, until, inNetwork).
func (f Filter) ID() string {
	sum := sha256.Sum256([]byte(f.canonical()))
	return hex.EncodeToString(sum[:])
}

func (f Filter) canonical() string {
	n := New(f)

	kinds := make([]string, len(n.Kinds))
	for i, k := range n.Kinds {
		kinds[i] = strconv.Itoa(k)
	}

	fields := []string{
		strings.Join(n.Authors, listSep),
		strings.Join(n.IDs, listSep),
		strings.Join(kinds, listSep),
		optInt(n.Limit),
		strings.Join(n.ETags, listSep),
		strings.Join(n.PTags, listSep),
		optString(n.Search),
		optTime(n.Since),
		optTime(n.Until),
		strconv.FormatBool(n.InNetwork),
	}
	return strings.Join(fields, fieldSep)
}

// WireObject builds the relay-facing REQ filter object. Empty or absent fields
// are omitted.
func (f Filter) WireObject() map[string]interface{} {
	n := New(f)
	obj := make(map[string]interface{})

	if n.Limit != nil {
		obj["limit"] = *n.Limit
	}
	if len(n.Authors) > 0 {
		obj["authors"] = n.Authors
	}
	if len(n.IDs) > 0 {
		obj["ids"] = n.IDs
	}
	if len(n.Kinds) > 0 {
		obj["kinds"] = n.Kinds
	}
	if len(n.ETags) > 0 {
		obj["#e"] = n.ETags
	}
	if len(n.PTags) > 0 {
		obj["#p"] = n.PTags
	}
	if n.Search != nil && *n.Search != "" {
		obj["search"] = *n.Search
	}
	if n.Since != nil {
		obj["since"] = n.Since.Unix()
	}
	if n.Until != nil {
		obj["until"] = n.Until.Unix()
	}

	return obj
}

// String renders a compact description for logs
func (f Filter) String() string {
	var b strings.Builder
	b.WriteString("filter{")
	first := true
	add := func(k, v string) {
		if !first {
			b.WriteString(" ")
		}
		first = false
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = strconv.Itoa(k)
		}
		add("kinds", strings.Join(kinds, listSep))
	}
	if len(f.Authors) > 0 {
		add("authors", strconv.Itoa(len(f.Authors)))
	}
	if len(f.IDs) > 0 {
		add("ids", strconv.Itoa(len(f.IDs)))
	}
	if len(f.ETags) > 0 {
		add("#e", strconv.Itoa(len(f.ETags)))
	}
	if len(f.PTags) > 0 {
		add("#p", strconv.Itoa(len(f.PTags)))
	}
	if f.Limit != nil {
		add("limit", strconv.Itoa(*f.Limit))
	}
	if f.Until != nil {
		add("until", strconv.FormatInt(f.Until.Unix(), 10))
	}
	if f.Subscribe {
		add("subscribe", "true")
	}
	b.WriteString("}")
	return b.String()
}

func sortedDesc(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := append([]string(nil), in...)
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}

func optInt(v *int) string {
	if v == nil {
		return absent
	}
	return strconv.Itoa(*v)
}

func optString(v *string) string {
	if v == nil {
		return absent
	}
	return *v
}

func optTime(v *time.Time) string {
	if v == nil {
		return absent
	}
	return strconv.FormatInt(v.Unix(), 10)
}
