package nostr

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/minio/sha256-simd"

	"nostr-relay-engine/internal/types"
	"nostr-relay-engine/internal/util"
)

// Errors returned when a raw relay object cannot become an Event
var (
	ErrNotAnObject  = errors.New("event is not a JSON object")
	ErrMissingID    = errors.New("event has no id")
	ErrMissingKey   = errors.New("event has no pubkey")
	ErrBadTimestamp = errors.New("event created_at is not a number")
)

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON re-encoding).
// Only the shape is checked; id and signature correctness are the store's concern.
func ParseEventFromInterface(data interface{}) (types.Event, error) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, ErrNotAnObject
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	switch createdAt := m["created_at"].(type) {
	case float64:
		evt.CreatedAt = int64(createdAt)
	case json.Number:
		n, err := createdAt.Int64()
		if err != nil {
			return types.Event{}, ErrBadTimestamp
		}
		evt.CreatedAt = n
	default:
		return types.Event{}, ErrBadTimestamp
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	if evt.ID == "" {
		return types.Event{}, ErrMissingID
	}
	if evt.PubKey == "" {
		return types.Event{}, ErrMissingKey
	}
	return evt, nil
}

// ComputeEventID returns the NIP-01 id: sha256 of [0,pubkey,created_at,kind,tags,content].
// HTML characters must stay unescaped, relays hash the raw JSON.
func ComputeEventID(evt types.Event) string {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized := []interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		tags,
		evt.Content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.Encode(serialized)

	hash := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(hash[:])
}

// ExpiresAt returns the NIP-40 expiration of evt, or nil
func ExpiresAt(evt types.Event) *time.Time {
	raw := util.GetTagValue(evt.Tags, "expiration")
	if raw == "" {
		return nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(ts, 0)
	return &t
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
