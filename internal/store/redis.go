package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/types"
)

// RedisStore implements Store using Redis. Expiring events are given a key TTL,
// so Redis itself purges them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisRecord struct {
	Event     types.Event `json:"event"`
	ExpiresAt *int64      `json:"expires_at,omitempty"`
}

// NewRedisStore creates a new Redis store from URL
// URL format: redis://[:password@]host:port/db
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if prefix == "" {
		prefix = "nostr:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) eventKey(id string) string     { return r.prefix + "event:" + id }
func (r *RedisStore) seenKey(id string) string      { return r.prefix + "seen:" + id }
func (r *RedisStore) shouldKey(id string) string    { return r.prefix + "should:" + id }
func (r *RedisStore) publishedKey(id string) string { return r.prefix + "published:" + id }
func (r *RedisStore) pendingKey(author string) string {
	return r.prefix + "pending:" + author
}
func (r *RedisStore) relaysKey(author string) string { return r.prefix + "relays:" + author }

func (r *RedisStore) eventKeys(id string) []string {
	return []string{r.eventKey(id), r.seenKey(id), r.shouldKey(id), r.publishedKey(id)}
}

func (r *RedisStore) writeEvent(ctx context.Context, pipe redis.Pipeliner, evt types.Event) error {
	rec := redisRecord{Event: evt}
	exp := nostr.ExpiresAt(evt)
	if exp != nil {
		ts := exp.Unix()
		rec.ExpiresAt = &ts
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", nostr.ShortID(evt.ID), err)
	}
	pipe.SetNX(ctx, r.eventKey(evt.ID), data, 0)
	return nil
}

func (r *RedisStore) expireEvent(ctx context.Context, pipe redis.Pipeliner, evt types.Event) {
	exp := nostr.ExpiresAt(evt)
	if exp == nil {
		return
	}
	for _, k := range r.eventKeys(evt.ID) {
		pipe.ExpireAt(ctx, k, *exp)
	}
}

func (r *RedisStore) Save(ctx context.Context, in types.Incoming) (*types.SavedEvent, error) {
	pipe := r.client.Pipeline()
	if err := r.writeEvent(ctx, pipe, in.Event); err != nil {
		return nil, err
	}
	if in.Relay != "" {
		pipe.SAdd(ctx, r.seenKey(in.Event.ID), in.Relay)
	}
	r.expireEvent(ctx, pipe, in.Event)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save event %s: %w", nostr.ShortID(in.Event.ID), err)
	}
	return r.Find(ctx, in.Event.ID)
}

func (r *RedisStore) SaveOwn(ctx context.Context, evt types.Event, shouldPublishTo []string) (*types.SavedEvent, error) {
	pipe := r.client.Pipeline()
	if err := r.writeEvent(ctx, pipe, evt); err != nil {
		return nil, err
	}
	for i, relay := range shouldPublishTo {
		pipe.ZAddNX(ctx, r.shouldKey(evt.ID), redis.Z{Score: float64(i), Member: relay})
	}
	if len(shouldPublishTo) > 0 {
		pipe.SAdd(ctx, r.pendingKey(evt.PubKey), evt.ID)
	}
	r.expireEvent(ctx, pipe, evt)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save own event %s: %w", nostr.ShortID(evt.ID), err)
	}
	return r.Find(ctx, evt.ID)
}

func (r *RedisStore) Find(ctx context.Context, id string) (*types.SavedEvent, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.eventKey(id))
	seenCmd := pipe.SMembers(ctx, r.seenKey(id))
	shouldCmd := pipe.ZRange(ctx, r.shouldKey(id), 0, -1)
	publishedCmd := pipe.SMembers(ctx, r.publishedKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("find event %s: %w", nostr.ShortID(id), err)
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", nostr.ShortID(id), err)
	}
	saved := &types.SavedEvent{
		Event:           rec.Event,
		SeenOn:          sortedMembers(seenCmd.Val()),
		ShouldPublishTo: shouldCmd.Val(),
		PublishedTo:     sortedMembers(publishedCmd.Val()),
	}
	if rec.ExpiresAt != nil {
		t := time.Unix(*rec.ExpiresAt, 0)
		saved.ExpiresAt = &t
	}
	return saved, nil
}

func (r *RedisStore) MarkPublished(ctx context.Context, id, relay string) error {
	saved, err := r.Find(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, r.publishedKey(id), relay)
	if saved.ExpiresAt != nil {
		pipe.ExpireAt(ctx, r.publishedKey(id), *saved.ExpiresAt)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// UnpublishedEvents also prunes the author's pending set of events that are
// fully delivered or gone
func (r *RedisStore) UnpublishedEvents(ctx context.Context, author string) ([]types.SavedEvent, error) {
	ids, err := r.client.SMembers(ctx, r.pendingKey(author)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}

	var (
		out  []types.SavedEvent
		done []interface{}
	)
	for _, id := range ids {
		saved, err := r.Find(ctx, id)
		if errors.Is(err, ErrNotFound) {
			done = append(done, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(saved.MissingRelays()) == 0 {
			done = append(done, id)
			continue
		}
		out = append(out, *saved)
	}
	if len(done) > 0 {
		if err := r.client.SRem(ctx, r.pendingKey(author), done...).Err(); err != nil {
			return nil, fmt.Errorf("prune pending events: %w", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.CreatedAt < out[j].Event.CreatedAt })
	return out, nil
}

// DeleteExpired is a no-op: expiring keys carry a TTL
func (r *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) RelaysFor(ctx context.Context, author string) ([]string, error) {
	relays, err := r.client.LRange(ctx, r.relaysKey(author), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get relays for %s: %w", nostr.ShortID(author), err)
	}
	return relays, nil
}

func (r *RedisStore) SetRelays(ctx context.Context, author string, relays []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.relaysKey(author))
		if len(relays) > 0 {
			vals := make([]interface{}, len(relays))
			for i, v := range relays {
				vals[i] = v
			}
			pipe.RPush(ctx, r.relaysKey(author), vals...)
		}
		return nil
	})
	return err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sortedMembers(m []string) []string {
	if len(m) == 0 {
		return nil
	}
	sort.Strings(m)
	return m
}
