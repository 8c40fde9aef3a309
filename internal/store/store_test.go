package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"nostr-relay-engine/internal/types"
)

func testEvent(id, author string, createdAt int64) types.Event {
	return types.Event{
		ID:        id,
		PubKey:    author,
		CreatedAt: createdAt,
		Kind:      1,
		Tags:      [][]string{{"p", "someone"}},
		Content:   "hello <world> & friends",
		Sig:       "00",
	}
}

// stores returns every implementation that can run in this environment
func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	out := map[string]Store{"memory": NewMemoryStore()}

	sq, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	out["sqlite"] = sq

	if url := os.Getenv("REDIS_URL"); url != "" {
		rs, err := NewRedisStore(ctx, url, "test:"+uuid.NewString()+":")
		if err != nil {
			t.Fatalf("open redis: %v", err)
		}
		out["redis"] = rs
	}

	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func TestSaveIsIdempotentAndRecordsRelays(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			evt := testEvent("e1", "alice", 100)
			if _, err := s.Save(ctx, types.Incoming{Event: evt, Relay: "wss://r1.example"}); err != nil {
				t.Fatalf("save: %v", err)
			}
			saved, err := s.Save(ctx, types.Incoming{Event: evt, Relay: "wss://r2.example"})
			if err != nil {
				t.Fatalf("save again: %v", err)
			}
			if !reflect.DeepEqual(saved.SeenOn, []string{"wss://r1.example", "wss://r2.example"}) {
				t.Errorf("seen on = %v", saved.SeenOn)
			}
			if saved.Event.Content != evt.Content || len(saved.Event.Tags) != 1 {
				t.Errorf("event = %+v", saved.Event)
			}
		})
	}
}

func TestFindMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Find(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
			if err := s.MarkPublished(ctx, "nope", "wss://r1.example"); !errors.Is(err, ErrNotFound) {
				t.Errorf("mark published err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUnpublishedEventsTracksMissingRelays(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			own := testEvent("own1", "me", 200)
			relays := []string{"wss://r1.example", "wss://r2.example"}
			if _, err := s.SaveOwn(ctx, own, relays); err != nil {
				t.Fatalf("save own: %v", err)
			}
			if _, err := s.Save(ctx, types.Incoming{Event: testEvent("other", "me", 150)}); err != nil {
				t.Fatalf("save: %v", err)
			}

			pending, err := s.UnpublishedEvents(ctx, "me")
			if err != nil {
				t.Fatalf("unpublished: %v", err)
			}
			if len(pending) != 1 || !reflect.DeepEqual(pending[0].MissingRelays(), relays) {
				t.Fatalf("pending = %+v", pending)
			}

			if err := s.MarkPublished(ctx, "own1", "wss://r1.example"); err != nil {
				t.Fatalf("mark: %v", err)
			}
			pending, _ = s.UnpublishedEvents(ctx, "me")
			if len(pending) != 1 || !reflect.DeepEqual(pending[0].MissingRelays(), []string{"wss://r2.example"}) {
				t.Fatalf("pending after one ack = %+v", pending)
			}

			if err := s.MarkPublished(ctx, "own1", "wss://r2.example"); err != nil {
				t.Fatalf("mark: %v", err)
			}
			pending, _ = s.UnpublishedEvents(ctx, "me")
			if len(pending) != 0 {
				t.Errorf("expected nothing pending, got %+v", pending)
			}
		})
	}
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		if name == "redis" {
			// expiry is delegated to key TTLs
			continue
		}
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1700000000, 0)
			gone := testEvent("gone", "bob", 1)
			gone.Tags = [][]string{{"expiration", strconv.FormatInt(now.Unix()-1, 10)}}
			kept := testEvent("kept", "bob", 1)
			kept.Tags = [][]string{{"expiration", strconv.FormatInt(now.Unix()+60, 10)}}
			plain := testEvent("plain", "bob", 1)

			for _, e := range []types.Event{gone, kept, plain} {
				if _, err := s.Save(ctx, types.Incoming{Event: e, Relay: "wss://r1.example"}); err != nil {
					t.Fatalf("save %s: %v", e.ID, err)
				}
			}

			n, err := s.DeleteExpired(ctx, now)
			if err != nil {
				t.Fatalf("delete expired: %v", err)
			}
			if n != 1 {
				t.Errorf("deleted %d, want 1", n)
			}
			if _, err := s.Find(ctx, "gone"); !errors.Is(err, ErrNotFound) {
				t.Error("expired event still present")
			}
			saved, err := s.Find(ctx, "kept")
			if err != nil || saved.ExpiresAt == nil {
				t.Errorf("kept = %+v, %v", saved, err)
			}
		})
	}
}

func TestRelayLists(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SetRelays(ctx, "carol", []string{"wss://b.example", "wss://a.example"}); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.SetRelays(ctx, "carol", []string{"wss://c.example", "wss://a.example"}); err != nil {
				t.Fatalf("replace: %v", err)
			}
			got, err := s.RelaysFor(ctx, "carol")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !reflect.DeepEqual(got, []string{"wss://c.example", "wss://a.example"}) {
				t.Errorf("relays = %v", got)
			}
			none, _ := s.RelaysFor(ctx, "nobody")
			if len(none) != 0 {
				t.Errorf("unknown author relays = %v", none)
			}
		})
	}
}

func TestSQLiteWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "tx.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx Store) error {
		if _, err := tx.Save(ctx, types.Incoming{Event: testEvent("tx1", "dave", 1)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Find(ctx, "tx1"); !errors.Is(err, ErrNotFound) {
		t.Error("rolled back event should not exist")
	}

	err = s.WithTx(ctx, func(tx Store) error {
		_, err := tx.Save(ctx, types.Incoming{Event: testEvent("tx2", "dave", 1)})
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := s.Find(ctx, "tx2"); err != nil {
		t.Errorf("committed event missing: %v", err)
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Save(ctx, types.Incoming{Event: testEvent("keep", "erin", 1)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Find(ctx, "keep"); err != nil {
		t.Errorf("event lost across reopen: %v", err)
	}
}
