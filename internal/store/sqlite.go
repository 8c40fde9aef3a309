package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	roleSeen          = "seen"
	roleShouldPublish = "should_publish"
	rolePublished     = "published"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements TxStore on a SQLite database
type SQLiteStore struct {
	db *sql.DB
	q  querier
	tx bool
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "data/events.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("event store opened", "driver", "sqlite", "path", path)
	return &SQLiteStore{db: db, q: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would also close db
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// WithTx runs fn against a store bound to one transaction, committing when fn
// returns nil
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&SQLiteStore{db: s.db, q: tx, tx: true}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, in types.Incoming) (*types.SavedEvent, error) {
	if err := s.insertEvent(ctx, in.Event); err != nil {
		return nil, err
	}
	if in.Relay != "" {
		if err := s.addRelay(ctx, in.Event.ID, in.Relay, roleSeen, 0); err != nil {
			return nil, err
		}
	}
	return s.Find(ctx, in.Event.ID)
}

func (s *SQLiteStore) SaveOwn(ctx context.Context, evt types.Event, shouldPublishTo []string) (*types.SavedEvent, error) {
	if err := s.insertEvent(ctx, evt); err != nil {
		return nil, err
	}
	for i, r := range shouldPublishTo {
		if err := s.addRelay(ctx, evt.ID, r, roleShouldPublish, i); err != nil {
			return nil, err
		}
	}
	return s.Find(ctx, evt.ID)
}

func (s *SQLiteStore) insertEvent(ctx context.Context, evt types.Event) error {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var expires sql.NullInt64
	if exp := nostr.ExpiresAt(evt); exp != nil {
		expires = sql.NullInt64{Int64: exp.Unix(), Valid: true}
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, string(tagsJSON), evt.Content, evt.Sig, expires)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", nostr.ShortID(evt.ID), err)
	}
	return nil
}

func (s *SQLiteStore) addRelay(ctx context.Context, id, relay, role string, position int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO event_relays (event_id, relay, role, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, id, relay, role, position)
	if err != nil {
		return fmt.Errorf("record %s relay for %s: %w", role, nostr.ShortID(id), err)
	}
	return nil
}

func (s *SQLiteStore) Find(ctx context.Context, id string) (*types.SavedEvent, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, pubkey, created_at, kind, tags, content, sig, expires_at
		FROM events WHERE id = ?`, id)

	saved, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRelays(ctx, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.SavedEvent, error) {
	var (
		evt      types.Event
		tagsJSON string
		expires  sql.NullInt64
	)
	if err := row.Scan(&evt.ID, &evt.PubKey, &evt.CreatedAt, &evt.Kind, &tagsJSON, &evt.Content, &evt.Sig, &expires); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &evt.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", nostr.ShortID(evt.ID), err)
	}
	saved := &types.SavedEvent{Event: evt}
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		saved.ExpiresAt = &t
	}
	return saved, nil
}

func (s *SQLiteStore) loadRelays(ctx context.Context, saved *types.SavedEvent) error {
	rows, err := s.q.QueryContext(ctx, `
		SELECT relay, role FROM event_relays
		WHERE event_id = ? ORDER BY position, rowid`, saved.Event.ID)
	if err != nil {
		return fmt.Errorf("load relays of %s: %w", nostr.ShortID(saved.Event.ID), err)
	}
	defer rows.Close()

	for rows.Next() {
		var relay, role string
		if err := rows.Scan(&relay, &role); err != nil {
			return err
		}
		switch role {
		case roleSeen:
			saved.SeenOn = append(saved.SeenOn, relay)
		case roleShouldPublish:
			saved.ShouldPublishTo = append(saved.ShouldPublishTo, relay)
		case rolePublished:
			saved.PublishedTo = append(saved.PublishedTo, relay)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) MarkPublished(ctx context.Context, id, relay string) error {
	var exists int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return s.addRelay(ctx, id, relay, rolePublished, 0)
}

func (s *SQLiteStore) UnpublishedEvents(ctx context.Context, author string) ([]types.SavedEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT e.id, e.pubkey, e.created_at, e.kind, e.tags, e.content, e.sig, e.expires_at
		FROM events e
		WHERE e.pubkey = ? AND EXISTS (
			SELECT 1 FROM event_relays s
			WHERE s.event_id = e.id AND s.role = ?
			AND NOT EXISTS (
				SELECT 1 FROM event_relays p
				WHERE p.event_id = e.id AND p.relay = s.relay AND p.role = ?
			)
		)
		ORDER BY e.created_at`, author, roleShouldPublish, rolePublished)
	if err != nil {
		return nil, fmt.Errorf("query unpublished events: %w", err)
	}

	var out []types.SavedEvent
	for rows.Next() {
		saved, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *saved)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// relays are loaded after the cursor is released; the pool has one connection
	for i := range out {
		if err := s.loadRelays(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) RelaysFor(ctx context.Context, author string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT relay FROM author_relays WHERE pubkey = ? ORDER BY position`, author)
	if err != nil {
		return nil, fmt.Errorf("query relays for %s: %w", nostr.ShortID(author), err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetRelays(ctx context.Context, author string, relays []string) error {
	return s.WithTx(ctx, func(st Store) error {
		q := st.(*SQLiteStore).q
		if _, err := q.ExecContext(ctx, `DELETE FROM author_relays WHERE pubkey = ?`, author); err != nil {
			return fmt.Errorf("clear relays for %s: %w", nostr.ShortID(author), err)
		}
		for i, r := range relays {
			if strings.TrimSpace(r) == "" {
				continue
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO author_relays (pubkey, relay, position) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING`, author, r, i); err != nil {
				return fmt.Errorf("store relay for %s: %w", nostr.ShortID(author), err)
			}
		}
		return nil
	})
}

// Close closes the database. Transaction-bound stores do nothing.
func (s *SQLiteStore) Close() error {
	if s.tx {
		return nil
	}
	return s.db.Close()
}
