// Package store provides the SQLite-backed local cache, outbox and mutation
// log for JobLog.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/joblog/joblog/internal/models"
)

// Well-known cache keys.
const (
	KeySnapshot      = "snapshot"
	KeyEvents        = "events"
	KeyNotifications = "notifications"
	// KeyActivities holds the activity catalog, read through GetFresh.
	KeyActivities    = "activities"
)

// ErrNotFound is returned when a cache key or outbox entry does not exist.
var ErrNotFound = errors.New("not found")

// CacheEntry is a cached payload with the instant it was written.
type CacheEntry struct {
	Key  string
	Ts   time.Time
	Data []byte
}

// Store provides access to the JobLog SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Cache Operations ---

// PutCache writes data under key, replacing any previous value.
func (s *Store) PutCache(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache (key, ts, data) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET ts = excluded.ts, data = excluded.data`,
		key, s.now().UnixMilli(), data,
	)
	if err != nil {
		return fmt.Errorf("put cache %s: %w", key, err)
	}
	return nil
}

// GetCache returns the cached entry for key regardless of age.
func (s *Store) GetCache(ctx context.Context, key string) (*CacheEntry, error) {
	var (
		e  CacheEntry
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, ts, data FROM cache WHERE key = ?`, key,
	).Scan(&e.Key, &ts, &e.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache %s: %w", key, err)
	}
	e.Ts = time.UnixMilli(ts)
	return &e, nil
}

// GetFresh returns the cached entry for key only if it is younger than ttl.
// Stale entries are reported as ErrNotFound.
func (s *Store) GetFresh(ctx context.Context, key string, ttl time.Duration) (*CacheEntry, error) {
	e, err := s.GetCache(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.now().Sub(e.Ts) > ttl {
		return nil, ErrNotFound
	}
	return e, nil
}

// DeleteCache removes a cache key. Deleting a missing key is not an error.
func (s *Store) DeleteCache(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache %s: %w", key, err)
	}
	return nil
}

// --- Outbox Operations ---

// Enqueue appends a mutation to the outbox. The id doubles as the
// idempotency key on replay; an empty id gets a fresh one.
func (s *Store) Enqueue(ctx context.Context, id, kind string, payload []byte) (*models.OutboxEntry, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now()
	entry := &models.OutboxEntry{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now.UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, seq, kind, payload, created_at, attempts)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM outbox), ?, ?, ?, 0)`,
		entry.ID, entry.Kind, entry.Payload, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return entry, nil
}

// Pending returns queued mutations in the order they were enqueued.
func (s *Store) Pending(ctx context.Context) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, created_at, attempts FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.CreatedAt, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack removes a delivered mutation from the outbox.
func (s *Store) Ack(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpAttempts records a failed delivery attempt and returns the new count.
func (s *Store) BumpAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`, id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump attempts %s: %w", id, err)
	}
	return attempts, nil
}

// OutboxDepth returns the number of queued mutations.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// --- Mutation Log Operations ---

// WriteMutationLog writes an audit row for a mutation.
func (s *Store) WriteMutationLog(ctx context.Context, kind, inputsHash, outcome, memberKey, details string) (*models.MutationLogEntry, error) {
	now := s.now()
	entry := &models.MutationLogEntry{
		ID:         ulid.Make().String(),
		Kind:       kind,
		InputsHash: inputsHash,
		Outcome:    outcome,
		MemberKey:  memberKey,
		Details:    details,
		Ts:         now.UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mutation_log (id, kind, inputs_hash, outcome, member_key, details, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Kind, entry.InputsHash, entry.Outcome, entry.MemberKey, entry.Details, entry.Ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert mutation log: %w", err)
	}
	return entry, nil
}

// ListMutationLog returns the most recent audit rows, newest first. A limit
// of zero or less returns every row.
func (s *Store) ListMutationLog(ctx context.Context, limit int) ([]models.MutationLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, inputs_hash, outcome, COALESCE(member_key, ''), COALESCE(details, ''), ts
		 FROM mutation_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query mutation log: %w", err)
	}
	defer rows.Close()

	var entries []models.MutationLogEntry
	for rows.Next() {
		var e models.MutationLogEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.InputsHash, &e.Outcome, &e.MemberKey, &e.Details, &e.Ts); err != nil {
			return nil, fmt.Errorf("scan mutation log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
