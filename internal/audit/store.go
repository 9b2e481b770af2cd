// Package audit keeps a local journal of lock and unlock attempts in SQLite.
// It is the history behind the CLI's history command and the API's history
// endpoint, and it survives restarts and loss of the broker.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/unlock"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	pingTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS unlock_attempts (
	id            TEXT PRIMARY KEY,
	lock_mac      TEXT NOT NULL,
	action        TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT '',
	deny_reason   TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	open_seconds  INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	elapsed_ms    INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_unlock_attempts_lock ON unlock_attempts(lock_mac, created_at DESC);

CREATE TABLE IF NOT EXISTS open_warnings (
	id            TEXT PRIMARY KEY,
	attempt_id    TEXT NOT NULL,
	lock_mac      TEXT NOT NULL,
	window_sec    INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_open_warnings_lock ON open_warnings(lock_mac, created_at DESC);
`

// ErrInvalidEntry is returned for entries missing a lock or an id.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Entry is one journaled attempt.
type Entry struct {
	ID          string        `json:"id"`
	Lock        string        `json:"lock"`
	Action      string        `json:"action"`
	Outcome     string        `json:"outcome"`
	Kind        string        `json:"kind,omitempty"`
	DenyReason  string        `json:"deny_reason,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	OpenSeconds int           `json:"open_seconds,omitempty"`
	Attempts    int           `json:"attempts"`
	Elapsed     time.Duration `json:"elapsed"`
	CreatedAt   time.Time     `json:"created_at"`
}

// EntryFromResult converts an orchestrator result into a journal entry.
func EntryFromResult(res unlock.Result) Entry {
	created := res.StartedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Entry{
		ID:          res.AttemptID.String(),
		Lock:        res.Lock.String(),
		Action:      res.Action.String(),
		Outcome:     res.Outcome.String(),
		Kind:        string(res.Kind),
		DenyReason:  string(res.DenyReason),
		Reason:      res.Reason,
		OpenSeconds: int(res.OpenDuration / time.Second),
		Attempts:    res.Attempts,
		Elapsed:     res.Elapsed,
		CreatedAt:   created.UTC(),
	}
}

// Warning is one journaled lock-left-open warning.
type Warning struct {
	ID        string        `json:"id"`
	AttemptID string        `json:"attempt_id"`
	Lock      string        `json:"lock"`
	Window    time.Duration `json:"window"`
	CreatedAt time.Time     `json:"created_at"`
}

// Config maps to the audit section of config.yaml.
type Config struct {
	Path string
	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration
}

// SQLiteStore journals attempts. It implements unlock.Sink.
type SQLiteStore struct {
	db *sql.DB
}

var _ unlock.Sink = (*SQLiteStore)(nil)

// Open opens (creating if needed) the journal at cfg.Path and applies the
// schema. Path ":memory:" gives a throwaway journal.
func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	connStr := ":memory:"
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("audit: creating directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	// One writer; an in-memory database also lives and dies with its only connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("audit: verifying database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("audit: applying schema: %w", err)
	}
	if cfg.Path != ":memory:" {
		_ = os.Chmod(cfg.Path, filePermissions)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("audit: closing database: %w", err)
	}
	return nil
}

// Record inserts e. A missing ID is generated.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	if e.Lock == "" {
		return fmt.Errorf("%w: lock is required", ErrInvalidEntry)
	}
	if e.ID == "" || e.ID == uuid.Nil.String() {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unlock_attempts
			(id, lock_mac, action, outcome, kind, deny_reason, reason, open_seconds, attempts, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Lock, e.Action, e.Outcome, e.Kind, e.DenyReason, e.Reason,
		e.OpenSeconds, e.Attempts, e.Elapsed.Milliseconds(), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("audit: inserting attempt: %w", err)
	}
	return nil
}

// History returns the most recent attempts on mac, newest first. limit is
// clamped to 1..500 with 50 as the default.
func (s *SQLiteStore) History(ctx context.Context, mac ble.MAC, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lock_mac, action, outcome, kind, deny_reason, reason, open_seconds, attempts, elapsed_ms, created_at
		 FROM unlock_attempts
		 WHERE lock_mac = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		mac.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: querying attempts: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			elapsedMS int64
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Lock, &e.Action, &e.Outcome, &e.Kind, &e.DenyReason, &e.Reason,
			&e.OpenSeconds, &e.Attempts, &elapsedMS, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scanning attempt: %w", err)
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterating attempts: %w", err)
	}
	return entries, nil
}

// RecordWarning inserts a lock-left-open warning.
func (s *SQLiteStore) RecordWarning(ctx context.Context, w Warning) error {
	if w.Lock == "" {
		return fmt.Errorf("%w: lock is required", ErrInvalidEntry)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO open_warnings (id, attempt_id, lock_mac, window_sec, created_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.AttemptID, w.Lock, int(w.Window/time.Second), formatTime(w.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("audit: inserting warning: %w", err)
	}
	return nil
}

// Warnings returns the most recent lock-left-open warnings for mac.
func (s *SQLiteStore) Warnings(ctx context.Context, mac ble.MAC, limit int) ([]Warning, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, lock_mac, window_sec, created_at
		 FROM open_warnings
		 WHERE lock_mac = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		mac.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: querying warnings: %w", err)
	}
	defer rows.Close()

	var warnings []Warning
	for rows.Next() {
		var (
			w         Warning
			windowSec int
			createdAt string
		)
		if err := rows.Scan(&w.ID, &w.AttemptID, &w.Lock, &windowSec, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scanning warning: %w", err)
		}
		w.Window = time.Duration(windowSec) * time.Second
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		warnings = append(warnings, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterating warnings: %w", err)
	}
	return warnings, nil
}

// Prune deletes attempts and warnings older than olderThan and returns how
// many attempts were removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("audit: prune age must be positive")
	}
	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := s.db.ExecContext(ctx, "DELETE FROM unlock_attempts WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: pruning attempts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM open_warnings WHERE created_at < ?", cutoff); err != nil {
		return 0, fmt.Errorf("audit: pruning warnings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: checking rows affected: %w", err)
	}
	return n, nil
}

// AttemptFinished journals res.
func (s *SQLiteStore) AttemptFinished(ctx context.Context, res unlock.Result) error {
	return s.Record(ctx, EntryFromResult(res))
}

// LockLeftOpen journals w.
func (s *SQLiteStore) LockLeftOpen(ctx context.Context, w unlock.Warning) error {
	return s.RecordWarning(ctx, Warning{
		AttemptID: w.AttemptID.String(),
		Lock:      w.Lock.String(),
		Window:    w.Window,
		CreatedAt: w.At,
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return min(limit, maxHistoryLimit)
}

// Timestamps are fixed-width UTC so text ordering is time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err == nil {
		return t, nil
	}
	if t, rerr := time.Parse(time.RFC3339Nano, v); rerr == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("audit: parsing created_at %q: %w", v, err)
}
