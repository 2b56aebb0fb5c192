// Package history keeps a record of connection attempts in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		attempt_id     TEXT PRIMARY KEY,
		profile_id     TEXT NOT NULL,
		profile_name   TEXT NOT NULL DEFAULT '',
		started_at     INTEGER NOT NULL,
		connected_at   INTEGER,
		ended_at       INTEGER,
		bytes_sent     INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		error          TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_profile ON sessions(profile_id)`,
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Entry is one connection attempt.
type Entry struct {
	AttemptID   string
	ProfileID   string
	ProfileName string
	StartedAt   time.Time
	// ConnectedAt is zero when the tunnel never came up.
	ConnectedAt time.Time
	// EndedAt is zero while the attempt is still active.
	EndedAt       time.Time
	BytesSent     uint64
	BytesReceived uint64
	Error         string
}

// Connected reports whether the attempt reached the connected state.
func (e Entry) Connected() bool { return !e.ConnectedAt.IsZero() }

// Duration returns how long the tunnel was up.
func (e Entry) Duration() time.Duration {
	if e.ConnectedAt.IsZero() {
		return 0
	}
	end := e.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(e.ConnectedAt)
}

// Store provides access to the history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating when needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("history: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("history: apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit schema transaction: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin records the start of an attempt.
func (s *Store) Begin(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (attempt_id, profile_id, profile_name, started_at) VALUES (?, ?, ?, ?)`,
		e.AttemptID, e.ProfileID, e.ProfileName, e.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("history: begin %s: %w", e.AttemptID, err)
	}
	return nil
}

// MarkConnected records when the tunnel came up.
func (s *Store) MarkConnected(ctx context.Context, attemptID string, at time.Time) error {
	return s.update(ctx, attemptID,
		`UPDATE sessions SET connected_at = ? WHERE attempt_id = ?`, at.UnixMilli(), attemptID)
}

// UpdateCounters stores the latest traffic counters of an attempt.
func (s *Store) UpdateCounters(ctx context.Context, attemptID string, sent, received uint64) error {
	return s.update(ctx, attemptID,
		`UPDATE sessions SET bytes_sent = ?, bytes_received = ? WHERE attempt_id = ?`,
		int64(sent), int64(received), attemptID)
}

// Finish closes an attempt. errText is empty for a clean end.
func (s *Store) Finish(ctx context.Context, attemptID string, at time.Time, errText string) error {
	return s.update(ctx, attemptID,
		`UPDATE sessions SET ended_at = ?, error = ? WHERE attempt_id = ? AND ended_at IS NULL`,
		at.UnixMilli(), errText, attemptID)
}

func (s *Store) update(ctx context.Context, attemptID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("history: update %s: %w", attemptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history: update %s: %w", attemptID, err)
	}
	if n == 0 {
		return NotFoundError{Entity: "session", Key: attemptID}
	}
	return nil
}

const selectColumns = `attempt_id, profile_id, profile_name, started_at, connected_at, ended_at, bytes_sent, bytes_received, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                Entry
		started          int64
		connected, ended sql.NullInt64
		sent, received   int64
	)
	if err := row.Scan(&e.AttemptID, &e.ProfileID, &e.ProfileName, &started, &connected, &ended, &sent, &received, &e.Error); err != nil {
		return Entry{}, err
	}
	e.StartedAt = time.UnixMilli(started)
	if connected.Valid {
		e.ConnectedAt = time.UnixMilli(connected.Int64)
	}
	if ended.Valid {
		e.EndedAt = time.UnixMilli(ended.Int64)
	}
	e.BytesSent = uint64(sent)
	e.BytesReceived = uint64(received)
	return e, nil
}

// Get returns the attempt with the given ID.
func (s *Store) Get(ctx context.Context, attemptID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE attempt_id = ?`, attemptID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, NotFoundError{Entity: "session", Key: attemptID}
		}
		return Entry{}, fmt.Errorf("history: get %s: %w", attemptID, err)
	}
	return e, nil
}

// ListOptions filters List.
type ListOptions struct {
	// ProfileID limits results to one profile when set.
	ProfileID string
	// Limit caps the number of entries; zero means no limit.
	Limit int
}

// List returns attempts newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions`
	var args []any
	if opts.ProfileID != "" {
		query += ` WHERE profile_id = ?`
		args = append(args, opts.ProfileID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune keeps the newest keep attempts and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE attempt_id NOT IN (
			SELECT attempt_id FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// CloseDangling ends attempts left open by a previous process that exited
// without recording the end of its session.
func (s *Store) CloseDangling(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, error = 'interrupted' WHERE ended_at IS NULL`, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: close dangling: %w", err)
	}
	return res.RowsAffected()
}
