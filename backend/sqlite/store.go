// Package sqlite implements the durable local store: calendar entries, the
// pending operation queue and per-calendar sync checkpoints.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gocalsync/backend"
	"gocalsync/internal/utils"

	_ "modernc.org/sqlite" // SQLite driver
)

// StoreError represents an error from a local store operation
type StoreError struct {
	Op         string
	EntryID    string
	CalendarID string
	Err        error
}

func (e *StoreError) Error() string {
	switch {
	case e.EntryID != "":
		return fmt.Sprintf("sqlite %s (entry %s): %v", e.Op, e.EntryID, e.Err)
	case e.CalendarID != "":
		return fmt.Sprintf("sqlite %s (calendar %s): %v", e.Op, e.CalendarID, e.Err)
	}
	return fmt.Sprintf("sqlite %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store is safe for concurrent use. Every mutation runs in one
// transaction and subscribers are notified after it commits.
type Store struct {
	db    *sql.DB
	path  string
	log   *utils.Logger
	hub   *hub
	now   func() time.Time
	retry retryConfig
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *utils.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies
// migrations. An empty path selects the XDG data directory.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get database path: %w", err)
		}
		path = p
	}
	path, err := utils.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand database path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		path:  path,
		hub:   newHub(),
		now:   time.Now,
		retry: defaultRetryConfig,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.OrDefault().Named("Store")
	return s, nil
}

// DefaultPath returns $XDG_DATA_HOME/gocalsync/calendar.db or its
// ~/.local/share fallback.
func DefaultPath() (string, error) {
	dir, err := utils.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "calendar.db"), nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database and all subscriptions.
func (s *Store) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

func (s *Store) timestamp() int64 {
	return s.now().UnixMilli()
}

// GetEntry returns the entry with the given id or backend.ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (*backend.Entry, error) {
	e, err := getEntry(ctx, s.db, id)
	if err != nil {
		return nil, &StoreError{Op: "GetEntry", EntryID: id, Err: err}
	}
	return &e, nil
}

// PutEntry writes an entry as-is. The entry must satisfy the sync
// invariant, which the schema enforces.
func (s *Store) PutEntry(ctx context.Context, e backend.Entry) error {
	if err := e.CheckInvariant(); err != nil {
		return &StoreError{Op: "PutEntry", EntryID: e.ID, Err: err}
	}
	if e.LocalUpdatedAt.IsZero() {
		e.LocalUpdatedAt = s.now()
	}
	err := s.update(ctx, "PutEntry", func(ctx context.Context, tx DBTX) error {
		return upsertEntry(ctx, tx, e)
	})
	if err != nil {
		return err
	}
	s.hub.publish(ChangeNotice{CalendarID: e.CalendarID, EntryIDs: []string{e.ID}})
	return nil
}

// DeleteEntry removes an entry together with any pending operations that
// reference it. Deleting a missing entry is not an error.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	var calendarID string
	err := s.update(ctx, "DeleteEntry", func(ctx context.Context, tx DBTX) error {
		e, err := getEntry(ctx, tx, id)
		if errors.Is(err, backend.ErrNotFound) {
			calendarID = ""
			return nil
		}
		if err != nil {
			return err
		}
		calendarID = e.CalendarID
		return deleteEntry(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	if calendarID != "" {
		s.hub.publish(ChangeNotice{CalendarID: calendarID, EntryIDs: []string{id}, Queue: true})
	}
	return nil
}

// ListEntries returns all entries of a calendar ordered by start, including
// entries awaiting a confirmed delete (see backend.Entry.Visible).
func (s *Store) ListEntries(ctx context.Context, calendarID string) ([]backend.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE calendar_id = ?
		 ORDER BY start_date, start_time, title, id`, calendarID)
	if err != nil {
		return nil, &StoreError{Op: "ListEntries", CalendarID: calendarID, Err: err}
	}
	defer rows.Close()

	var entries []backend.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &StoreError{Op: "ListEntries", CalendarID: calendarID, Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "ListEntries", CalendarID: calendarID, Err: err}
	}
	return entries, nil
}

// HasEntries reports whether any entry exists for the calendar.
func (s *Store) HasEntries(ctx context.Context, calendarID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM entries WHERE calendar_id = ?)`, calendarID).Scan(&exists)
	if err != nil {
		return false, &StoreError{Op: "HasEntries", CalendarID: calendarID, Err: err}
	}
	return exists, nil
}

// Calendars returns the ids of calendars with local data.
func (s *Store) Calendars(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT calendar_id FROM entries
		 UNION SELECT calendar_id FROM sync_state
		 ORDER BY 1`)
	if err != nil {
		return nil, &StoreError{Op: "Calendars", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StoreError{Op: "Calendars", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// update runs fn in a write transaction, retrying transient lock errors.
func (s *Store) update(ctx context.Context, op string, fn func(ctx context.Context, tx DBTX) error) error {
	err := s.retryOp(ctx, func(ctx context.Context) error {
		return withTx(ctx, s.db, fn)
	})
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			return err
		}
		return &StoreError{Op: op, Err: err}
	}
	return nil
}
