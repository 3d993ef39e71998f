package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gocalsync/backend"
)

func getCheckpoint(ctx context.Context, q DBTX, calendarID string) (backend.Checkpoint, error) {
	cp := backend.Checkpoint{CalendarID: calendarID}
	var (
		lastEvent sql.NullString
		fullSync  sql.NullInt64
	)
	err := q.QueryRowContext(ctx,
		`SELECT last_event_id, last_full_sync FROM sync_state WHERE calendar_id = ?`,
		calendarID).Scan(&lastEvent, &fullSync)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, backend.ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	cp.LastEventID = lastEvent.String
	if fullSync.Valid {
		t := time.UnixMilli(fullSync.Int64)
		cp.LastFullSync = &t
	}
	return cp, nil
}

// putCheckpoint writes cp but never moves the stored cursor backwards and
// never clears a recorded full sync time.
func putCheckpoint(ctx context.Context, q DBTX, cp backend.Checkpoint) error {
	cur, err := getCheckpoint(ctx, q, cp.CalendarID)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	if !backend.CursorAfter(cp.LastEventID, cur.LastEventID) {
		cp.LastEventID = cur.LastEventID
	}
	if cp.LastFullSync == nil {
		cp.LastFullSync = cur.LastFullSync
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO sync_state (calendar_id, last_event_id, last_full_sync)
		VALUES (?, ?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_full_sync = excluded.last_full_sync`,
		cp.CalendarID, nullString(cp.LastEventID), timeToNullInt64(cp.LastFullSync))
	return err
}

// GetCheckpoint returns the calendar's checkpoint or backend.ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, calendarID string) (*backend.Checkpoint, error) {
	cp, err := getCheckpoint(ctx, s.db, calendarID)
	if err != nil {
		return nil, &StoreError{Op: "GetCheckpoint", CalendarID: calendarID, Err: err}
	}
	return &cp, nil
}

// PutCheckpoint stores a checkpoint. The cursor is monotonic: a cursor
// that is not after the stored one is ignored.
func (s *Store) PutCheckpoint(ctx context.Context, cp backend.Checkpoint) error {
	err := s.update(ctx, "PutCheckpoint", func(ctx context.Context, tx DBTX) error {
		return putCheckpoint(ctx, tx, cp)
	})
	if err != nil {
		return err
	}
	s.hub.publish(ChangeNotice{CalendarID: cp.CalendarID, Checkpoint: true})
	return nil
}

// CursorMove tells how a stream cursor relates to the stored checkpoint.
type CursorMove int

const (
	// CursorAdvanced means the cursor was stored as the new checkpoint.
	CursorAdvanced CursorMove = iota
	// CursorBehind means the cursor is older than the checkpoint, which
	// was left as is.
	CursorBehind
	// CursorDuplicate means the cursor is the checkpoint itself.
	CursorDuplicate
)

// AdvanceCheckpoint moves the calendar's stream cursor forward. The
// checkpoint never regresses; an empty cursor counts as behind.
func (s *Store) AdvanceCheckpoint(ctx context.Context, calendarID, cursor string) (CursorMove, error) {
	move := CursorBehind
	err := s.update(ctx, "AdvanceCheckpoint", func(ctx context.Context, tx DBTX) error {
		cur, err := getCheckpoint(ctx, tx, calendarID)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return err
		}
		if cursor == "" {
			move = CursorBehind
			return nil
		}
		switch backend.CompareCursors(cursor, cur.LastEventID) {
		case 0:
			move = CursorDuplicate
			return nil
		case -1:
			move = CursorBehind
			return nil
		}
		move = CursorAdvanced
		return putCheckpoint(ctx, tx, backend.Checkpoint{CalendarID: calendarID, LastEventID: cursor})
	})
	if err != nil {
		return CursorBehind, err
	}
	if move == CursorAdvanced {
		s.hub.publish(ChangeNotice{CalendarID: calendarID, Checkpoint: true})
	}
	return move, nil
}
