package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gocalsync/backend"
)

// QueueOperation records a local mutation: the optimistic write to the
// entry and the pending operation that will carry it to the server, in one
// transaction.
//
// create inserts a new entry from payload under entryID. update replaces the
// entry's content with payload. delete drops every earlier operation of the
// entry so that only the delete remains queued, and hides the entry until
// the server confirms.
func (s *Store) QueueOperation(ctx context.Context, entryID string, kind backend.OperationKind, payload *backend.EntryPayload) (*backend.Entry, *backend.PendingOperation, error) {
	if !kind.Valid() {
		return nil, nil, &StoreError{Op: "QueueOperation", EntryID: entryID, Err: fmt.Errorf("invalid operation %q", kind)}
	}
	if kind != backend.OpDelete && payload == nil {
		return nil, nil, &StoreError{Op: "QueueOperation", EntryID: entryID, Err: fmt.Errorf("%s requires a payload", kind)}
	}

	var (
		entry backend.Entry
		op    backend.PendingOperation
	)
	err := s.update(ctx, "QueueOperation", func(ctx context.Context, tx DBTX) error {
		e, err := getEntry(ctx, tx, entryID)
		found := err == nil
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return err
		}

		switch kind {
		case backend.OpCreate:
			if found {
				return fmt.Errorf("entry %s already exists", entryID)
			}
			e = backend.Entry{ID: entryID, EntryPayload: *payload}
		case backend.OpUpdate:
			if !found {
				return backend.ErrNotFound
			}
			if e.PendingOperation == backend.OpDelete {
				return fmt.Errorf("entry %s is being deleted", entryID)
			}
			p := *payload
			p.CalendarID = e.CalendarID
			e.EntryPayload = p
			payload = &p
		case backend.OpDelete:
			if !found {
				return backend.ErrNotFound
			}
			payload = nil
		}
		e.LocalUpdatedAt = s.now()

		op, entry, err = s.enqueue(ctx, tx, e, kind, payload)
		return err
	})
	if err != nil {
		return nil, nil, wrapEntryErr(err, "QueueOperation", entryID)
	}

	s.hub.publish(ChangeNotice{CalendarID: entry.CalendarID, EntryIDs: []string{entry.ID}, Queue: true})
	return &entry, &op, nil
}

// EnqueueOperation records a pending operation for an existing entry
// without touching its content.
func (s *Store) EnqueueOperation(ctx context.Context, entryID string, kind backend.OperationKind, payload *backend.EntryPayload) (*backend.PendingOperation, error) {
	if !kind.Valid() {
		return nil, &StoreError{Op: "EnqueueOperation", EntryID: entryID, Err: fmt.Errorf("invalid operation %q", kind)}
	}

	var (
		entry backend.Entry
		op    backend.PendingOperation
	)
	err := s.update(ctx, "EnqueueOperation", func(ctx context.Context, tx DBTX) error {
		e, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		op, entry, err = s.enqueue(ctx, tx, e, kind, payload)
		return err
	})
	if err != nil {
		return nil, wrapEntryErr(err, "EnqueueOperation", entryID)
	}

	s.hub.publish(ChangeNotice{CalendarID: entry.CalendarID, EntryIDs: []string{entry.ID}, Queue: true})
	return &op, nil
}

func (s *Store) enqueue(ctx context.Context, tx DBTX, e backend.Entry, kind backend.OperationKind, payload *backend.EntryPayload) (backend.PendingOperation, backend.Entry, error) {
	if kind == backend.OpDelete {
		if _, err := deleteEntryOperations(ctx, tx, e.ID); err != nil {
			return backend.PendingOperation{}, e, err
		}
		payload = nil
	}

	e.SyncStatus = backend.StatusPending
	e.PendingOperation = kind
	e.LastSyncError = ""
	if err := upsertEntry(ctx, tx, e); err != nil {
		return backend.PendingOperation{}, e, err
	}

	op := backend.PendingOperation{
		ID:         uuid.NewString(),
		EntryID:    e.ID,
		CalendarID: e.CalendarID,
		Operation:  kind,
		Payload:    payload,
		CreatedAt:  s.now(),
	}
	if err := insertOperation(ctx, tx, op); err != nil {
		return op, e, err
	}

	e, err := settle(ctx, tx, e)
	return op, e, err
}

// DequeueOperation removes an operation and re-derives its entry's sync
// state. Removing an operation that no longer exists is not an error.
func (s *Store) DequeueOperation(ctx context.Context, id string) error {
	var entry backend.Entry
	err := s.update(ctx, "DequeueOperation", func(ctx context.Context, tx DBTX) error {
		entry = backend.Entry{}
		ops, err := queryOperations(ctx, tx, `WHERE id = ?`, id)
		if err != nil || len(ops) == 0 {
			return err
		}
		if _, err := deleteOperation(ctx, tx, id); err != nil {
			return err
		}
		e, err := getEntry(ctx, tx, ops[0].EntryID)
		if err != nil {
			return err
		}
		entry, err = settle(ctx, tx, e)
		return err
	})
	if err != nil {
		return err
	}
	if entry.ID != "" {
		s.hub.publish(ChangeNotice{CalendarID: entry.CalendarID, EntryIDs: []string{entry.ID}, Queue: true})
	}
	return nil
}

// ListPendingOperations returns every queued operation, oldest first.
func (s *Store) ListPendingOperations(ctx context.Context) ([]backend.PendingOperation, error) {
	ops, err := queryOperations(ctx, s.db, ``)
	if err != nil {
		return nil, &StoreError{Op: "ListPendingOperations", Err: err}
	}
	return ops, nil
}

// ListCalendarOperations returns the calendar's queued operations, oldest
// first.
func (s *Store) ListCalendarOperations(ctx context.Context, calendarID string) ([]backend.PendingOperation, error) {
	ops, err := queryOperations(ctx, s.db, `WHERE calendar_id = ?`, calendarID)
	if err != nil {
		return nil, &StoreError{Op: "ListCalendarOperations", CalendarID: calendarID, Err: err}
	}
	return ops, nil
}

// PendingCount returns the number of queued operations for a calendar.
func (s *Store) PendingCount(ctx context.Context, calendarID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE calendar_id = ?`, calendarID).Scan(&n)
	if err != nil {
		return 0, &StoreError{Op: "PendingCount", CalendarID: calendarID, Err: err}
	}
	return n, nil
}

// CompleteOperation records that the server accepted op. server is the
// entry returned by the server, nil for deletes.
//
// If op is already gone (its echo was confirmed first, or a later delete
// superseded it) nothing happens. A confirmed delete removes the entry. A
// confirmed create or update takes the server's content when no further
// operations are queued for the entry, and moves the entry to a
// server-assigned id if one was returned.
func (s *Store) CompleteOperation(ctx context.Context, op backend.PendingOperation, server *backend.Entry) error {
	var entry backend.Entry
	err := s.update(ctx, "CompleteOperation", func(ctx context.Context, tx DBTX) error {
		entry = backend.Entry{}
		removed, err := deleteOperation(ctx, tx, op.ID)
		if err != nil || !removed {
			return err
		}

		e, err := getEntry(ctx, tx, op.EntryID)
		if errors.Is(err, backend.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if op.Operation == backend.OpDelete {
			entry = e
			return deleteEntry(ctx, tx, e.ID)
		}

		if server != nil && server.ID != "" && server.ID != e.ID {
			if err := rekeyEntry(ctx, tx, e.ID, server.ID); err != nil {
				return err
			}
			e.ID = server.ID
		}

		remaining, err := entryOperations(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 && server != nil {
			p := server.EntryPayload
			if p.CalendarID == "" {
				p.CalendarID = e.CalendarID
			}
			e.EntryPayload = p
		}
		entry, err = settle(ctx, tx, e)
		return err
	})
	if err != nil {
		return wrapEntryErr(err, "CompleteOperation", op.EntryID)
	}
	if entry.ID != "" {
		s.hub.publish(ChangeNotice{CalendarID: entry.CalendarID, EntryIDs: uniq(op.EntryID, entry.ID), Queue: true})
	}
	return nil
}

// FailOperation records a transient failure: the retry counter goes up and
// the operation is not attempted again before next. It returns the new
// retry count.
func (s *Store) FailOperation(ctx context.Context, opID string, errMsg string, next time.Time) (int, error) {
	var (
		retries    int
		calendarID string
	)
	err := s.update(ctx, "FailOperation", func(ctx context.Context, tx DBTX) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE pending_operations
			SET retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
			WHERE id = ?
			RETURNING retry_count, calendar_id`,
			nullString(errMsg), timeValueToNullInt64(next).Int64, opID).Scan(&retries, &calendarID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operation %s: %w", opID, backend.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	s.hub.publish(ChangeNotice{CalendarID: calendarID, Queue: true})
	return retries, nil
}

// RejectOperation records that the server permanently refused op. All of
// the entry's queued operations are dropped, since later ones depend on the
// refused one, and the entry is flagged as a conflict carrying errMsg.
func (s *Store) RejectOperation(ctx context.Context, op backend.PendingOperation, errMsg string) error {
	var entry backend.Entry
	err := s.update(ctx, "RejectOperation", func(ctx context.Context, tx DBTX) error {
		entry = backend.Entry{}
		e, err := getEntry(ctx, tx, op.EntryID)
		if errors.Is(err, backend.ErrNotFound) {
			_, err = deleteOperation(ctx, tx, op.ID)
			return err
		}
		if err != nil {
			return err
		}
		if _, err := deleteEntryOperations(ctx, tx, e.ID); err != nil {
			return err
		}
		e.SyncStatus = backend.StatusConflict
		e.PendingOperation = backend.OpNone
		e.LastSyncError = errMsg
		entry = e
		return upsertEntry(ctx, tx, e)
	})
	if err != nil {
		return wrapEntryErr(err, "RejectOperation", op.EntryID)
	}
	if entry.ID != "" {
		s.hub.publish(ChangeNotice{CalendarID: entry.CalendarID, EntryIDs: []string{entry.ID}, Queue: true})
	}
	return nil
}

// ResetRetries clears retry counters and backoff gates of a calendar's
// operations so the next drain attempts all of them, including those that
// hit the retry ceiling.
func (s *Store) ResetRetries(ctx context.Context, calendarID string) (int64, error) {
	var n int64
	err := s.update(ctx, "ResetRetries", func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET retry_count = 0, next_attempt_at = 0, last_error = NULL
			WHERE calendar_id = ?`, calendarID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.hub.publish(ChangeNotice{CalendarID: calendarID, Queue: true})
	return n, nil
}

// ClearQueue discards every queued operation of a calendar. The affected
// entries stay visible, flagged as conflicts, so the discarded local
// changes are not silently lost.
func (s *Store) ClearQueue(ctx context.Context, calendarID string) (int, error) {
	var ids []string
	err := s.update(ctx, "ClearQueue", func(ctx context.Context, tx DBTX) error {
		ids = nil
		ops, err := queryOperations(ctx, tx, `WHERE calendar_id = ?`, calendarID)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, op := range ops {
			if seen[op.EntryID] {
				continue
			}
			seen[op.EntryID] = true
			if _, err := deleteEntryOperations(ctx, tx, op.EntryID); err != nil {
				return err
			}
			e, err := getEntry(ctx, tx, op.EntryID)
			if err != nil {
				return err
			}
			e.SyncStatus = backend.StatusConflict
			e.PendingOperation = backend.OpNone
			e.LastSyncError = fmt.Sprintf("local %s discarded", op.Operation)
			if err := upsertEntry(ctx, tx, e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.hub.publish(ChangeNotice{CalendarID: calendarID, EntryIDs: ids, Queue: true})
	return len(ids), nil
}

// ResolveConflict acknowledges a conflict: the entry goes back to synced
// and its error is cleared. Entries that are not in conflict are left
// alone.
func (s *Store) ResolveConflict(ctx context.Context, entryID string) (*backend.Entry, error) {
	var entry backend.Entry
	err := s.update(ctx, "ResolveConflict", func(ctx context.Context, tx DBTX) error {
		e, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if e.SyncStatus == backend.StatusConflict {
			e.SyncStatus = backend.StatusSynced
			e.LastSyncError = ""
			if err := upsertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, wrapEntryErr(err, "ResolveConflict", entryID)
	}
	s.hub.publish(ChangeNotice{CalendarID: entry.CalendarID, EntryIDs: []string{entry.ID}})
	return &entry, nil
}

func wrapEntryErr(err error, op, entryID string) error {
	var se *StoreError
	if errors.As(err, &se) {
		se.Op = op
		se.EntryID = entryID
		return se
	}
	return &StoreError{Op: op, EntryID: entryID, Err: err}
}

func wrapCalendarErr(err error, calendarID string) error {
	var se *StoreError
	if errors.As(err, &se) {
		se.CalendarID = calendarID
		return se
	}
	return err
}

func uniq(ids ...string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		dup := false
		for _, o := range out {
			dup = dup || o == id
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}
