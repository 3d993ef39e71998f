package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gocalsync/backend"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (backend.Entry, error) {
	var (
		e                         backend.Entry
		desc, loc, color, lastErr sql.NullString
		pendingOp                 sql.NullString
		status                    string
		updatedAt                 sql.NullInt64
	)
	err := r.Scan(&e.ID, &e.CalendarID, &e.Title, &e.StartDate, &e.EndDate, &e.StartTime, &e.EndTime,
		&e.AllDay, &e.MultiDay, &e.IsTask, &e.Timed, &e.Completed, &desc, &loc, &color,
		&status, &pendingOp, &updatedAt, &lastErr)
	if err != nil {
		return e, err
	}
	e.Description = desc.String
	e.Location = loc.String
	e.Color = color.String
	e.SyncStatus = backend.SyncStatus(status)
	e.PendingOperation = backend.OperationKind(pendingOp.String)
	e.LastSyncError = lastErr.String
	if updatedAt.Valid {
		e.LocalUpdatedAt = time.UnixMilli(updatedAt.Int64)
	}
	return e, nil
}

func getEntry(ctx context.Context, q DBTX, id string) (backend.Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, backend.ErrNotFound
	}
	return e, err
}

func entryExists(ctx context.Context, q DBTX, id string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM entries WHERE id = ?)`, id).Scan(&exists)
	return exists, err
}

// upsertEntry inserts or updates in place. The row must never be replaced,
// since deleting it cascades to its pending operations.
func upsertEntry(ctx context.Context, q DBTX, e backend.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			calendar_id = excluded.calendar_id,
			title = excluded.title,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			all_day = excluded.all_day,
			multi_day = excluded.multi_day,
			is_task = excluded.is_task,
			timed = excluded.timed,
			completed = excluded.completed,
			description = excluded.description,
			location = excluded.location,
			color = excluded.color,
			sync_status = excluded.sync_status,
			pending_operation = excluded.pending_operation,
			local_updated_at = excluded.local_updated_at,
			last_sync_error = excluded.last_sync_error`,
		e.ID, e.CalendarID, e.Title, e.StartDate, e.EndDate, e.StartTime, e.EndTime,
		e.AllDay, e.MultiDay, e.IsTask, e.Timed, e.Completed,
		nullString(e.Description), nullString(e.Location), nullString(e.Color),
		string(e.SyncStatus), nullString(string(e.PendingOperation)),
		timeValueToNullInt64(e.LocalUpdatedAt), nullString(e.LastSyncError),
	)
	return err
}

// insertEntryIfMissing inserts e unless an entry with the same id exists.
// It reports whether a row was written.
func insertEntryIfMissing(ctx context.Context, q DBTX, e backend.Entry) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.CalendarID, e.Title, e.StartDate, e.EndDate, e.StartTime, e.EndTime,
		e.AllDay, e.MultiDay, e.IsTask, e.Timed, e.Completed,
		nullString(e.Description), nullString(e.Location), nullString(e.Color),
		string(e.SyncStatus), nullString(string(e.PendingOperation)),
		timeValueToNullInt64(e.LocalUpdatedAt), nullString(e.LastSyncError),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// deleteEntry removes the entry; its operations go with it through the
// foreign key cascade.
func deleteEntry(ctx context.Context, q DBTX, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	return err
}

// rekeyEntry moves an entry to a server-assigned id. Operations follow
// through ON UPDATE CASCADE. A row already stored under newID (an echo that
// arrived before the create response) is replaced.
func rekeyEntry(ctx context.Context, q DBTX, oldID, newID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, newID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `UPDATE entries SET id = ? WHERE id = ?`, newID, oldID)
	return err
}

func scanOperation(r rowScanner) (backend.PendingOperation, error) {
	var (
		op          backend.PendingOperation
		kind        string
		payload     sql.NullString
		lastErr     sql.NullString
		createdAt   int64
		nextAttempt int64
	)
	err := r.Scan(&op.ID, &op.EntryID, &op.CalendarID, &kind, &payload, &createdAt,
		&op.RetryCount, &lastErr, &nextAttempt)
	if err != nil {
		return op, err
	}
	op.Operation = backend.OperationKind(kind)
	op.CreatedAt = time.UnixMilli(createdAt)
	op.LastError = lastErr.String
	if nextAttempt > 0 {
		op.NextAttemptAt = time.UnixMilli(nextAttempt)
	}
	if payload.Valid && payload.String != "" {
		var p backend.EntryPayload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return op, fmt.Errorf("failed to decode payload of operation %s: %w", op.ID, err)
		}
		op.Payload = &p
	}
	return op, nil
}

func queryOperations(ctx context.Context, q DBTX, where string, args ...any) ([]backend.PendingOperation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM pending_operations `+where+` ORDER BY created_at ASC, seq ASC`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []backend.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func entryOperations(ctx context.Context, q DBTX, entryID string) ([]backend.PendingOperation, error) {
	return queryOperations(ctx, q, `WHERE entry_id = ?`, entryID)
}

func insertOperation(ctx context.Context, q DBTX, op backend.PendingOperation) error {
	var payload sql.NullString
	if op.Payload != nil {
		data, err := json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO pending_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EntryID, op.CalendarID, string(op.Operation), payload,
		op.CreatedAt.UnixMilli(), op.RetryCount, nullString(op.LastError),
		timeValueToNullInt64(op.NextAttemptAt).Int64,
	)
	return err
}

func deleteOperation(ctx context.Context, q DBTX, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func deleteEntryOperations(ctx context.Context, q DBTX, entryID string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM pending_operations WHERE entry_id = ?`, entryID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// settle re-derives the entry's sync metadata from its remaining
// operations and writes it. With operations left the entry is pending on
// the oldest one; otherwise a pending entry becomes synced.
func settle(ctx context.Context, q DBTX, e backend.Entry) (backend.Entry, error) {
	ops, err := entryOperations(ctx, q, e.ID)
	if err != nil {
		return e, err
	}
	if len(ops) > 0 {
		e.SyncStatus = backend.StatusPending
		e.PendingOperation = ops[0].Operation
		e.LastSyncError = ""
	} else {
		e.PendingOperation = backend.OpNone
		if e.SyncStatus != backend.StatusConflict {
			e.SyncStatus = backend.StatusSynced
			e.LastSyncError = ""
		}
	}
	return e, upsertEntry(ctx, q, e)
}

// nullString converts empty strings to NULL
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeValueToNullInt64 converts time.Time to Unix milliseconds, NULL for
// the zero time
func timeValueToNullInt64(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// timeToNullInt64 converts *time.Time to Unix milliseconds
func timeToNullInt64(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return timeValueToNullInt64(*t)
}
