package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gocalsync/backend"
)

// ErrMalformedChange is returned when a change notification cannot be
// applied because its payload is missing or invalid.
var ErrMalformedChange = errors.New("malformed change")

// ApplyRemoteChange merges one push-stream notification into the store in
// a single transaction.
//
// When the entry's pending operation matches the change kind, the change
// is this device's own write echoing back: the oldest operation is
// consumed and, if nothing else is queued, the server's content is taken
// and the entry becomes synced. Any other change is foreign and is applied
// directly, except that content of an entry with queued local writes is
// kept until those writes are confirmed.
func (s *Store) ApplyRemoteChange(ctx context.Context, ch backend.RemoteChange) (backend.MergeOutcome, error) {
	if ch.EntryID == "" && ch.Entry != nil {
		ch.EntryID = ch.Entry.ID
	}
	if ch.EntryID == "" || !ch.Kind.Valid() {
		return backend.MergeNoop, fmt.Errorf("%w: kind %q entry %q", ErrMalformedChange, ch.Kind, ch.EntryID)
	}
	if ch.Kind != backend.ChangeDeleted && ch.Entry == nil {
		return backend.MergeNoop, fmt.Errorf("%w: %s for %s without entry", ErrMalformedChange, ch.Kind, ch.EntryID)
	}

	var (
		outcome    backend.MergeOutcome
		calendarID string
	)
	err := s.update(ctx, "ApplyRemoteChange", func(ctx context.Context, tx DBTX) error {
		outcome, calendarID = backend.MergeNoop, ch.CalendarID

		local, err := getEntry(ctx, tx, ch.EntryID)
		exists := err == nil
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return err
		}
		if exists {
			calendarID = local.CalendarID
		}

		if exists && local.PendingOperation != backend.OpNone && local.PendingOperation == ch.Kind.Operation() {
			outcome = backend.MergeConfirmed
			return s.confirmEcho(ctx, tx, local, ch)
		}

		switch ch.Kind {
		case backend.ChangeDeleted:
			if !exists {
				return nil
			}
			outcome = backend.MergeRemoved
			return deleteEntry(ctx, tx, local.ID)

		default:
			incoming := remoteEntry(ch)
			if calendarID == "" {
				calendarID = incoming.CalendarID
			}
			if !exists {
				incoming.LocalUpdatedAt = s.now()
				outcome = backend.MergeApplied
				return upsertEntry(ctx, tx, incoming)
			}
			if local.SyncStatus == backend.StatusPending {
				return nil
			}
			if local.SyncStatus == backend.StatusSynced && local.SameContent(incoming) {
				return nil
			}
			incoming.LocalUpdatedAt = s.now()
			outcome = backend.MergeApplied
			return upsertEntry(ctx, tx, incoming)
		}
	})
	if err != nil {
		return backend.MergeNoop, wrapEntryErr(err, "ApplyRemoteChange", ch.EntryID)
	}
	if outcome != backend.MergeNoop {
		s.hub.publish(ChangeNotice{CalendarID: calendarID, EntryIDs: []string{ch.EntryID}, Queue: outcome == backend.MergeConfirmed})
	}
	return outcome, nil
}

func (s *Store) confirmEcho(ctx context.Context, tx DBTX, local backend.Entry, ch backend.RemoteChange) error {
	ops, err := entryOperations(ctx, tx, local.ID)
	if err != nil {
		return err
	}
	if len(ops) > 0 {
		if _, err := deleteOperation(ctx, tx, ops[0].ID); err != nil {
			return err
		}
	}

	if ch.Kind == backend.ChangeDeleted {
		return deleteEntry(ctx, tx, local.ID)
	}

	if len(ops) <= 1 {
		incoming := remoteEntry(ch)
		if incoming.CalendarID == "" {
			incoming.CalendarID = local.CalendarID
		}
		local.EntryPayload = incoming.EntryPayload
	}
	_, err = settle(ctx, tx, local)
	return err
}

func remoteEntry(ch backend.RemoteChange) backend.Entry {
	e := backend.Entry{ID: ch.EntryID, SyncStatus: backend.StatusSynced}
	if ch.Entry != nil {
		e.EntryPayload = ch.Entry.EntryPayload
	}
	if e.CalendarID == "" {
		e.CalendarID = ch.CalendarID
	}
	return e
}

// SeedEntries writes snapshot entries as synced, skipping ids that already
// exist, so seeding twice is harmless. It returns the number written.
func (s *Store) SeedEntries(ctx context.Context, entries []backend.Entry) (int, error) {
	var (
		written   int
		calendars map[string]bool
	)
	err := s.update(ctx, "SeedEntries", func(ctx context.Context, tx DBTX) error {
		written, calendars = 0, make(map[string]bool)
		for _, e := range entries {
			e.SyncStatus = backend.StatusSynced
			e.PendingOperation = backend.OpNone
			e.LastSyncError = ""
			e.LocalUpdatedAt = s.now()
			ok, err := insertEntryIfMissing(ctx, tx, e)
			if err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
			if ok {
				written++
				calendars[e.CalendarID] = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for cal := range calendars {
		s.hub.publish(ChangeNotice{CalendarID: cal})
	}
	return written, nil
}

// ReplaceCalendarEntries replaces a calendar's entries with a full server
// fetch and stamps the checkpoint's full sync time. Entries with queued
// local writes are kept as they are.
func (s *Store) ReplaceCalendarEntries(ctx context.Context, calendarID string, entries []backend.Entry, fetchedAt time.Time) (int, error) {
	var written int
	err := s.update(ctx, "ReplaceCalendarEntries", func(ctx context.Context, tx DBTX) error {
		written = 0
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE calendar_id = ? AND sync_status <> 'pending'`, calendarID); err != nil {
			return err
		}
		for _, e := range entries {
			e.CalendarID = calendarID
			e.SyncStatus = backend.StatusSynced
			e.PendingOperation = backend.OpNone
			e.LastSyncError = ""
			e.LocalUpdatedAt = s.now()
			ok, err := insertEntryIfMissing(ctx, tx, e)
			if err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
			if ok {
				written++
			}
		}
		return putCheckpoint(ctx, tx, backend.Checkpoint{CalendarID: calendarID, LastFullSync: &fetchedAt})
	})
	if err != nil {
		return 0, wrapCalendarErr(err, calendarID)
	}
	s.hub.publish(ChangeNotice{CalendarID: calendarID, Checkpoint: true})
	return written, nil
}
