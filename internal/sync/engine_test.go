package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocalsync/backend"
	"gocalsync/backend/sqlite"
)

func createTestEngine(t *testing.T, cfg Config) (*Engine, *sqlite.Store, *backend.MockTransport) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	transport := backend.NewMockTransport()
	return New("cal-1", store, transport, cfg, nil), store, transport
}

func testConfig() Config {
	return Config{MaxRetries: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}
}

func lunch() backend.EntryPayload {
	return backend.EntryPayload{
		Title:     "Lunch",
		StartDate: "2025-06-01",
		EndDate:   "2025-06-01",
		StartTime: "12:00",
		EndTime:   "13:00",
		Timed:     true,
	}
}

func TestOfflineCreateThenReconnect(t *testing.T) {
	e, store, transport := createTestEngine(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.SetOnline(false)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	entry, err := e.CreateEntry(ctx, lunch())
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPending, entry.SyncStatus)
	assert.Equal(t, backend.OpCreate, entry.PendingOperation)
	assert.True(t, entry.Visible())

	list, err := store.ListEntries(ctx, "cal-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Lunch", list[0].Title)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, transport.Calls(), "nothing is sent while offline")

	e.SetOnline(true)
	require.Eventually(t, func() bool {
		got, err := store.GetEntry(ctx, entry.ID)
		return err == nil && got.SyncStatus == backend.StatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	calls := transport.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, backend.OpCreate, calls[0].Op)
	assert.Equal(t, entry.ID, calls[0].EntryID)

	n, err := e.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	cancel()
	assert.NoError(t, <-done)
}

func TestFlushPreservesOrder(t *testing.T) {
	e, store, transport := createTestEngine(t, testConfig())
	ctx := context.Background()
	e.SetOnline(false)

	entry, err := e.CreateEntry(ctx, lunch())
	require.NoError(t, err)

	p := lunch()
	p.Title = "Late lunch"
	_, err = e.UpdateEntry(ctx, entry.ID, p)
	require.NoError(t, err)
	p.Title = "Very late lunch"
	_, err = e.UpdateEntry(ctx, entry.ID, p)
	require.NoError(t, err)

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Completed)

	calls := transport.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, backend.OpCreate, calls[0].Op)
	assert.Equal(t, "Lunch", calls[0].Payload.Title)
	assert.Equal(t, backend.OpUpdate, calls[1].Op)
	assert.Equal(t, "Late lunch", calls[1].Payload.Title)
	assert.Equal(t, "Very late lunch", calls[2].Payload.Title)

	got, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSynced, got.SyncStatus)
	assert.Equal(t, "Very late lunch", got.Title)
}

func TestTransientFailureBlocksEntry(t *testing.T) {
	e, store, transport := createTestEngine(t, testConfig())
	ctx := context.Background()
	e.SetOnline(false)

	entry, err := e.CreateEntry(ctx, lunch())
	require.NoError(t, err)
	p := lunch()
	p.Title = "Late lunch"
	_, err = e.UpdateEntry(ctx, entry.ID, p)
	require.NoError(t, err)

	other := lunch()
	other.Title = "Dinner"
	dinner, err := e.CreateEntry(ctx, other)
	require.NoError(t, err)

	transport.FailWhen(func(call backend.TransportCall) error {
		if call.EntryID == entry.ID {
			return backend.NewTransportError("CreateEntry", 503, "unavailable")
		}
		return nil
	})

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Completed)
	assert.False(t, res.NextAttempt.IsZero())

	// The update waited behind the failed create
	for _, c := range transport.Calls() {
		assert.NotEqual(t, backend.OpUpdate, c.Op)
	}

	got, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPending, got.SyncStatus)
	assert.Equal(t, backend.OpCreate, got.PendingOperation)

	ops, err := store.ListCalendarOperations(ctx, "cal-1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Contains(t, ops[0].LastError, "unavailable")

	got, err = store.GetEntry(ctx, dinner.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSynced, got.SyncStatus)

	// Backed off until Retry
	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)

	transport.FailWhen(nil)
	require.NoError(t, e.Retry(ctx))
	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)

	got, err = store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSynced, got.SyncStatus)
	assert.Equal(t, "Late lunch", got.Title)
}

func TestRejectedOperationBecomesConflict(t *testing.T) {
	e, store, transport := createTestEngine(t, testConfig())
	ctx := context.Background()
	e.SetOnline(false)

	entry, err := e.CreateEntry(ctx, lunch())
	require.NoError(t, err)
	transport.SetErrors(backend.NewTransportError("CreateEntry", 422, "title taken"), nil, nil)

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)

	got, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusConflict, got.SyncStatus)
	assert.Contains(t, got.LastSyncError, "title taken")

	n, err := e.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "title taken")
}

func TestDeleteOfMissingEntrySucceeds(t *testing.T) {
	e, store, transport := createTestEngine(t, testConfig())
	ctx := context.Background()

	// The server never had this entry
	p := lunch()
	p.CalendarID = "cal-1"
	require.NoError(t, store.PutEntry(ctx, backend.Entry{ID: "gone", EntryPayload: p, SyncStatus: backend.StatusSynced}))
	require.NoError(t, e.DeleteEntry(ctx, "gone"))

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	require.Len(t, transport.Calls(), 1)

	_, err = store.GetEntry(ctx, "gone")
	assert.True(t, backend.IsNotFound(err))
}

func TestServerAssignedID(t *testing.T) {
	e, store, transport := createTestEngine(t, testConfig())
	ctx := context.Background()
	e.SetOnline(false)
	transport.AssignIDs(func(id string) string { return "srv-" + id })

	entry, err := e.CreateEntry(ctx, lunch())
	require.NoError(t, err)
	p := lunch()
	p.Title = "Late lunch"
	_, err = e.UpdateEntry(ctx, entry.ID, p)
	require.NoError(t, err)

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)

	calls := transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "srv-"+entry.ID, calls[1].EntryID)

	_, err = store.GetEntry(ctx, entry.ID)
	assert.True(t, backend.IsNotFound(err))
	got, err := store.GetEntry(ctx, "srv-"+entry.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSynced, got.SyncStatus)
	assert.Equal(t, "Late lunch", got.Title)
}

func TestAbandonedAfterMaxRetries(t *testing.T) {
	cfg := Config{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	e, _, transport := createTestEngine(t, cfg)
	ctx := context.Background()
	e.SetOnline(false)

	_, err := e.CreateEntry(ctx, lunch())
	require.NoError(t, err)
	transport.SetErrors(backend.NewTransportError("CreateEntry", 500, "boom"), nil, nil)

	_, err = e.Flush(ctx)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Len(t, transport.Calls(), 1)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Abandoned)

	transport.SetErrors(nil, nil, nil)
	require.NoError(t, e.Retry(ctx))
	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

func TestSingleDrainAtATime(t *testing.T) {
	e, _, transport := createTestEngine(t, testConfig())
	ctx := context.Background()
	e.SetOnline(false)

	_, err := e.CreateEntry(ctx, lunch())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	transport.FailWhen(func(call backend.TransportCall) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.Drain(ctx)
		done <- err
	}()

	<-started
	assert.True(t, e.IsSyncing())
	_, err = e.Drain(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, e.IsSyncing())
	assert.Len(t, transport.Calls(), 1)
}

func TestCanceledDrainLeavesQueue(t *testing.T) {
	e, store, _ := createTestEngine(t, testConfig())
	e.SetOnline(false)

	_, err := e.CreateEntry(context.Background(), lunch())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	ops, err := store.ListCalendarOperations(context.Background(), "cal-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].RetryCount)
}

func TestCreateEntryValidates(t *testing.T) {
	e, _, _ := createTestEngine(t, testConfig())

	p := lunch()
	p.Title = ""
	_, err := e.CreateEntry(context.Background(), p)
	assert.Error(t, err)

	p = lunch()
	p.CalendarID = "cal-2"
	_, err = e.CreateEntry(context.Background(), p)
	assert.Error(t, err)
}

func TestSubscribe(t *testing.T) {
	e, _, _ := createTestEngine(t, testConfig())

	statuses := make(chan Status, 16)
	unsubscribe := e.Subscribe(func(s Status) { statuses <- s })
	defer unsubscribe()

	e.SetOnline(false)
	st := <-statuses
	assert.False(t, st.Online)

	_, err := e.CreateEntry(context.Background(), lunch())
	require.NoError(t, err)
	st = <-statuses
	assert.Equal(t, 1, st.Pending)
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	assert.Zero(t, cfg.Backoff(0))
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, 10*time.Second, cfg.Backoff(10))
}

func TestNewDefaultsZeroConfig(t *testing.T) {
	e, _, _ := createTestEngine(t, Config{})
	assert.Equal(t, DefaultConfig(), e.cfg)
	assert.Equal(t, time.Second, e.cfg.Backoff(1))
}
