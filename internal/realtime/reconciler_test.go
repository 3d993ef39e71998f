package realtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocalsync/backend"
	"gocalsync/backend/sqlite"
)

type frame struct {
	change backend.RemoteChange
	err    error
}

type fakeStream struct {
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Next(ctx context.Context) (backend.RemoteChange, error) {
	select {
	case f := <-s.frames:
		return f.change, f.err
	case <-ctx.Done():
		return backend.RemoteChange{}, ctx.Err()
	case <-s.closed:
		return backend.RemoteChange{}, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type dial struct {
	calendarID string
	cursor     string
}

type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	dials   []dial
	opened  chan *fakeStream
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeStream, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, calendarID, cursor string) (backend.ChangeStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, dial{calendarID, cursor})
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeStream{frames: make(chan frame, 16), closed: make(chan struct{})}
	d.opened <- s
	return s, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) dialed() []dial {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dial(nil), d.dials...)
}

func (d *fakeDialer) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-d.opened:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a dial")
		return nil
	}
}

func testConfig() Config {
	return Config{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func createTestStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func lunch() backend.EntryPayload {
	return backend.EntryPayload{
		CalendarID: "cal-1",
		Title:      "Lunch",
		StartDate:  "2025-06-01",
		EndDate:    "2025-06-01",
		StartTime:  "12:00",
		EndTime:    "13:00",
		Timed:      true,
	}
}

func change(kind backend.ChangeKind, cursor, id string, p *backend.EntryPayload) backend.RemoteChange {
	ch := backend.RemoteChange{Kind: kind, Cursor: cursor, CalendarID: "cal-1", EntryID: id, Date: "2025-06-01"}
	if p != nil {
		ch.Entry = &backend.Entry{ID: id, EntryPayload: *p}
	}
	return ch
}

func collect() (func(Event), func() []Event) {
	var (
		mu     sync.Mutex
		events []Event
	)
	return func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		}, func() []Event {
			mu.Lock()
			defer mu.Unlock()
			return append([]Event(nil), events...)
		}
}

func waitForState(t *testing.T, r *Reconciler, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want }, 5*time.Second, 5*time.Millisecond,
		"state is %s, want %s", r.State(), want)
}

func TestEchoAndForeignChanges(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := lunch()
	_, _, err := store.QueueOperation(ctx, "e1", backend.OpCreate, &p)
	require.NoError(t, err)

	dialer := newFakeDialer()
	r := New(store, dialer, testConfig(), nil)
	onChange, events := collect()
	r.Connect(ctx, "cal-1", onChange)

	s := dialer.next(t)
	waitForState(t, r, StateConnected)

	other := lunch()
	other.Title = "Dentist"
	s.frames <- frame{change: change(backend.ChangeAdded, "1", "e1", &p)}
	s.frames <- frame{change: change(backend.ChangeAdded, "2", "e2", &other)}

	require.Eventually(t, func() bool { return len(events()) == 2 }, 5*time.Second, 5*time.Millisecond)
	got := events()
	assert.Equal(t, backend.MergeConfirmed, got[0].Outcome)
	assert.Equal(t, backend.MergeApplied, got[1].Outcome)

	e1, err := store.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSynced, e1.SyncStatus)
	assert.Equal(t, backend.OpNone, e1.PendingOperation)

	e2, err := store.GetEntry(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, "Dentist", e2.Title)

	cp, err := store.GetCheckpoint(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "2", cp.LastEventID)
}

func TestMalformedPayloadAdvancesCursor(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFakeDialer()
	r := New(store, dialer, testConfig(), nil)
	onChange, events := collect()
	r.Connect(ctx, "cal-1", onChange)
	s := dialer.next(t)

	p := lunch()
	s.frames <- frame{change: change(backend.ChangeUpdated, "7", "bad", nil)}
	s.frames <- frame{change: change(backend.ChangeAdded, "8", "good", &p)}

	require.Eventually(t, func() bool { return len(events()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "good", events()[0].EntryID)

	_, err := store.GetEntry(ctx, "bad")
	assert.True(t, backend.IsNotFound(err))

	cp, err := store.GetCheckpoint(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "8", cp.LastEventID)
	assert.Equal(t, StateConnected, r.State())
	assert.Len(t, dialer.dialed(), 1, "a bad payload does not drop the stream")
}

func TestReplayedEventIsSkipped(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.PutCheckpoint(ctx, backend.Checkpoint{CalendarID: "cal-1", LastEventID: "10"}))

	dialer := newFakeDialer()
	r := New(store, dialer, testConfig(), nil)
	onChange, events := collect()
	r.Connect(ctx, "cal-1", onChange)
	s := dialer.next(t)

	p := lunch()
	s.frames <- frame{change: change(backend.ChangeAdded, "10", "dup", &p)}
	s.frames <- frame{change: change(backend.ChangeAdded, "9", "late", &p)}
	s.frames <- frame{change: change(backend.ChangeAdded, "11", "new", &p)}

	require.Eventually(t, func() bool { return len(events()) == 2 }, 5*time.Second, 5*time.Millisecond)
	got := events()
	assert.Equal(t, "late", got[0].EntryID)
	assert.Equal(t, "new", got[1].EntryID)

	_, err := store.GetEntry(ctx, "dup")
	assert.True(t, backend.IsNotFound(err))
	_, err = store.GetEntry(ctx, "late")
	assert.NoError(t, err, "an older cursor is still merged")

	cp, err := store.GetCheckpoint(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "11", cp.LastEventID)
}

func TestOpaqueCursorsKeepEveryChange(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFakeDialer()
	r := New(store, dialer, testConfig(), nil)
	onChange, events := collect()
	r.Connect(ctx, "cal-1", onChange)
	s := dialer.next(t)

	p := lunch()
	s.frames <- frame{change: change(backend.ChangeAdded, "f3b1c2d4-5e6f-4a1b-9c2d-3e4f5a6b7c8d", "e1", &p)}
	s.frames <- frame{change: change(backend.ChangeAdded, "0a9e77c1-2b3c-4d5e-8f90-a1b2c3d4e5f6", "e2", &p)}

	require.Eventually(t, func() bool { return len(events()) == 2 }, 5*time.Second, 5*time.Millisecond)
	for _, id := range []string{"e1", "e2"} {
		_, err := store.GetEntry(ctx, id)
		assert.NoError(t, err, "entry %s", id)
	}

	cp, err := store.GetCheckpoint(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, "0a9e77c1-2b3c-4d5e-8f90-a1b2c3d4e5f6", cp.LastEventID)
}

func TestResumeFromCheckpoint(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFakeDialer()
	r := New(store, dialer, testConfig(), nil)
	onChange, events := collect()
	r.Connect(ctx, "cal-1", onChange)

	s := dialer.next(t)
	p := lunch()
	s.frames <- frame{change: change(backend.ChangeAdded, "41", "a", &p)}
	s.frames <- frame{change: change(backend.ChangeAdded, "42", "b", &p)}
	require.Eventually(t, func() bool { return len(events()) == 2 }, 5*time.Second, 5*time.Millisecond)

	s.frames <- frame{err: errors.New("connection reset")}
	dialer.next(t)
	waitForState(t, r, StateConnected)

	dials := dialer.dialed()
	require.Len(t, dials, 2)
	assert.Equal(t, "", dials[0].cursor)
	assert.Equal(t, "42", dials[1].cursor)
}

func TestErrorStateAfterRepeatedFailures(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFakeDialer()
	dialer.setDialErr(errors.New("connection refused"))
	r := New(store, dialer, testConfig(), nil)
	r.Connect(ctx, "cal-1", nil)

	waitForState(t, r, StateError)
	assert.Len(t, dialer.dialed(), 3)
	assert.ErrorContains(t, r.Err(), "connection refused")

	// Stays parked until asked
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, dialer.dialed(), 3)

	dialer.setDialErr(nil)
	require.NoError(t, r.Reconnect())
	dialer.next(t)
	waitForState(t, r, StateConnected)
	assert.NoError(t, r.Err())
}

func TestConnectSwitchesCalendar(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFakeDialer()
	r := New(store, dialer, testConfig(), nil)
	r.Connect(ctx, "cal-1", nil)
	first := dialer.next(t)
	waitForState(t, r, StateConnected)

	// Same calendar: nothing happens
	r.Connect(ctx, "cal-1", nil)
	assert.Len(t, dialer.dialed(), 1)

	r.Connect(ctx, "cal-2", nil)
	dialer.next(t)
	waitForState(t, r, StateConnected)

	select {
	case <-first.closed:
	default:
		t.Error("Expected previous stream to be closed")
	}
	dials := dialer.dialed()
	require.Len(t, dials, 2)
	assert.Equal(t, "cal-2", dials[1].calendarID)
	assert.Equal(t, "cal-2", r.CalendarID())

	r.Disconnect()
	assert.Equal(t, StateDisconnected, r.State())
}

// panicDialer panics on its first dial and then behaves like fakeDialer.
type panicDialer struct {
	*fakeDialer
	once sync.Once
}

func (d *panicDialer) Dial(ctx context.Context, calendarID, cursor string) (backend.ChangeStream, error) {
	d.once.Do(func() { panic("dial exploded") })
	return d.fakeDialer.Dial(ctx, calendarID, cursor)
}

func TestReconnectAfterPanic(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &panicDialer{fakeDialer: newFakeDialer()}
	r := New(store, dialer, testConfig(), nil)
	r.Connect(ctx, "cal-1", nil)
	waitForState(t, r, StateError)
	assert.Error(t, r.Err())
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	<-done

	require.NoError(t, r.Reconnect())
	dialer.next(t)
	waitForState(t, r, StateConnected)
	assert.Len(t, dialer.dialed(), 1)
}

func TestReconnectBeforeConnect(t *testing.T) {
	store, _ := createTestStore(t)
	r := New(store, newFakeDialer(), testConfig(), nil)
	assert.ErrorIs(t, r.Reconnect(), ErrNotConnected)
}

func TestSubscribeStates(t *testing.T) {
	store, _ := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		states []State
	)
	dialer := newFakeDialer()
	r := New(store, dialer, testConfig(), nil)
	unsubscribe := r.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	defer unsubscribe()

	r.Connect(ctx, "cal-1", nil)
	dialer.next(t)
	waitForState(t, r, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
}

// Two windows share one database file. The first deletes an entry; the
// delete echo reaches the second window's stream and the entry is gone for
// both.
func TestTwoWindowsDelete(t *testing.T) {
	storeA, path := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := lunch()
	require.NoError(t, storeA.PutEntry(ctx, backend.Entry{ID: "e1", EntryPayload: p, SyncStatus: backend.StatusSynced}))

	storeB, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer storeB.Close()

	notices, stop := storeB.Subscribe("cal-1")
	defer stop()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go storeB.WatchExternal(watchCtx)

	_, _, err = storeA.QueueOperation(ctx, "e1", backend.OpDelete, nil)
	require.NoError(t, err)

	e, err := storeB.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, e.Visible(), "window B sees the pending delete")

	dialer := newFakeDialer()
	r := New(storeB, dialer, testConfig(), nil)
	onChange, events := collect()
	r.Connect(ctx, "cal-1", onChange)
	s := dialer.next(t)
	s.frames <- frame{change: change(backend.ChangeDeleted, "5", "e1", nil)}

	require.Eventually(t, func() bool { return len(events()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, backend.MergeConfirmed, events()[0].Outcome)

	for _, st := range []*sqlite.Store{storeA, storeB} {
		_, err := st.GetEntry(ctx, "e1")
		assert.True(t, backend.IsNotFound(err))
		n, err := st.PendingCount(ctx, "cal-1")
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	select {
	case <-notices:
	case <-time.After(5 * time.Second):
		t.Error("Expected window B to be notified")
	}
}

func TestNewDefaultsZeroConfig(t *testing.T) {
	r := New(nil, nil, Config{}, nil)
	assert.Equal(t, DefaultConfig(), r.cfg)
	assert.Equal(t, StateDisconnected, r.State())
}
