// Package realtime keeps the local store in step with the server's
// push-stream.
//
// A Reconciler holds at most one live stream. Each change is recorded in
// the checkpoint before it is applied, so a restarted stream resumes after
// the last change seen. Dropped connections are retried with capped
// exponential backoff until the attempt budget runs out, at which point the
// reconciler parks in StateError until Reconnect is called.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"gocalsync/backend"
	"gocalsync/backend/sqlite"
	"gocalsync/internal/utils"
)

// State is the connection state of a Reconciler.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Store is the part of the local store the reconciler needs.
type Store interface {
	GetCheckpoint(ctx context.Context, calendarID string) (*backend.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, calendarID, cursor string) (sqlite.CursorMove, error)
	ApplyRemoteChange(ctx context.Context, ch backend.RemoteChange) (backend.MergeOutcome, error)
}

// Event is passed to the entry-changed callback after a change was merged.
type Event struct {
	backend.RemoteChange
	Outcome backend.MergeOutcome
}

// Config bounds reconnection. MaxAttempts counts consecutive failed
// attempts after the first; a successful connection resets it.
type Config struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the reconnect settings used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// ErrNotConnected is returned by Reconnect before any Connect.
var ErrNotConnected = errors.New("reconciler was never connected")

// Reconciler applies one calendar's push-stream to the local store.
type Reconciler struct {
	store  Store
	dialer backend.StreamDialer
	cfg    Config
	log    *utils.Logger

	mu         sync.Mutex
	state      State
	lastErr    error
	calendarID string
	onChange   func(Event)
	parent     context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	wake       chan struct{}
	subs       map[int]func(State)
	nextSub    int
}

// New creates a disconnected reconciler. A zero cfg means DefaultConfig.
func New(store Store, dialer backend.StreamDialer, cfg Config, logger *utils.Logger) *Reconciler {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Reconciler{
		store:  store,
		dialer: dialer,
		cfg:    cfg,
		log:    logger.Named("Realtime"),
		state:  StateDisconnected,
		subs:   make(map[int]func(State)),
	}
}

// Connect starts streaming calendarID. onEntryChanged, which may be nil,
// is called after every applied change. Connecting to another calendar
// tears the current stream down first; connecting again to the current
// one is a no-op. The stream stops when ctx is done or on Disconnect.
func (r *Reconciler) Connect(ctx context.Context, calendarID string, onEntryChanged func(Event)) {
	r.mu.Lock()
	if r.done != nil && r.calendarID == calendarID {
		select {
		case <-r.done:
		default:
			r.onChange = onEntryChanged
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	r.Disconnect()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calendarID = calendarID
	r.onChange = onEntryChanged
	r.parent = ctx
	r.startLocked()
}

func (r *Reconciler) startLocked() {
	ctx, cancel := context.WithCancel(r.parent)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.wake = make(chan struct{}, 1)
	go r.run(ctx, r.calendarID, r.done, r.wake)
}

// Disconnect stops the stream and waits for it to shut down.
func (r *Reconciler) Disconnect() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.setState(StateDisconnected, nil)
}

// Reconnect leaves the error state, or skips the current backoff wait, and
// tries again with a fresh attempt budget. After Disconnect it restarts the
// last calendar's stream.
func (r *Reconciler) Reconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.calendarID == "" || r.parent == nil {
		return ErrNotConnected
	}
	stopped := r.cancel == nil
	if !stopped {
		select {
		case <-r.done:
			// The stream loop ended on its own, e.g. after a panic.
			r.cancel()
			stopped = true
		default:
		}
	}
	if stopped {
		if err := r.parent.Err(); err != nil {
			return err
		}
		r.startLocked()
		return nil
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// State returns the current connection state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error behind the last disconnect, if any.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// CalendarID returns the calendar being streamed.
func (r *Reconciler) CalendarID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calendarID
}

// Subscribe registers fn to be called on every state change.
func (r *Reconciler) Subscribe(fn func(State)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Reconciler) setState(s State, err error) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	if err != nil || s == StateConnected {
		r.lastErr = err
	}
	fns := make([]func(State), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	r.log.Debug("State -> %s", s)
	for _, fn := range fns {
		fn(s)
	}
}

func (r *Reconciler) newBackoff() retry.Backoff {
	b := retry.NewExponential(r.cfg.BaseDelay)
	b = retry.WithCappedDuration(r.cfg.MaxDelay, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(r.cfg.MaxAttempts, b)
}

func (r *Reconciler) run(ctx context.Context, calendarID string, done chan struct{}, wake chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Panic in stream loop: %v", p)
			r.setState(StateError, fmt.Errorf("panic in stream loop: %v", p))
			return
		}
		r.setState(StateDisconnected, nil)
	}()

	backoff := r.newBackoff()
	for {
		r.setState(StateConnecting, nil)
		connected, err := r.stream(ctx, calendarID)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = r.newBackoff()
		}
		r.log.Warn("Stream for %s lost: %v", calendarID, err)

		delay, stop := backoff.Next()
		if stop {
			r.log.Error("Giving up on %s after repeated failures", calendarID)
			r.setState(StateError, err)
			select {
			case <-ctx.Done():
				return
			case <-wake:
				backoff = r.newBackoff()
				continue
			}
		}

		r.setState(StateDisconnected, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
			backoff = r.newBackoff()
		case <-timer.C:
		}
	}
}

// stream runs one connection until it fails. connected reports whether
// the dial succeeded.
func (r *Reconciler) stream(ctx context.Context, calendarID string) (connected bool, err error) {
	cursor := ""
	cp, err := r.store.GetCheckpoint(ctx, calendarID)
	switch {
	case err == nil:
		cursor = cp.LastEventID
	case !errors.Is(err, backend.ErrNotFound):
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	s, err := r.dialer.Dial(ctx, calendarID, cursor)
	if err != nil {
		return false, err
	}
	defer s.Close()

	r.log.Info("Connected to %s, resuming after %q", calendarID, cursor)
	r.setState(StateConnected, nil)

	for {
		ch, err := s.Next(ctx)
		if err != nil {
			return true, err
		}
		if err := r.handle(ctx, calendarID, ch); err != nil {
			return true, err
		}
	}
}

// handle processes one change: the checkpoint moves first, then the change
// is merged, then the callback runs. A change carrying the checkpoint's own
// cursor was already processed and is skipped. Older cursors are merged
// again; the merge is idempotent.
func (r *Reconciler) handle(ctx context.Context, calendarID string, ch backend.RemoteChange) error {
	if ch.CalendarID == "" {
		ch.CalendarID = calendarID
	}
	if ch.Cursor != "" {
		move, err := r.store.AdvanceCheckpoint(ctx, calendarID, ch.Cursor)
		if err != nil {
			return fmt.Errorf("failed to advance checkpoint: %w", err)
		}
		switch move {
		case sqlite.CursorDuplicate:
			r.log.Debug("Skipping replayed event %s", ch.Cursor)
			return nil
		case sqlite.CursorBehind:
			r.log.Debug("Event %s is older than the checkpoint", ch.Cursor)
		}
	}

	outcome, err := r.store.ApplyRemoteChange(ctx, ch)
	if errors.Is(err, sqlite.ErrMalformedChange) {
		r.log.Warn("Skipping event %s: %v", ch.Cursor, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply event %s: %w", ch.Cursor, err)
	}
	r.log.Debug("Event %s (%s %s): %s", ch.Cursor, ch.Kind, ch.EntryID, outcome)

	r.mu.Lock()
	cb := r.onChange
	r.mu.Unlock()
	if cb != nil {
		r.notifyChange(cb, Event{RemoteChange: ch, Outcome: outcome})
	}
	return nil
}

func (r *Reconciler) notifyChange(cb func(Event), ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Panic in change callback: %v", p)
		}
	}()
	cb(ev)
}
