// Package sync carries locally queued writes to the server.
//
// An Engine owns one calendar's queue. Writes are recorded durably first and
// sent later, oldest first, whenever the engine believes the server is
// reachable. Failures never lose a write: transient ones are retried with
// backoff and permanent ones leave the entry flagged as a conflict.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"gocalsync/backend"
	"gocalsync/internal/utils"
)

// Store is the part of the local store the engine needs.
type Store interface {
	GetEntry(ctx context.Context, id string) (*backend.Entry, error)
	QueueOperation(ctx context.Context, entryID string, kind backend.OperationKind, payload *backend.EntryPayload) (*backend.Entry, *backend.PendingOperation, error)
	ListCalendarOperations(ctx context.Context, calendarID string) ([]backend.PendingOperation, error)
	PendingCount(ctx context.Context, calendarID string) (int, error)
	CompleteOperation(ctx context.Context, op backend.PendingOperation, server *backend.Entry) error
	FailOperation(ctx context.Context, opID string, errMsg string, next time.Time) (int, error)
	RejectOperation(ctx context.Context, op backend.PendingOperation, errMsg string) error
	ResetRetries(ctx context.Context, calendarID string) (int64, error)
}

// Config tunes retries. An operation that has failed MaxRetries times is
// abandoned: it stays queued but is not sent again until Retry is called.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  10,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// Backoff returns how long to wait after the n-th consecutive failure.
func (c Config) Backoff(n int) time.Duration {
	if n <= 0 || c.BaseBackoff <= 0 {
		return 0
	}
	b := retry.NewExponential(c.BaseBackoff)
	if c.MaxBackoff > 0 {
		b = retry.WithCappedDuration(c.MaxBackoff, b)
	}
	var d time.Duration
	for i := 0; i < n; i++ {
		d, _ = b.Next()
	}
	return d
}

// Status is a snapshot of the engine for display.
type Status struct {
	CalendarID  string    `json:"calendarId" yaml:"calendar_id"`
	Online      bool      `json:"online" yaml:"online"`
	Syncing     bool      `json:"syncing" yaml:"syncing"`
	Pending     int       `json:"pending" yaml:"pending"`
	Abandoned   int       `json:"abandoned" yaml:"abandoned"`
	NextAttempt time.Time `json:"nextAttempt,omitzero" yaml:"next_attempt,omitempty"`
	LastError   string    `json:"lastError,omitempty" yaml:"last_error,omitempty"`
}

// DrainResult counts what one drain did.
type DrainResult struct {
	Sent      int `json:"sent" yaml:"sent"`
	Completed int `json:"completed" yaml:"completed"`
	Failed    int `json:"failed" yaml:"failed"`
	Rejected  int `json:"rejected" yaml:"rejected"`
	// NextAttempt is when the earliest backed-off operation becomes due.
	NextAttempt time.Time `json:"nextAttempt,omitzero" yaml:"next_attempt,omitempty"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Sent += o.Sent
	r.Completed += o.Completed
	r.Failed += o.Failed
	r.Rejected += o.Rejected
	r.NextAttempt = o.NextAttempt
}

// Engine drains one calendar's pending operations.
type Engine struct {
	calendarID string
	store      Store
	transport  backend.Transport
	cfg        Config
	log        *utils.Logger
	now        func() time.Time

	online  atomic.Bool
	syncing atomic.Bool
	trigger chan struct{}

	mu      sync.Mutex
	lastErr string
	subs    map[int]func(Status)
	nextSub int
}

// New creates an engine for calendarID. A zero cfg means DefaultConfig.
// The engine starts out assuming the server is reachable; a Monitor
// corrects that.
func New(calendarID string, store Store, transport backend.Transport, cfg Config, logger *utils.Logger) *Engine {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	e := &Engine{
		calendarID: calendarID,
		store:      store,
		transport:  transport,
		cfg:        cfg,
		log:        logger.Named("SyncEngine"),
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		subs:       make(map[int]func(Status)),
	}
	e.online.Store(true)
	return e
}

// CalendarID returns the calendar this engine drains.
func (e *Engine) CalendarID() string {
	return e.calendarID
}

// QueueOperation durably records a local write and, when online, schedules
// a drain. It returns once the write is committed, without waiting for the
// server.
func (e *Engine) QueueOperation(ctx context.Context, entryID string, kind backend.OperationKind, payload *backend.EntryPayload) (*backend.Entry, error) {
	entry, op, err := e.store.QueueOperation(ctx, entryID, kind, payload)
	if err != nil {
		return nil, err
	}
	e.log.Debug("Queued %s for %s (op %s)", kind, entryID, op.ID)
	if e.IsOnline() {
		e.Trigger()
	}
	e.notify()
	return entry, nil
}

// CreateEntry validates payload, assigns a new id and queues the create.
func (e *Engine) CreateEntry(ctx context.Context, payload backend.EntryPayload) (*backend.Entry, error) {
	if payload.CalendarID == "" {
		payload.CalendarID = e.calendarID
	}
	if payload.CalendarID != e.calendarID {
		return nil, fmt.Errorf("entry belongs to calendar %s, engine drains %s", payload.CalendarID, e.calendarID)
	}
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return e.QueueOperation(ctx, uuid.NewString(), backend.OpCreate, &payload)
}

// UpdateEntry validates payload and queues an update of entry id.
func (e *Engine) UpdateEntry(ctx context.Context, id string, payload backend.EntryPayload) (*backend.Entry, error) {
	payload.CalendarID = e.calendarID
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return e.QueueOperation(ctx, id, backend.OpUpdate, &payload)
}

// DeleteEntry queues the deletion of entry id.
func (e *Engine) DeleteEntry(ctx context.Context, id string) error {
	_, err := e.QueueOperation(ctx, id, backend.OpDelete, nil)
	return err
}

// Trigger asks the run loop for a drain. It never blocks; triggers that
// arrive while one is already waiting are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetOnline records reachability. Going from offline to online starts a
// drain.
func (e *Engine) SetOnline(online bool) {
	prev := e.online.Swap(online)
	if prev == online {
		return
	}
	if online {
		e.log.Info("Back online, draining queue")
		e.Trigger()
	} else {
		e.log.Info("Offline, queueing writes locally")
	}
	e.notify()
}

// IsOnline reports the last known reachability.
func (e *Engine) IsOnline() bool {
	return e.online.Load()
}

// IsSyncing reports whether a drain is in progress.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// PendingCount returns the number of queued operations for the calendar.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx, e.calendarID)
}

// Status builds a snapshot of the engine and its queue.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		CalendarID: e.calendarID,
		Online:     e.IsOnline(),
		Syncing:    e.IsSyncing(),
	}
	e.mu.Lock()
	st.LastError = e.lastErr
	e.mu.Unlock()

	ops, err := e.store.ListCalendarOperations(ctx, e.calendarID)
	if err != nil {
		return st, err
	}
	st.Pending = len(ops)
	for _, op := range ops {
		if e.abandoned(op) {
			st.Abandoned++
			continue
		}
		if !op.NextAttemptAt.IsZero() && (st.NextAttempt.IsZero() || op.NextAttemptAt.Before(st.NextAttempt)) {
			st.NextAttempt = op.NextAttemptAt
		}
	}
	return st, nil
}

// Subscribe registers fn to receive a Status after every state change.
// fn runs on the goroutine that caused the change and must not block.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	fns := make([]func(Status), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	st, err := e.Status(context.Background())
	if err != nil {
		e.log.Warn("Failed to read sync status: %v", err)
	}
	for _, fn := range fns {
		fn(st)
	}
}

// Retry makes abandoned and backed-off operations eligible again and
// starts a drain.
func (e *Engine) Retry(ctx context.Context) error {
	n, err := e.store.ResetRetries(ctx, e.calendarID)
	if err != nil {
		return err
	}
	e.log.Info("Reset %d operations for retry", n)
	e.Trigger()
	e.notify()
	return nil
}

// Run drains on every trigger and when the earliest backoff elapses, until
// ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
		case <-timer.C:
		}
		if !e.IsOnline() {
			continue
		}

		res, err := e.safeDrain(ctx)
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrDrainInProgress) {
			e.log.Error("Drain failed: %v", err)
		}
		if !res.NextAttempt.IsZero() {
			timer.Stop()
			timer.Reset(max(res.NextAttempt.Sub(e.now()), 0))
		}
	}
}

func (e *Engine) safeDrain(ctx context.Context) (res DrainResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Panic in drain: %v", r)
			err = fmt.Errorf("panic in drain: %v", r)
		}
	}()
	return e.Drain(ctx)
}

// ErrDrainInProgress is returned by Drain when another drain of the same
// engine is running.
var ErrDrainInProgress = errors.New("drain already in progress")

// Drain sends queued operations until a pass sends nothing. Only one drain
// runs at a time per engine.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	e.notify()
	defer func() {
		e.syncing.Store(false)
		e.notify()
	}()

	var total DrainResult
	for {
		res, err := e.drainCycle(ctx)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Sent == 0 {
			break
		}
	}
	if total.Sent > 0 {
		e.log.Info("Drain finished: %d sent, %d completed, %d failed, %d rejected",
			total.Sent, total.Completed, total.Failed, total.Rejected)
	}
	return total, nil
}

// Flush drains synchronously, waiting for a running drain to finish first.
// It ignores the online flag so a command line sync can probe the server
// itself.
func (e *Engine) Flush(ctx context.Context) (DrainResult, error) {
	for {
		res, err := e.Drain(ctx)
		if !errors.Is(err, ErrDrainInProgress) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// drainCycle makes one pass over the queue. Operations of an entry are
// sent in order; once one of them is held back or fails, the entry's later
// operations wait for the next pass.
func (e *Engine) drainCycle(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	ops, err := e.store.ListCalendarOperations(ctx, e.calendarID)
	if err != nil {
		return res, err
	}

	now := e.now()
	blocked := make(map[string]bool)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if blocked[op.EntryID] {
			continue
		}
		if e.abandoned(op) {
			blocked[op.EntryID] = true
			continue
		}
		if op.NextAttemptAt.After(now) {
			blocked[op.EntryID] = true
			res.NextAttempt = earliest(res.NextAttempt, op.NextAttemptAt)
			continue
		}

		res.Sent++
		server, err := e.send(ctx, op)
		switch {
		case err == nil:
			if err := e.store.CompleteOperation(ctx, op, server); err != nil {
				return res, err
			}
			res.Completed++
			e.setLastError("")
			// The entry moved to a server-assigned id; later operations
			// in this list still carry the old one.
			if server != nil && server.ID != "" && server.ID != op.EntryID {
				return res, nil
			}

		case backend.IsCanceled(err) || ctx.Err() != nil:
			return res, ctx.Err()

		case backend.IsRejected(err):
			e.log.Warn("Server rejected %s of %s: %v", op.Operation, op.EntryID, err)
			if err := e.store.RejectOperation(ctx, op, err.Error()); err != nil {
				return res, err
			}
			res.Rejected++
			blocked[op.EntryID] = true
			e.setLastError(err.Error())

		default:
			next := now.Add(e.cfg.Backoff(op.RetryCount + 1))
			retries, ferr := e.store.FailOperation(ctx, op.ID, err.Error(), next)
			if ferr != nil && !errors.Is(ferr, backend.ErrNotFound) {
				return res, ferr
			}
			e.log.Debug("Transient failure on %s of %s (attempt %d): %v", op.Operation, op.EntryID, retries, err)
			if retries >= e.cfg.MaxRetries && e.cfg.MaxRetries > 0 {
				e.log.Warn("Giving up on %s of %s after %d attempts", op.Operation, op.EntryID, retries)
			} else if ferr == nil {
				res.NextAttempt = earliest(res.NextAttempt, next)
			}
			res.Failed++
			blocked[op.EntryID] = true
			e.setLastError(err.Error())
		}
	}
	return res, nil
}

// send performs one operation against the server. A delete of an entry
// the server no longer has is a success.
func (e *Engine) send(ctx context.Context, op backend.PendingOperation) (*backend.Entry, error) {
	switch op.Operation {
	case backend.OpCreate:
		if op.Payload == nil {
			return nil, backend.NewTransportError("CreateEntry", 400, "missing payload").WithEntryID(op.EntryID)
		}
		return e.transport.CreateEntry(ctx, op.EntryID, *op.Payload)
	case backend.OpUpdate:
		if op.Payload == nil {
			return nil, backend.NewTransportError("UpdateEntry", 400, "missing payload").WithEntryID(op.EntryID)
		}
		return e.transport.UpdateEntry(ctx, op.EntryID, *op.Payload)
	case backend.OpDelete:
		err := e.transport.DeleteEntry(ctx, op.EntryID)
		if err != nil && backend.IsNotFound(err) {
			e.log.Debug("Entry %s already gone on server", op.EntryID)
			return nil, nil
		}
		return nil, err
	}
	return nil, backend.NewTransportError("Send", 400, fmt.Sprintf("unknown operation %q", op.Operation))
}

func (e *Engine) abandoned(op backend.PendingOperation) bool {
	return e.cfg.MaxRetries > 0 && op.RetryCount >= e.cfg.MaxRetries
}

func (e *Engine) setLastError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = msg
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
