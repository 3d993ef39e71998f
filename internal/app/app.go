// Package app wires the local store, hydration, the sync engine and the
// realtime reconciler into one session per process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gocalsync/backend"
	"gocalsync/backend/rest"
	"gocalsync/backend/sqlite"
	"gocalsync/backend/stream"
	"gocalsync/internal/config"
	"gocalsync/internal/hydrate"
	"gocalsync/internal/realtime"
	gosync "gocalsync/internal/sync"
	"gocalsync/internal/utils"
)

// Option configures a Session.
type Option func(*Session)

// WithTransport replaces the REST client, mostly for tests.
func WithTransport(t backend.Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithDialer replaces the WebSocket dialer, mostly for tests.
func WithDialer(d backend.StreamDialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *utils.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithStore uses an already open store instead of opening the configured
// database. The session still closes it.
func WithStore(st *sqlite.Store) Option {
	return func(s *Session) { s.store = st }
}

// StartOptions are passed to Start.
type StartOptions struct {
	// Snapshot is a server-rendered entry list for the calendar, or nil.
	Snapshot []backend.Entry
	// OnEntryChanged is called after every applied push-stream change.
	OnEntryChanged func(realtime.Event)
}

// Session holds the components serving one calendar at a time.
type Session struct {
	cfg       *config.Config
	base      *utils.Logger
	log       *utils.Logger
	store     *sqlite.Store
	transport backend.Transport
	dialer    backend.StreamDialer
	hydrator  *hydrate.Hydrator
	rt        *realtime.Reconciler

	mu     sync.Mutex
	active *running
}

type running struct {
	calendarID string
	engine     *gosync.Engine
	hydration  hydrate.Result
	opts       StartOptions
	cancel     context.CancelFunc
	group      *errgroup.Group
}

// Open creates a session from cfg. Nothing runs until Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	base := s.log.OrDefault()
	s.base = base
	s.log = base.Named("App")

	if s.store == nil {
		path, err := cfg.DatabasePath()
		if err != nil {
			return nil, fmt.Errorf("failed to get database path: %w", err)
		}
		st, err := sqlite.Open(ctx, path, sqlite.WithLogger(base))
		if err != nil {
			return nil, err
		}
		s.store = st
	}

	httpClient := &http.Client{Timeout: cfg.Server.Timeout}
	if s.transport == nil {
		c, err := rest.NewClient(cfg.Server.URL,
			rest.WithHTTPClient(httpClient),
			rest.WithToken(cfg.Server.Token),
			rest.WithLogger(base))
		if err != nil {
			s.store.Close()
			return nil, fmt.Errorf("failed to create API client: %w", err)
		}
		s.transport = c
	}
	if s.dialer == nil && cfg.Realtime.Enabled {
		// Streams are long-lived, so the request timeout does not apply.
		d, err := stream.NewDialer(cfg.StreamURL(),
			stream.WithToken(cfg.Server.Token),
			stream.WithLogger(base))
		if err != nil {
			s.store.Close()
			return nil, fmt.Errorf("failed to create stream dialer: %w", err)
		}
		s.dialer = d
	}

	s.hydrator = hydrate.New(s.store, s.transport, HydrateConfig(cfg), base)
	if s.dialer != nil {
		s.rt = realtime.New(s.store, s.dialer, RealtimeConfig(cfg), base)
	}
	return s, nil
}

// SyncConfig converts the sync section of cfg.
func SyncConfig(cfg *config.Config) gosync.Config {
	return gosync.Config{
		MaxRetries:  cfg.Sync.MaxRetries,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
	}
}

// RealtimeConfig converts the realtime section of cfg.
func RealtimeConfig(cfg *config.Config) realtime.Config {
	return realtime.Config{
		MaxAttempts: cfg.Realtime.MaxAttempts,
		BaseDelay:   cfg.Realtime.BaseDelay,
		MaxDelay:    cfg.Realtime.MaxDelay,
	}
}

// HydrateConfig converts the hydration section of cfg.
func HydrateConfig(cfg *config.Config) hydrate.Config {
	return hydrate.Config{
		PastDays:   cfg.Hydration.PastDays,
		FutureDays: cfg.Hydration.FutureDays,
	}
}

// Store returns the local store.
func (s *Session) Store() *sqlite.Store {
	return s.store
}

// Transport returns the server API client.
func (s *Session) Transport() backend.Transport {
	return s.transport
}

// Hydrator returns the session's hydrator.
func (s *Session) Hydrator() *hydrate.Hydrator {
	return s.hydrator
}

// Reconciler returns the realtime reconciler, or nil when realtime is
// disabled.
func (s *Session) Reconciler() *realtime.Reconciler {
	return s.rt
}

// NewEngine returns an engine for calendarID that is not running. One-shot
// commands use it to queue writes and flush.
func (s *Session) NewEngine(calendarID string) *gosync.Engine {
	return gosync.New(calendarID, s.store, s.transport, SyncConfig(s.cfg), s.base)
}

// Engine returns the running engine, or nil before Start.
func (s *Session) Engine() *gosync.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.engine
}

// CalendarID returns the calendar being served, or "".
func (s *Session) CalendarID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.calendarID
}

// Hydration returns the result of the current calendar's hydration.
func (s *Session) Hydration() hydrate.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return hydrate.Result{}
	}
	return s.active.hydration
}

// Start hydrates calendarID and starts its background work: the drain
// loop, the reachability monitor, the external-write watcher and the
// push-stream. A calendar already being served is stopped first; its
// queued operations stay in the store.
func (s *Session) Start(ctx context.Context, calendarID string, opts StartOptions) (hydrate.Result, error) {
	if calendarID == "" {
		return hydrate.Result{}, utils.ErrNoCalendar()
	}
	s.Stop()

	res := s.hydrator.Hydrate(ctx, calendarID, opts.Snapshot)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	engine := s.NewEngine(calendarID)
	monitor := gosync.NewMonitor(s.transport, s.cfg.Sync.PingInterval, s.cfg.Sync.PingTimeout, s.base, engine)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	if s.cfg.Storage.WatchExternal {
		g.Go(func() error {
			if err := s.store.WatchExternal(gctx); err != nil {
				s.log.Warn("External change watcher stopped: %v", err)
			}
			return nil
		})
	}
	if s.rt != nil {
		s.rt.Connect(gctx, calendarID, opts.OnEntryChanged)
	}

	s.mu.Lock()
	s.active = &running{
		calendarID: calendarID,
		engine:     engine,
		hydration:  res,
		opts:       opts,
		cancel:     cancel,
		group:      g,
	}
	s.mu.Unlock()

	s.log.Info("Serving calendar %s (%s)", calendarID, res.Strategy)
	return res, nil
}

// Switch moves the session to another calendar, keeping the change
// callback. Switching to the current calendar does nothing.
func (s *Session) Switch(ctx context.Context, calendarID string) (hydrate.Result, error) {
	s.mu.Lock()
	cur := s.active
	s.mu.Unlock()

	var opts StartOptions
	if cur != nil {
		if cur.calendarID == calendarID {
			return cur.hydration, nil
		}
		opts.OnEntryChanged = cur.opts.OnEntryChanged
	}
	return s.Start(ctx, calendarID, opts)
}

// Stop cancels the current calendar's background work and waits for it.
func (s *Session) Stop() {
	s.StopWithTimeout(5 * time.Second)
}

// StopWithTimeout is Stop with a bound on how long to wait.
func (s *Session) StopWithTimeout(timeout time.Duration) {
	s.mu.Lock()
	cur := s.active
	s.active = nil
	s.mu.Unlock()
	if cur == nil {
		return
	}

	if s.rt != nil {
		s.rt.Disconnect()
	}
	cur.cancel()

	done := make(chan error, 1)
	go func() { done <- cur.group.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("Calendar %s stopped with error: %v", cur.calendarID, err)
		}
	case <-time.After(timeout):
		s.log.Warn("Calendar %s did not stop within %v", cur.calendarID, timeout)
	}
}

// Wait blocks until the current calendar's background work ends.
func (s *Session) Wait() error {
	s.mu.Lock()
	cur := s.active
	s.mu.Unlock()
	if cur == nil {
		return nil
	}
	err := cur.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops background work and closes the store.
func (s *Session) Close() error {
	s.Stop()
	return s.store.Close()
}

// Status is everything the status views show about a calendar.
type Status struct {
	gosync.Status `yaml:",inline"`

	Realtime      realtime.State `json:"realtime" yaml:"realtime"`
	RealtimeError string         `json:"realtimeError,omitempty" yaml:"realtime_error,omitempty"`
	Entries       int            `json:"entries" yaml:"entries"`
	Conflicts     int            `json:"conflicts" yaml:"conflicts"`
	LastEventID   string         `json:"lastEventId,omitempty" yaml:"last_event_id,omitempty"`
	LastFullSync  *time.Time     `json:"lastFullSync,omitempty" yaml:"last_full_sync,omitempty"`
}

// Status reports on calendarID. When it is the running calendar, the live
// engine and reconciler state is included; otherwise the engine fields
// describe a fresh, idle engine.
func (s *Session) Status(ctx context.Context, calendarID string) (Status, error) {
	engine := s.Engine()
	live := engine != nil && engine.CalendarID() == calendarID
	if !live {
		engine = s.NewEngine(calendarID)
	}

	es, err := engine.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Status: es, Realtime: realtime.StateDisconnected}

	if live && s.rt != nil {
		st.Realtime = s.rt.State()
		if err := s.rt.Err(); err != nil {
			st.RealtimeError = err.Error()
		}
	}

	stats, err := s.store.Stats(ctx, calendarID)
	if err != nil {
		return st, err
	}
	st.Entries = stats.Entries
	st.Conflicts = stats.Conflicts

	cp, err := s.store.GetCheckpoint(ctx, calendarID)
	switch {
	case err == nil:
		st.LastEventID = cp.LastEventID
		st.LastFullSync = cp.LastFullSync
	case !errors.Is(err, backend.ErrNotFound):
		return st, err
	}
	return st, nil
}
