// Package hydrate decides how a calendar's local data is populated the
// first time it is opened in a session, and carries that decision out.
package hydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gocalsync/backend"
	"gocalsync/internal/utils"
)

// Strategy is the outcome of DecideStrategy.
type Strategy string

const (
	// UseLocal trusts data already on the device.
	UseLocal Strategy = "use_local"
	// HydrateSSR seeds the store from a server-rendered snapshot.
	HydrateSSR Strategy = "hydrate_ssr"
	// FullSync fetches the calendar from the server.
	FullSync Strategy = "full_sync"
)

// DecideStrategy picks how to hydrate. Local data always wins, so the
// calendar opens instantly without a fetch. Without local data a supplied
// snapshot is used, and only when neither exists is the server asked.
// Whether a checkpoint exists does not change the outcome.
func DecideStrategy(hasLocalData, hasCheckpoint, hasServerSnapshot bool) Strategy {
	switch {
	case hasLocalData:
		return UseLocal
	case hasServerSnapshot:
		return HydrateSSR
	default:
		return FullSync
	}
}

// Store is the part of the local store hydration needs.
type Store interface {
	HasEntries(ctx context.Context, calendarID string) (bool, error)
	GetCheckpoint(ctx context.Context, calendarID string) (*backend.Checkpoint, error)
	SeedEntries(ctx context.Context, entries []backend.Entry) (int, error)
	ReplaceCalendarEntries(ctx context.Context, calendarID string, entries []backend.Entry, fetchedAt time.Time) (int, error)
}

// Fetcher loads a date range of a calendar from the server.
type Fetcher interface {
	FetchEntries(ctx context.Context, calendarID string, r backend.DateRange) ([]backend.Entry, error)
}

// Result reports a hydration. Ready is always true once Hydrate returns;
// a failure is reported in Err so the caller can render an error state
// instead of waiting forever.
type Result struct {
	CalendarID string   `json:"calendarId" yaml:"calendar_id"`
	Strategy   Strategy `json:"strategy" yaml:"strategy"`
	Ready      bool     `json:"ready" yaml:"ready"`
	Seeded     int      `json:"seeded,omitempty" yaml:"seeded,omitempty"`
	Fetched    int      `json:"fetched,omitempty" yaml:"fetched,omitempty"`
	Err        error    `json:"-" yaml:"-"`
}

// Config bounds the window fetched by a full sync.
type Config struct {
	PastDays   int
	FutureDays int
}

// Hydrator runs hydration at most once per calendar for its lifetime,
// which is one session.
type Hydrator struct {
	store   Store
	fetcher Fetcher
	cfg     Config
	log     *utils.Logger
	now     func() time.Time

	mu   sync.Mutex
	done map[string]Result
}

// New creates a Hydrator.
func New(store Store, fetcher Fetcher, cfg Config, logger *utils.Logger) *Hydrator {
	return &Hydrator{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		log:     logger.Named("Hydrate"),
		now:     time.Now,
		done:    make(map[string]Result),
	}
}

// Hydrate makes the calendar's local data ready. snapshot is nil when no
// server-rendered snapshot was supplied; an empty non-nil snapshot counts
// as supplied. Repeated calls for the same calendar return the first
// result without doing any work.
func (h *Hydrator) Hydrate(ctx context.Context, calendarID string, snapshot []backend.Entry) Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	if res, ok := h.done[calendarID]; ok {
		return res
	}

	res := h.hydrate(ctx, calendarID, snapshot)
	res.Ready = true
	if res.Err != nil {
		h.log.Warn("Hydration of %s (%s) failed: %v", calendarID, res.Strategy, res.Err)
	} else {
		h.log.Info("Hydrated %s using %s", calendarID, res.Strategy)
	}
	// A cancelled hydration did not happen; let the next session retry.
	if !errors.Is(res.Err, context.Canceled) {
		h.done[calendarID] = res
	}
	return res
}

func (h *Hydrator) hydrate(ctx context.Context, calendarID string, snapshot []backend.Entry) Result {
	res := Result{CalendarID: calendarID}

	hasLocal, err := h.store.HasEntries(ctx, calendarID)
	if err != nil {
		res.Strategy = UseLocal
		res.Err = fmt.Errorf("failed to inspect local data: %w", err)
		return res
	}
	_, err = h.store.GetCheckpoint(ctx, calendarID)
	hasCheckpoint := err == nil
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		h.log.Warn("Could not read checkpoint for %s: %v", calendarID, err)
	}

	res.Strategy = DecideStrategy(hasLocal, hasCheckpoint, snapshot != nil)
	h.log.Debug("Strategy for %s: local=%v checkpoint=%v snapshot=%v -> %s",
		calendarID, hasLocal, hasCheckpoint, snapshot != nil, res.Strategy)

	switch res.Strategy {
	case HydrateSSR:
		for i := range snapshot {
			if snapshot[i].CalendarID == "" {
				snapshot[i].CalendarID = calendarID
			}
		}
		res.Seeded, res.Err = h.store.SeedEntries(ctx, snapshot)
	case FullSync:
		res.Fetched, res.Err = h.fullSync(ctx, calendarID)
	}
	return res
}

// FullSync fetches the calendar's window from the server and replaces the
// local copy, regardless of what is stored. Queued local writes are kept.
func (h *Hydrator) FullSync(ctx context.Context, calendarID string) (int, error) {
	return h.fullSync(ctx, calendarID)
}

func (h *Hydrator) fullSync(ctx context.Context, calendarID string) (int, error) {
	now := h.now()
	r := backend.RangeAround(now, h.cfg.PastDays, h.cfg.FutureDays)

	entries, err := h.fetcher.FetchEntries(ctx, calendarID, r)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch calendar %s: %w", calendarID, err)
	}
	n, err := h.store.ReplaceCalendarEntries(ctx, calendarID, entries, now)
	if err != nil {
		return 0, fmt.Errorf("failed to store fetched entries: %w", err)
	}
	return n, nil
}

// Snapshot is a server-rendered set of entries handed to a session.
type Snapshot struct {
	CalendarID  string          `json:"calendarId"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Entries     []backend.Entry `json:"entries"`
}

// LoadSnapshot reads a snapshot file. The entries slice is never nil on
// success, so an empty snapshot still counts as supplied.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if snap.Entries == nil {
		snap.Entries = []backend.Entry{}
	}
	for i := range snap.Entries {
		if snap.Entries[i].CalendarID == "" {
			snap.Entries[i].CalendarID = snap.CalendarID
		}
	}
	return &snap, nil
}
