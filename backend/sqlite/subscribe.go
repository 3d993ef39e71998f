package sqlite

import (
	"context"
	"sync"

	"gocalsync/backend"
)

// ChangeNotice tells subscribers that committed data changed.
type ChangeNotice struct {
	CalendarID string
	EntryIDs   []string
	// Queue is set when pending operations changed.
	Queue bool
	// Checkpoint is set when the sync checkpoint changed.
	Checkpoint bool
	// External is set when the change was made by another process.
	External bool
}

const subscriberBuffer = 32

type subscriber struct {
	calendarID string
	ch         chan ChangeNotice
}

type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]*subscriber
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe(calendarID string) (<-chan ChangeNotice, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan ChangeNotice, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = &subscriber{calendarID: calendarID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
		})
	}
}

// publish never blocks. A subscriber whose buffer is full already has
// notices waiting and will re-read current state when it drains them.
func (h *hub) publish(n ChangeNotice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.calendarID != "" && n.CalendarID != "" && sub.calendarID != n.CalendarID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Subscribe returns a channel of change notices for one calendar, or for
// all calendars when calendarID is empty. The channel is closed by the
// returned cancel function or when the store closes.
func (s *Store) Subscribe(calendarID string) (<-chan ChangeNotice, func()) {
	return s.hub.subscribe(calendarID)
}

// WatchEntries is a live query: it emits the calendar's entries once
// immediately and again after every change, until ctx is done.
func (s *Store) WatchEntries(ctx context.Context, calendarID string) (<-chan []backend.Entry, error) {
	initial, err := s.ListEntries(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	notices, cancel := s.Subscribe(calendarID)
	out := make(chan []backend.Entry, 1)
	out <- initial

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notices:
				if !ok {
					return
				}
				entries, err := s.ListEntries(ctx, calendarID)
				if err != nil {
					if ctx.Err() == nil {
						s.log.Warn("Live query for calendar %s failed: %v", calendarID, err)
					}
					continue
				}
				select {
				case out <- entries:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
