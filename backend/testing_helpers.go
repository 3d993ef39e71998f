package backend

import (
	"context"
	"sync"
)

// This file contains shared test helpers used across packages.

// TransportCall records one call made against MockTransport.
type TransportCall struct {
	Op      OperationKind
	EntryID string
	Payload EntryPayload
}

// MockTransport implements Transport in memory.
type MockTransport struct {
	mu      sync.Mutex
	entries map[string]Entry
	calls   []TransportCall

	createErr error
	updateErr error
	deleteErr error
	fetchErr  error
	pingErr   error

	// errFor, when set, is consulted before every mutating call and may
	// return an error for that specific call.
	errFor func(call TransportCall) error
	// assignID, when set, replaces client-generated ids on create.
	assignID func(clientID string) string
}

// NewMockTransport creates a new mock transport instance
func NewMockTransport() *MockTransport {
	return &MockTransport{
		entries: make(map[string]Entry),
	}
}

// SetErrors configures errors returned by every call of each kind.
func (m *MockTransport) SetErrors(create, update, del error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr, m.updateErr, m.deleteErr = create, update, del
}

// SetFetchError configures the error returned by FetchEntries.
func (m *MockTransport) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// SetPingError configures the error returned by Ping.
func (m *MockTransport) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// FailWhen installs a per-call error hook.
func (m *MockTransport) FailWhen(fn func(call TransportCall) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errFor = fn
}

// AssignIDs makes CreateEntry return a server-assigned id.
func (m *MockTransport) AssignIDs(fn func(clientID string) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID = fn
}

// Seed stores entries as if they already existed on the server.
func (m *MockTransport) Seed(entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.ID] = e
	}
}

// Calls returns the mutating calls made so far, in order.
func (m *MockTransport) Calls() []TransportCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransportCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ServerEntry returns the server-side copy of an entry.
func (m *MockTransport) ServerEntry(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *MockTransport) record(call TransportCall, base error) error {
	m.calls = append(m.calls, call)
	if base != nil {
		return base
	}
	if m.errFor != nil {
		return m.errFor(call)
	}
	return nil
}

func (m *MockTransport) CreateEntry(ctx context.Context, id string, payload EntryPayload) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(TransportCall{Op: OpCreate, EntryID: id, Payload: payload}, m.createErr); err != nil {
		return nil, err
	}
	if m.assignID != nil {
		id = m.assignID(id)
	}
	e := Entry{ID: id, EntryPayload: payload, SyncStatus: StatusSynced}
	m.entries[id] = e
	return &e, nil
}

func (m *MockTransport) UpdateEntry(ctx context.Context, id string, payload EntryPayload) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(TransportCall{Op: OpUpdate, EntryID: id, Payload: payload}, m.updateErr); err != nil {
		return nil, err
	}
	if _, ok := m.entries[id]; !ok {
		return nil, NewTransportError("UpdateEntry", 404, "entry not found").WithEntryID(id)
	}
	e := Entry{ID: id, EntryPayload: payload, SyncStatus: StatusSynced}
	m.entries[id] = e
	return &e, nil
}

func (m *MockTransport) DeleteEntry(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(TransportCall{Op: OpDelete, EntryID: id}, m.deleteErr); err != nil {
		return err
	}
	if _, ok := m.entries[id]; !ok {
		return NewTransportError("DeleteEntry", 404, "entry not found").WithEntryID(id)
	}
	delete(m.entries, id)
	return nil
}

func (m *MockTransport) FetchEntries(ctx context.Context, calendarID string, r DateRange) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []Entry
	for _, e := range m.entries {
		if e.CalendarID == calendarID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockTransport) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

var _ Transport = (*MockTransport)(nil)
