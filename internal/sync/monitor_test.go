package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gocalsync/backend"
)

type recorder struct {
	states []bool
}

func (r *recorder) SetOnline(online bool) {
	r.states = append(r.states, online)
}

func TestMonitorCheck(t *testing.T) {
	transport := backend.NewMockTransport()
	rec := &recorder{}
	m := NewMonitor(transport, time.Minute, time.Second, nil, rec)

	assert.True(t, m.Check(context.Background()))

	transport.SetPingError(errors.New("connection refused"))
	assert.False(t, m.Check(context.Background()))

	transport.SetPingError(nil)
	assert.True(t, m.Check(context.Background()))

	assert.Equal(t, []bool{true, false, true}, rec.states)
}

func TestMonitorDrivesEngine(t *testing.T) {
	e, store, transport := createTestEngine(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport.SetPingError(errors.New("offline"))
	m := NewMonitor(transport, 20*time.Millisecond, time.Second, nil, e)
	m.Check(ctx)
	assert.False(t, e.IsOnline())

	go e.Run(ctx)
	entry, err := e.CreateEntry(ctx, lunch())
	assert.NoError(t, err)

	transport.SetPingError(nil)
	go m.Run(ctx)

	assert.Eventually(t, func() bool {
		got, err := store.GetEntry(ctx, entry.ID)
		return err == nil && got.SyncStatus == backend.StatusSynced
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, e.IsOnline())
}
