package sync

import (
	"context"
	"time"

	"gocalsync/internal/utils"
)

// Pinger probes the server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OnlineSetter receives reachability changes.
type OnlineSetter interface {
	SetOnline(online bool)
}

// Monitor periodically probes the server and reports reachability to its
// targets.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	targets  []OnlineSetter
	log      *utils.Logger

	online *bool
}

// NewMonitor creates a monitor probing every interval; each probe is given
// at most timeout to answer.
func NewMonitor(p Pinger, interval, timeout time.Duration, logger *utils.Logger, targets ...OnlineSetter) *Monitor {
	return &Monitor{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		targets:  targets,
		log:      logger.Named("Monitor"),
	}
}

// Check probes once and forwards the result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(pctx)
	online := err == nil
	if ctx.Err() != nil {
		return online
	}

	if m.online == nil || *m.online != online {
		if online {
			m.log.Info("Server reachable")
		} else {
			m.log.Warn("Server unreachable: %v", err)
		}
	}
	m.online = &online

	for _, t := range m.targets {
		t.SetOnline(online)
	}
	return online
}

// Run probes immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
