// Package heartbeat periodically nudges running workers to re-check their
// task lists. Delivery is best-effort: a saturated inbox or a non-running
// worker is skipped and logged, never waited on.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/supervisor"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

// Router is the slice of the supervisor the scheduler needs.
type Router interface {
	Route(agentID string, msg protocol.Inbound) error
	State(agentID string) (string, bool)
}

// Scheduler owns the single heartbeat timer for all agents.
type Scheduler struct {
	router   Router
	agents   func() []string
	interval time.Duration
}

// New builds a scheduler. agents returns the IDs eligible for heartbeats on
// each tick (the daemon passes its configured agent set).
func New(router Router, agents func() []string, interval time.Duration) *Scheduler {
	return &Scheduler{router: router, agents: agents, interval: interval}
}

// Run ticks until ctx is cancelled. The first check happens after one full
// interval, not at startup.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick enqueues heartbeat_check to every Running worker.
func (s *Scheduler) tick() {
	for _, id := range s.agents() {
		state, ok := s.router.State(id)
		if !ok || state != supervisor.StateRunning {
			continue
		}
		if err := s.router.Route(id, protocol.HeartbeatCheck{}); err != nil {
			if errors.Is(err, supervisor.ErrWorkerUnavailable) {
				debug.LogKV("heartbeat", "skip", "agent", id, "reason", err.Error())
				continue
			}
			debug.LogKV("heartbeat", "error", "agent", id, "error", err.Error())
		}
	}
}
