// Package supervisor starts, monitors, and restarts agent workers. It owns
// every WorkerHandle; workers own their transcripts. A crash in one worker
// never touches another: each runs in its own goroutine with a recovered
// panic surfacing as an exit error, and the crash monitor applies exponential
// backoff with a bounded retry count inside a rolling window.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/eventq"
	"github.com/caretta-ai/caretta/internal/ledger"
	"github.com/caretta-ai/caretta/internal/models"
	"github.com/caretta-ai/caretta/internal/provider"
	"github.com/caretta-ai/caretta/internal/worker"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

var (
	// ErrUnknownAgent means no worker handle exists for the agent ID.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrWorkerUnavailable means the worker is not accepting messages:
	// stopped, crashed, or its inbox is saturated.
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// Worker lifecycle states.
const (
	StateStarting   = "starting"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
	StateCrashed    = "crashed"
)

// runnable abstracts the worker runtime so lifecycle tests can substitute
// scripted behaviors.
type runnable interface {
	Run(ctx context.Context) error
}

// handle is the supervisor-side record for one worker.
type handle struct {
	agentID   string
	agent     config.AgentConfig
	state     string
	inbox     chan protocol.Inbound
	outbox    chan protocol.Outbound
	cancel    context.CancelFunc
	exited    chan struct{}
	stopSig   chan struct{} // closed by Stop; wakes a sleeping restart goroutine
	stopping  bool
	degraded  bool
	restarts  int
	crashLog  []time.Time
	startedAt time.Time
}

// Dispatch consumes one worker's outbox until it closes. The daemon wires
// this to its reply fan-out.
type Dispatch func(agentID string, outbox <-chan protocol.Outbound)

// Supervisor maps agent IDs to worker handles.
type Supervisor struct {
	mu       sync.Mutex
	cfg      *config.Config
	registry *models.Registry
	ledger   *ledger.Ledger
	dispatch Dispatch
	handles  map[string]*handle
	wg       sync.WaitGroup

	// newWorker builds the runtime for an agent; replaced in tests.
	newWorker func(opts worker.Options) (runnable, error)
}

// New builds a supervisor. dispatch may be nil when no consumer exists yet
// (outboxes are then drained and dropped).
func New(cfg *config.Config, registry *models.Registry, led *ledger.Ledger, dispatch Dispatch) *Supervisor {
	if dispatch == nil {
		dispatch = func(_ string, out <-chan protocol.Outbound) {
			for range out {
			}
		}
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		ledger:   led,
		dispatch: dispatch,
		handles:  make(map[string]*handle),
		newWorker: func(opts worker.Options) (runnable, error) {
			return worker.New(opts)
		},
	}
}

// providerFor resolves a model name to a provider adapter through the
// registry heuristics and the configured credentials.
func (s *Supervisor) providerFor(model string) (provider.Provider, error) {
	name := s.registry.ResolveProvider(model)
	pc, ok := s.cfg.LLM.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured for model %q", name, model)
	}
	return provider.New(name, pc)
}

// Start launches a worker for the agent. Starting an already Running agent
// is a no-op.
func (s *Supervisor) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(id)
}

func (s *Supervisor) startLocked(id string) error {
	if h, ok := s.handles[id]; ok {
		switch h.state {
		case StateRunning, StateStarting, StateRestarting:
			return nil
		}
	}
	agent, ok := s.cfg.Agent(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}

	h := &handle{
		agentID:   id,
		agent:     agent,
		state:     StateStarting,
		inbox:     make(chan protocol.Inbound, s.cfg.Supervisor.InboxSize),
		outbox:    make(chan protocol.Outbound, s.cfg.Supervisor.OutboxSize),
		exited:    make(chan struct{}),
		stopSig:   make(chan struct{}),
		startedAt: time.Now(),
	}
	if old, ok := s.handles[id]; ok {
		// Carry the crash history across restarts so the rolling window
		// keeps meaning.
		h.restarts = old.restarts
		h.crashLog = old.crashLog
		h.degraded = old.degraded
	}

	w, err := s.newWorker(worker.Options{
		ID:        id,
		Agent:     agent,
		Cfg:       s.cfg,
		Providers: s.providerFor,
		Ledger:    s.ledger,
		Inbox:     h.inbox,
		Outbox:    h.outbox,
	})
	if err != nil {
		return fmt.Errorf("start agent %q: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	s.handles[id] = h

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatch(id, h.outbox)
	}()
	go func() {
		defer s.wg.Done()
		h.setState(s, StateRunning)
		err := w.Run(ctx)
		close(h.exited)
		s.onExit(h, err)
	}()

	debug.LogKV("supervisor", "start", "agent", id, "model", agent.Model)
	return nil
}

func (h *handle) setState(s *Supervisor, state string) {
	s.mu.Lock()
	h.state = state
	s.mu.Unlock()
}

// onExit is the crash monitor: clean exits (stop/shutdown) go Stopped,
// unexpected exits go Crashed and qualify for backoff restart until the
// window limit pins the worker degraded.
func (s *Supervisor) onExit(h *handle, err error) {
	s.mu.Lock()
	if h.stopping || err == nil || errors.Is(err, context.Canceled) {
		h.state = StateStopped
		s.mu.Unlock()
		debug.LogKV("supervisor", "stopped", "agent", h.agentID)
		return
	}

	h.state = StateCrashed
	now := time.Now()
	h.crashLog = append(h.crashLog, now)
	window := time.Duration(s.cfg.Supervisor.RestartWindowSeconds) * time.Second
	recent := h.crashLog[:0]
	for _, t := range h.crashLog {
		if now.Sub(t) <= window {
			recent = append(recent, t)
		}
	}
	h.crashLog = recent
	crashes := len(h.crashLog)
	maxRestarts := s.cfg.Supervisor.MaxRestarts
	debug.LogKV("supervisor", "crash", "agent", h.agentID, "error", err.Error(), "crashes_in_window", crashes)

	if crashes > maxRestarts {
		h.degraded = true
		s.mu.Unlock()
		debug.LogKV("supervisor", "degraded", "agent", h.agentID, "crashes", crashes)
		return
	}

	h.state = StateRestarting
	h.restarts++
	delay := s.backoff(crashes)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.stopSig:
			// Stop arrived during backoff; skip the relaunch.
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if h.stopping || s.handles[h.agentID] != h {
			if h.stopping && s.handles[h.agentID] == h {
				// Leave a startable terminal state behind, not Restarting.
				h.state = StateStopped
			}
			return
		}
		// Drop back so startLocked replaces this handle.
		h.state = StateCrashed
		if err := s.startLocked(h.agentID); err != nil {
			debug.LogKV("supervisor", "restart failed", "agent", h.agentID, "error", err.Error())
		}
	}()
}

// backoff computes the delay before the nth restart (1-based), doubling from
// the configured initial value up to the cap.
func (s *Supervisor) backoff(n int) time.Duration {
	d := time.Duration(s.cfg.Supervisor.BackoffInitialMS) * time.Millisecond
	maxD := time.Duration(s.cfg.Supervisor.BackoffMaxMS) * time.Millisecond
	for i := 1; i < n; i++ {
		d *= 2
		if maxD > 0 && d >= maxD {
			return maxD
		}
	}
	return d
}

// Stop shuts an agent down: the shutdown sentinel is enqueued, the worker
// gets a bounded grace period to drain, then the context is cancelled. The
// wait is finite; Stop never blocks indefinitely.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	if !h.stopping {
		h.stopping = true
		close(h.stopSig)
	}
	if h.state == StateStopped || h.state == StateCrashed {
		s.mu.Unlock()
		return nil
	}
	if h.state == StateRestarting {
		// The worker already exited and a restart goroutine is in backoff.
		// Park the handle in a startable terminal state here; the woken
		// goroutine sees stopping and bails.
		h.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	inbox := h.inbox
	s.mu.Unlock()

	if !eventq.Offer(inbox, protocol.Inbound(protocol.Shutdown{})) {
		// Saturated inbox: skip the graceful path.
		h.cancel()
	}

	grace := time.Duration(s.cfg.Supervisor.StopGraceSeconds) * time.Second
	select {
	case <-h.exited:
	case <-time.After(grace):
		debug.LogKV("supervisor", "stop forced", "agent", id, "grace", grace.String())
		h.cancel()
		<-h.exited
	}
	return nil
}

// Restart is stop-then-start with the same AgentConfig; workspace files and
// the ledger are untouched (context reset is a separate operation).
func (s *Supervisor) Restart(id string) error {
	if err := s.Stop(id); err != nil {
		return err
	}
	s.mu.Lock()
	if h, ok := s.handles[id]; ok {
		h.stopping = false
	}
	err := s.startLocked(id)
	s.mu.Unlock()
	return err
}

// Route enqueues an inbound message without blocking. Backpressure comes
// back as ErrWorkerUnavailable rather than queue growth.
func (s *Supervisor) Route(id string, msg protocol.Inbound) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	if h.state != StateRunning && h.state != StateStarting {
		state := h.state
		s.mu.Unlock()
		return fmt.Errorf("%w: agent %q is %s", ErrWorkerUnavailable, id, state)
	}
	inbox := h.inbox
	s.mu.Unlock()

	if !eventq.Offer(inbox, msg) {
		return fmt.Errorf("%w: agent %q inbox full", ErrWorkerUnavailable, id)
	}
	return nil
}

// State returns the lifecycle state for one agent.
func (s *Supervisor) State(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return "", false
	}
	return h.state, true
}

// Info reports the wire-level view of one agent.
func (s *Supervisor) Info(id string) (protocol.AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.cfg.Agent(id)
	if !ok {
		return protocol.AgentInfo{}, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}

	info := protocol.AgentInfo{
		ID:      id,
		Name:    agent.Name,
		Model:   agent.Model,
		Sandbox: agent.Sandbox,
		State:   StateStopped,
	}
	if h, ok := s.handles[id]; ok {
		info.State = h.state
		info.RestartCount = h.restarts
		info.Degraded = h.degraded
		if h.state == StateRunning {
			info.UptimeSec = time.Since(h.startedAt).Seconds()
		}
	}
	return info, nil
}

// List reports every configured agent, running or not.
func (s *Supervisor) List() []protocol.AgentInfo {
	ids := s.cfg.AgentIDs()
	infos := make([]protocol.AgentInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := s.Info(id); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// RemoveAgent stops the agent's worker if one is live and forgets the agent.
// Workspace files and ledger entries stay on disk.
func (s *Supervisor) RemoveAgent(id string) error {
	if _, ok := s.cfg.Agent(id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	s.mu.Lock()
	_, live := s.handles[id]
	s.mu.Unlock()
	if live {
		if err := s.Stop(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
	return s.cfg.RemoveAgent(id)
}

// StopAll stops every live worker and waits for all supervisor goroutines.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Stop(id)
		}(id)
	}
	wg.Wait()
	s.wg.Wait()
}
