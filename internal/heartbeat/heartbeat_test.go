package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caretta-ai/caretta/internal/supervisor"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

type fakeRouter struct {
	mu     sync.Mutex
	states map[string]string
	routed map[string]int
	errFor map[string]error
}

func (f *fakeRouter) Route(id string, msg protocol.Inbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := msg.(protocol.HeartbeatCheck); !ok {
		return errors.New("unexpected message kind")
	}
	if err := f.errFor[id]; err != nil {
		return err
	}
	f.routed[id]++
	return nil
}

func (f *fakeRouter) State(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	return st, ok
}

func (f *fakeRouter) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routed[id]
}

func TestTickTargetsOnlyRunningWorkers(t *testing.T) {
	r := &fakeRouter{
		states: map[string]string{
			"running": supervisor.StateRunning,
			"stopped": supervisor.StateStopped,
			"crashed": supervisor.StateCrashed,
		},
		routed: map[string]int{},
		errFor: map[string]error{},
	}
	agents := func() []string { return []string{"running", "stopped", "crashed", "unknown"} }
	s := New(r, agents, time.Hour)

	s.tick()

	if r.count("running") != 1 {
		t.Fatalf("running agent got %d heartbeats, want 1", r.count("running"))
	}
	for _, id := range []string{"stopped", "crashed", "unknown"} {
		if r.count(id) != 0 {
			t.Fatalf("agent %q received a heartbeat", id)
		}
	}
}

func TestTickSurvivesSaturatedInbox(t *testing.T) {
	r := &fakeRouter{
		states: map[string]string{"full": supervisor.StateRunning, "ok": supervisor.StateRunning},
		routed: map[string]int{},
		errFor: map[string]error{"full": supervisor.ErrWorkerUnavailable},
	}
	s := New(r, func() []string { return []string{"full", "ok"} }, time.Hour)

	// Must not panic or stop at the saturated worker.
	s.tick()
	if r.count("ok") != 1 {
		t.Fatalf("healthy agent got %d heartbeats, want 1", r.count("ok"))
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	r := &fakeRouter{
		states: map[string]string{"a": supervisor.StateRunning},
		routed: map[string]int{},
		errFor: map[string]error{},
	}
	s := New(r, func() []string { return []string{"a"} }, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.count("a") < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.count("a") < 2 {
		t.Fatal("scheduler did not tick repeatedly")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
