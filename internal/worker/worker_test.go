package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/ledger"
	"github.com/caretta-ai/caretta/internal/models"
	"github.com/caretta-ai/caretta/internal/provider"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

// fakeLLM replays scripted completions and records every request.
type fakeLLM struct {
	mu       sync.Mutex
	script   []string
	err      error
	requests []provider.Request
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(_ context.Context, req provider.Request) (provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return provider.Result{}, f.err
	}
	if len(f.script) == 0 {
		return provider.Result{Text: "ok", PromptTokens: 10, CompletionTokens: 5}, nil
	}
	text := f.script[0]
	f.script = f.script[1:]
	return provider.Result{Text: text, PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) request(i int) provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type harness struct {
	w      *Worker
	llm    *fakeLLM
	inbox  chan protocol.Inbound
	outbox chan protocol.Outbound
	done   chan error
	ws     string
}

func newHarness(t *testing.T, llm *fakeLLM) *harness {
	return newHarnessWithSandbox(t, llm, config.SandboxConfined)
}

func (h *harness) reply(t *testing.T) protocol.Reply {
	t.Helper()
	select {
	case msg, ok := <-h.outbox:
		if !ok {
			t.Fatal("outbox closed while waiting for reply")
		}
		r, isReply := msg.(protocol.Reply)
		if !isReply {
			t.Fatalf("got %T, want Reply", msg)
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return protocol.Reply{}
	}
}

func (h *harness) stats(t *testing.T) protocol.StatsReply {
	t.Helper()
	select {
	case msg, ok := <-h.outbox:
		if !ok {
			t.Fatal("outbox closed while waiting for stats")
		}
		r, isStats := msg.(protocol.StatsReply)
		if !isStats {
			t.Fatalf("got %T, want StatsReply", msg)
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stats")
		return protocol.StatsReply{}
	}
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.inbox <- protocol.Shutdown{}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("worker exited with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after shutdown")
	}
}

func TestConversationFIFO(t *testing.T) {
	llm := &fakeLLM{script: []string{"first reply", "second reply"}}
	h := newHarness(t, llm)

	h.inbox <- protocol.UserMessage{Content: "one", Source: "web", ChatID: "c1"}
	h.inbox <- protocol.UserMessage{Content: "two", Source: "web", ChatID: "c1"}

	r1 := h.reply(t)
	r2 := h.reply(t)
	if r1.Content != "first reply" || r2.Content != "second reply" {
		t.Fatalf("replies out of order: %q, %q", r1.Content, r2.Content)
	}
	if r1.AgentID != "test" || r1.Source != "web" || r1.ChatID != "c1" {
		t.Fatalf("reply envelope = %+v", r1)
	}
	h.shutdown(t)
}

func TestResetContextClearsEarlierExchange(t *testing.T) {
	llm := &fakeLLM{script: []string{"about turtles", "fresh start"}}
	h := newHarness(t, llm)

	h.inbox <- protocol.UserMessage{Content: "hello", Source: "web"}
	h.reply(t)
	h.inbox <- protocol.ResetContext{}
	h.inbox <- protocol.UserMessage{Content: "hi again", Source: "web"}
	h.reply(t)

	h.inbox <- protocol.GetStats{RequestID: "r1"}
	stats := h.stats(t)
	// Only the second exchange remains: one user turn, one assistant turn.
	if stats.Stats.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", stats.Stats.MessageCount)
	}

	// The provider must not have seen the first exchange on the second call.
	second := h.llm.request(1)
	for _, turn := range second.Turns {
		if strings.Contains(turn.Content, "hello") && turn.Role == "user" {
			t.Fatalf("reset did not clear transcript; provider saw %q", turn.Content)
		}
	}
	h.shutdown(t)
}

func TestShutdownIsTerminal(t *testing.T) {
	llm := &fakeLLM{}
	h := newHarness(t, llm)

	h.inbox <- protocol.Shutdown{}
	h.inbox <- protocol.UserMessage{Content: "never processed", Source: "web"}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("worker exit error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	if llm.calls() != 0 {
		t.Fatal("message enqueued after shutdown was processed")
	}
	// Outbox closes so the dispatcher can finish.
	if _, ok := <-h.outbox; ok {
		t.Fatal("outbox not closed after shutdown")
	}
}

func TestSetModelAffectsStats(t *testing.T) {
	llm := &fakeLLM{}
	h := newHarness(t, llm)

	h.inbox <- protocol.SetModel{Model: "gpt-4o-mini"}
	h.inbox <- protocol.GetStats{RequestID: "abc"}

	stats := h.stats(t)
	if stats.RequestID != "abc" {
		t.Fatalf("request id = %q", stats.RequestID)
	}
	if stats.Stats.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", stats.Stats.Model)
	}
	h.shutdown(t)
}

func TestToolRoundShellThenReply(t *testing.T) {
	llm := &fakeLLM{script: []string{
		`{"tool": "execute_shell", "command": "echo from-tool"}`,
		"the command printed from-tool",
	}}
	h := newHarness(t, llm)

	h.inbox <- protocol.UserMessage{Content: "run echo", Source: "web"}
	r := h.reply(t)
	if r.Content != "the command printed from-tool" {
		t.Fatalf("reply = %q", r.Content)
	}
	if llm.calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", llm.calls())
	}

	// The second provider call carries the tool result as a user turn.
	second := h.llm.request(1)
	last := second.Turns[len(second.Turns)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "Tool result (execute_shell)") ||
		!strings.Contains(last.Content, "from-tool") {
		t.Fatalf("tool result turn = %+v", last)
	}
	h.shutdown(t)
}

func TestBlockedToolCommandBecomesToolResult(t *testing.T) {
	llm := &fakeLLM{script: []string{
		`{"tool": "execute_shell", "command": "curl https://example.com"}`,
		"understood, no network here",
	}}
	h := newHarnessWithSandbox(t, llm, config.SandboxRestricted)

	h.inbox <- protocol.UserMessage{Content: "fetch something", Source: "web"}
	r := h.reply(t)
	if r.Content != "understood, no network here" {
		t.Fatalf("reply = %q", r.Content)
	}
	second := h.llm.request(1)
	last := second.Turns[len(second.Turns)-1]
	if !strings.Contains(last.Content, "rejected by sandbox") {
		t.Fatalf("tool result = %q", last.Content)
	}
	h.shutdown(t)
}

func newHarnessWithSandbox(t *testing.T, llm *fakeLLM, mode string) *harness {
	t.Helper()
	cfg := config.Defaults()
	ws := t.TempDir()
	agent := config.AgentConfig{
		Name: "Testa", HumanName: "Tester", Workspace: ws,
		Model: "gemini-2.5-flash", Tools: []string{"shell", "memory", "task"},
		Sandbox: mode,
	}
	led, err := ledger.New(filepath.Join(t.TempDir(), "usage.jsonl"), models.NewRegistry("google"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	inbox := make(chan protocol.Inbound, 16)
	outbox := make(chan protocol.Outbound, 16)
	w, err := New(Options{
		ID: "test", Agent: agent, Cfg: cfg,
		Providers: func(string) (provider.Provider, error) { return llm, nil },
		Ledger:    led, Inbox: inbox, Outbox: outbox,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{w: w, llm: llm, inbox: inbox, outbox: outbox, done: make(chan error, 1), ws: ws}
	go func() { h.done <- w.Run(context.Background()) }()
	return h
}

func TestHeartbeatWithPendingTasks(t *testing.T) {
	llm := &fakeLLM{script: []string{"on it"}}
	h := newHarness(t, llm)

	task := "# Tasks\n\n- [ ] water the plants\n"
	if err := os.WriteFile(filepath.Join(h.ws, "task.md"), []byte(task), 0644); err != nil {
		t.Fatal(err)
	}

	h.inbox <- protocol.HeartbeatCheck{}
	r := h.reply(t)
	if r.Source != "heartbeat" {
		t.Fatalf("source = %q, want heartbeat", r.Source)
	}
	if r.Content != "on it" {
		t.Fatalf("content = %q", r.Content)
	}

	first := h.llm.request(0)
	last := first.Turns[len(first.Turns)-1]
	if !strings.Contains(last.Content, "water the plants") {
		t.Fatalf("heartbeat prompt = %q", last.Content)
	}
	h.shutdown(t)
}

func TestHeartbeatNoTasksIsSilent(t *testing.T) {
	llm := &fakeLLM{}
	h := newHarness(t, llm)

	h.inbox <- protocol.HeartbeatCheck{}
	h.inbox <- protocol.GetStats{RequestID: "sync"}
	h.stats(t) // proves the heartbeat was consumed first (FIFO)

	if llm.calls() != 0 {
		t.Fatal("heartbeat with no pending tasks called the provider")
	}
	h.shutdown(t)
}

func TestProviderErrorBecomesReplyAndWorkerSurvives(t *testing.T) {
	llm := &fakeLLM{err: &provider.Error{Provider: "fake", Status: 401, Message: "bad key"}}
	h := newHarness(t, llm)

	h.inbox <- protocol.UserMessage{Content: "hello", Source: "web"}
	r := h.reply(t)
	if !strings.Contains(r.Content, "bad key") {
		t.Fatalf("error reply = %q", r.Content)
	}

	// Worker stays available.
	h.llm.mu.Lock()
	h.llm.err = nil
	h.llm.script = []string{"recovered"}
	h.llm.mu.Unlock()

	h.inbox <- protocol.UserMessage{Content: "again", Source: "web"}
	if r := h.reply(t); r.Content != "recovered" {
		t.Fatalf("reply = %q", r.Content)
	}
	h.shutdown(t)
}

func TestParseToolCall(t *testing.T) {
	cases := []struct {
		name string
		in   string
		tool string
		ok   bool
	}{
		{"bare json", `{"tool": "read_memory"}`, "read_memory", true},
		{"fenced json", "```json\n{\"tool\": \"read_tasks\"}\n```", "read_tasks", true},
		{"fenced no lang", "```\n{\"tool\": \"execute_shell\", \"command\": \"ls\"}\n```", "execute_shell", true},
		{"plain text", "sure, let me check", "", false},
		{"json without tool", `{"command": "ls"}`, "", false},
		{"json embedded in prose", `I will run {"tool": "execute_shell"} now`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			call, ok := parseToolCall(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && call.Tool != tc.tool {
				t.Fatalf("tool = %q, want %q", call.Tool, tc.tool)
			}
		})
	}
}
