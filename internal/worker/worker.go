// Package worker implements the per-agent runtime: a single goroutine that
// consumes its inbox in FIFO order, talks to the LLM provider, executes tool
// calls under the agent's sandbox, and emits replies on its outbox.
//
// The worker exclusively owns its transcript and sandbox state. Isolation is
// the invariant: a panic inside the worker is recovered and surfaced as an
// exit error to the supervisor's crash monitor, never propagated.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/caretta-ai/caretta/internal/config"
	dbg "github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/eventq"
	"github.com/caretta-ai/caretta/internal/ledger"
	"github.com/caretta-ai/caretta/internal/provider"
	"github.com/caretta-ai/caretta/internal/sandbox"
	"github.com/caretta-ai/caretta/internal/transcript"
	"github.com/caretta-ai/caretta/internal/workspace"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

// ProviderFactory resolves the provider adapter serving a model name. The
// supervisor supplies it so set_model can cross provider boundaries.
type ProviderFactory func(model string) (provider.Provider, error)

// Options collects the worker's dependencies.
type Options struct {
	ID        string
	Agent     config.AgentConfig
	Cfg       *config.Config
	Providers ProviderFactory
	Ledger    *ledger.Ledger
	Inbox     <-chan protocol.Inbound
	Outbox    chan<- protocol.Outbound
}

// Worker is one isolated agent runtime. Construct with New, drive with Run.
type Worker struct {
	id    string
	agent config.AgentConfig
	cfg   *config.Config

	model     string
	providers ProviderFactory
	llm       provider.Provider

	ws       *workspace.Workspace
	enforcer *sandbox.Enforcer
	tr       *transcript.Transcript
	comp     *transcript.Compressor
	ledger   *ledger.Ledger

	inbox  <-chan protocol.Inbound
	outbox chan<- protocol.Outbound

	system      string
	systemDirty bool

	session sessionUsage
}

type sessionUsage struct {
	requests int
	input    int
	output   int
	costUSD  float64
}

// New prepares the runtime: opens (and scaffolds) the workspace and builds
// the sandbox enforcer and compressor from configuration. The provider is
// resolved lazily on the first call so a missing API key surfaces as a
// conversational error, not a crash loop.
func New(opts Options) (*Worker, error) {
	ws, err := workspace.Open(opts.Agent.Workspace, opts.Agent.Name, opts.Agent.HumanName)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", opts.ID, err)
	}
	enf, err := sandbox.New(opts.Agent.Sandbox, ws.Root(), opts.Cfg.Shell)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", opts.ID, err)
	}

	cc := opts.Cfg.Context
	return &Worker{
		id:        opts.ID,
		agent:     opts.Agent,
		cfg:       opts.Cfg,
		model:     opts.Agent.Model,
		providers: opts.Providers,
		ws:        ws,
		enforcer:  enf,
		tr:        transcript.New(),
		comp: &transcript.Compressor{
			MaxTokens:      cc.MaxTokens,
			ThresholdRatio: cc.CompressThresholdRatio,
			TargetRatio:    cc.CompressTargetRatio,
			MinRecentTurns: cc.MinRecentTurns,
		},
		ledger:      opts.Ledger,
		inbox:       opts.Inbox,
		outbox:      opts.Outbox,
		systemDirty: true,
	}, nil
}

// Run consumes the inbox until a Shutdown message or context cancellation.
// Messages are processed strictly in enqueue order; nothing enqueued after
// Shutdown is ever seen. The outbox is closed on exit so the dispatcher can
// drain and stop. Panics are recovered and returned as the exit error.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer close(w.outbox)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panic: %v\n%s", w.id, r, debug.Stack())
		}
	}()

	dbg.LogKV("worker", "start", "agent", w.id, "model", w.model, "sandbox", w.enforcer.Mode())

	watch, werr := workspace.Watch(ctx, w.ws)
	if werr != nil {
		// The watcher is an optimization; without it the system context
		// refreshes only on restart.
		dbg.LogKV("worker", "watch unavailable", "agent", w.id, "error", werr.Error())
		watch = nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case name, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			dbg.LogKV("worker", "workspace changed", "agent", w.id, "file", name)
			w.systemDirty = true
		case msg, ok := <-w.inbox:
			if !ok {
				return nil
			}
			if _, terminal := msg.(protocol.Shutdown); terminal {
				// Nothing enqueued after the sentinel is ever processed.
				dropped := eventq.DrainInto(w.inbox, func(protocol.Inbound) {})
				dbg.LogKV("worker", "shutdown", "agent", w.id, "dropped", dropped)
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.UserMessage:
		w.converse(ctx, m.Content, m.Source, m.ChatID)
	case protocol.ResetContext:
		w.tr.Reset()
		dbg.LogKV("worker", "reset", "agent", w.id)
	case protocol.SetModel:
		w.model = m.Model
		w.llm = nil // re-resolved on next call; may cross providers
		w.tr.Append(transcript.RoleSystem, fmt.Sprintf("Model switched to %s.", m.Model))
		dbg.LogKV("worker", "set model", "agent", w.id, "model", m.Model)
	case protocol.GetStats:
		w.emit(protocol.StatsReply{RequestID: m.RequestID, AgentID: w.id, Stats: w.stats()})
	case protocol.HeartbeatCheck:
		w.heartbeat(ctx)
	default:
		dbg.LogKV("worker", "unknown message", "agent", w.id, "tag", msg.InboundTag())
	}
}

// heartbeat re-reads task.md; pending items become a synthetic system-origin
// exchange so the agent can act on them autonomously.
func (w *Worker) heartbeat(ctx context.Context) {
	pending := w.ws.PendingTasks()
	if len(pending) == 0 {
		return
	}
	prompt := "Heartbeat: your task list has pending items:\n"
	for _, task := range pending {
		prompt += "- " + task + "\n"
	}
	prompt += "Work on them if appropriate, or reply with a brief status."
	w.converse(ctx, prompt, "heartbeat", "")
}

// emit offers an outbound message without blocking. A saturated outbox drops
// the message and logs it; the worker must never stall on its consumer.
func (w *Worker) emit(msg protocol.Outbound) {
	if !eventq.Offer(w.outbox, msg) {
		dbg.LogKV("worker", "outbox full", "agent", w.id, "tag", msg.OutboundTag())
	}
}

func (w *Worker) stats() protocol.AgentStats {
	ratio := 0.0
	if w.comp.MaxTokens > 0 {
		ratio = float64(w.tr.TokenCount()) / float64(w.comp.MaxTokens)
	}
	return protocol.AgentStats{
		Model:            w.model,
		MessageCount:     w.tr.Len(),
		EstimatedTokens:  w.tr.TokenCount(),
		MaxTokens:        w.comp.MaxTokens,
		UsageRatio:       ratio,
		CompressionCount: w.tr.CompressionCount(),
		SessionRequests:  w.session.requests,
		SessionInput:     w.session.input,
		SessionOutput:    w.session.output,
		SessionCostUSD:   w.session.costUSD,
	}
}

// resolveProvider returns the adapter for the current model, caching it
// until set_model invalidates the cache.
func (w *Worker) resolveProvider() (provider.Provider, error) {
	if w.llm != nil {
		return w.llm, nil
	}
	p, err := w.providers(w.model)
	if err != nil {
		return nil, err
	}
	w.llm = p
	return p, nil
}

// recordUsage appends to the persistent ledger and the in-memory session
// counters.
func (w *Worker) recordUsage(model string, res provider.Result) {
	rec, err := w.ledger.Append(w.id, model, res.PromptTokens, res.CompletionTokens)
	if err != nil {
		dbg.LogKV("worker", "ledger error", "agent", w.id, "error", err.Error())
	}
	w.session.requests++
	w.session.input += res.PromptTokens
	w.session.output += res.CompletionTokens
	w.session.costUSD += rec.CostUSD
}
