// Package router dispatches incoming channel traffic. Slash commands are
// answered by the daemon itself; everything else is wrapped as a user
// message and routed to the bound agent's worker.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caretta-ai/caretta/internal/channel"
	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/ledger"
	"github.com/caretta-ai/caretta/internal/models"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

// ErrNotAllowed rejects a user outside a channel's allowlist.
var ErrNotAllowed = errors.New("router: user not allowed")

const statsTimeout = 10 * time.Second

// Supervisor is the worker-management surface the router needs.
type Supervisor interface {
	Route(id string, msg protocol.Inbound) error
	Restart(id string) error
	Info(id string) (protocol.AgentInfo, error)
}

// StatsFunc performs a correlated get_stats round trip. The daemon supplies
// it, since the daemon owns the outbox dispatcher that sees the reply.
type StatsFunc func(ctx context.Context, agentID string) (protocol.AgentStats, error)

type bindingKey struct {
	source string
	chat   string
}

// Router owns the per-(source, chat) agent binding and the system command
// set. Plain text is forwarded to whichever agent the chat is bound to.
type Router struct {
	cfg    *config.Config
	sup    Supervisor
	models *models.Registry
	usage  *ledger.Ledger
	stats  StatsFunc

	mu       sync.Mutex
	bindings map[bindingKey]string
}

func New(cfg *config.Config, sup Supervisor, reg *models.Registry, usage *ledger.Ledger, stats StatsFunc) *Router {
	return &Router{
		cfg:      cfg,
		sup:      sup,
		models:   reg,
		usage:    usage,
		stats:    stats,
		bindings: make(map[bindingKey]string),
	}
}

// AgentFor returns the agent a chat is currently bound to.
func (r *Router) AgentFor(source, chatID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.bindings[bindingKey{source, chatID}]; ok {
		return id
	}
	return r.cfg.Global.DefaultAgent
}

func (r *Router) bind(source, chatID, agentID string) {
	r.mu.Lock()
	r.bindings[bindingKey{source, chatID}] = agentID
	r.mu.Unlock()
}

// Deliver implements channel.Inbox. Commands come back as the returned
// reply; conversational replies arrive later through the reply dispatcher.
func (r *Router) Deliver(ctx context.Context, msg channel.Incoming) (string, error) {
	agentID := r.AgentFor(msg.Source, msg.ChatID)
	if !r.allowed(agentID, msg.Source, msg.UserID) {
		debug.LogKV("router", "rejected user", "source", msg.Source, "user", msg.UserID, "agent", agentID)
		return "", fmt.Errorf("%w: %q on %s", ErrNotAllowed, msg.UserID, msg.Source)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}
	if strings.HasPrefix(text, "/") {
		return r.command(ctx, text, agentID, msg), nil
	}

	err := r.sup.Route(agentID, protocol.UserMessage{
		Content: text,
		Source:  msg.Source,
		ChatID:  msg.ChatID,
		UserID:  msg.UserID,
	})
	if err != nil {
		debug.LogKV("router", "route failed", "agent", agentID, "err", err.Error())
		return fmt.Sprintf("⚠️ Agent %q is not available: %v", agentID, err), nil
	}
	return "", nil
}

// allowed checks the channel allowlist for the bound agent. An empty
// allowlist allows everyone.
func (r *Router) allowed(agentID, source, userID string) bool {
	agent, ok := r.cfg.Agent(agentID)
	if !ok {
		return false
	}
	binding, ok := agent.Channels[source]
	if !ok || len(binding.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range binding.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (r *Router) command(ctx context.Context, text, agentID string, msg channel.Incoming) string {
	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "/start":
		name := "Caretta"
		if agent, ok := r.cfg.Agent(agentID); ok && agent.Name != "" {
			name = agent.Name
		}
		return fmt.Sprintf("🐢 Welcome! I'm %s, your personal AI assistant.\nType /help for available commands.", name)

	case "/help":
		return helpText

	case "/reset":
		if err := r.sup.Route(agentID, protocol.ResetContext{}); err != nil {
			return agentUnavailable
		}
		return "✅ Context reset."

	case "/context":
		return r.contextStats(ctx, agentID)

	case "/restart":
		if err := r.sup.Restart(agentID); err != nil {
			return fmt.Sprintf("❌ Failed to restart: %v", err)
		}
		return fmt.Sprintf("✅ Agent %q restarted.", agentID)

	case "/usage":
		totals, err := r.usage.Totals(agentID)
		if err != nil {
			return fmt.Sprintf("❌ Failed to read usage: %v", err)
		}
		return ledger.FormatTotals(totals)

	case "/status":
		info, err := r.sup.Info(agentID)
		if err != nil {
			return fmt.Sprintf("⚠️ Agent %q not found.", agentID)
		}
		return formatStatus(info)

	case "/model":
		return r.modelCommand(parts, agentID)

	case "/agent":
		return r.agentCommand(parts, msg)

	default:
		return fmt.Sprintf("Unknown command: %s. Type /help for available commands.", cmd)
	}
}

func (r *Router) contextStats(ctx context.Context, agentID string) string {
	if r.stats == nil {
		return agentUnavailable
	}
	cctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	stats, err := r.stats(cctx, agentID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "⚠️ Timeout waiting for stats."
		}
		return agentUnavailable
	}
	return fmt.Sprintf(
		"📊 Context Stats:\n"+
			"  Model: %s\n"+
			"  Messages: %d\n"+
			"  Tokens: ~%s / %s (%.1f%%)\n"+
			"  Compressions: %d",
		stats.Model, stats.MessageCount,
		groupThousands(stats.EstimatedTokens), groupThousands(stats.MaxTokens),
		stats.UsageRatio*100, stats.CompressionCount)
}

func (r *Router) modelCommand(parts []string, agentID string) string {
	switch {
	case len(parts) >= 2 && strings.EqualFold(parts[1], "list"):
		provider := ""
		if len(parts) >= 3 {
			provider = strings.ToLower(parts[2])
		}
		list := r.models.List(provider)
		if len(list) == 0 {
			if provider != "" {
				return fmt.Sprintf("No models found for provider %q.", provider)
			}
			return "No models found."
		}
		return models.FormatList(list)

	case len(parts) >= 2:
		name := parts[1]
		if err := r.sup.Route(agentID, protocol.SetModel{Model: name}); err != nil {
			return agentUnavailable
		}
		return fmt.Sprintf("✅ Model switched to: %s", name)

	default:
		return "Usage: /model list [provider] or /model <model_name>"
	}
}

func (r *Router) agentCommand(parts []string, msg channel.Incoming) string {
	if len(parts) < 2 {
		return fmt.Sprintf("Current agent: %s\nUsage: /agent <id>", r.AgentFor(msg.Source, msg.ChatID))
	}
	id := parts[1]
	if _, ok := r.cfg.Agent(id); !ok {
		return fmt.Sprintf("⚠️ Agent %q not found.", id)
	}
	r.bind(msg.Source, msg.ChatID, id)
	return fmt.Sprintf("✅ Now talking to agent %q.", id)
}

const agentUnavailable = "⚠️ Agent is not running."

const helpText = "🐢 Caretta Commands:\n" +
	"/reset — Reset conversation context\n" +
	"/context — Show context stats\n" +
	"/restart — Restart agent process\n" +
	"/usage — Show token usage & costs\n" +
	"/status — Show agent status\n" +
	"/model list [provider] — List available models\n" +
	"/model <name> — Switch model\n" +
	"/agent <id> — Switch target agent\n" +
	"/help — Show this help"

func formatStatus(info protocol.AgentInfo) string {
	icon := "🔴"
	if info.State == "running" {
		icon = "🟢"
	}
	b := fmt.Sprintf(
		"🐢 Agent: %s\n"+
			"  Status: %s %s\n"+
			"  Model: %s\n"+
			"  Sandbox: %s\n"+
			"  Uptime: %.1f min\n"+
			"  Restarts: %d",
		info.ID, icon, info.State, info.Model, info.Sandbox,
		info.UptimeSec/60, info.RestartCount)
	if info.Degraded {
		b += "\n  Degraded: restart limit exceeded"
	}
	return b
}

// groupThousands renders 1234567 as "1,234,567".
func groupThousands(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
