// Package daemon is the composition root: it owns the supervisor, the
// heartbeat scheduler, the channels, the reply dispatcher, and the unix
// control socket the CLI talks to.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caretta-ai/caretta/internal/channel"
	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/heartbeat"
	"github.com/caretta-ai/caretta/internal/ledger"
	"github.com/caretta-ai/caretta/internal/models"
	"github.com/caretta-ai/caretta/internal/router"
	"github.com/caretta-ai/caretta/internal/supervisor"
	"github.com/caretta-ai/caretta/internal/webchannel"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

const sendReplyTimeout = 120 * time.Second

// Daemon wires every long-lived component together and runs them until the
// context is cancelled or a shutdown request arrives on the control socket.
type Daemon struct {
	cfg      *config.Config
	registry *models.Registry
	usage    *ledger.Ledger
	sup      *supervisor.Supervisor
	router   *router.Router
	channels *channel.Registry
	heart    *heartbeat.Scheduler

	mu      sync.Mutex
	pending map[string]chan protocol.AgentStats
	waiters map[string]chan string

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	startedAt time.Time
	pidFile   string
	sockPath  string
}

func New(cfg *config.Config) (*Daemon, error) {
	dataDir := config.ExpandPath(cfg.Global.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	registry := models.NewRegistry(cfg.LLM.DefaultProvider)
	usage, err := ledger.New(filepath.Join(dataDir, "usage.jsonl"), registry)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		registry:   registry,
		usage:      usage,
		channels:   channel.NewRegistry(),
		pending:    make(map[string]chan protocol.AgentStats),
		waiters:    make(map[string]chan string),
		shutdownCh: make(chan struct{}),
		pidFile:    config.ExpandPath(cfg.Global.PIDFile),
		sockPath:   config.ExpandPath(cfg.Global.SocketPath),
	}
	d.sup = supervisor.New(cfg, registry, usage, d.dispatch)
	d.router = router.New(cfg, d.sup, registry, usage, d.Stats)
	if cfg.Heartbeat.Enabled && cfg.Heartbeat.IntervalSeconds > 0 {
		interval := time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second
		d.heart = heartbeat.New(d.sup, d.agentIDs, interval)
	}
	return d, nil
}

// Run starts every component and blocks until shutdown. Signal handling is
// the caller's job; cancelling ctx triggers the same ordered teardown as a
// daemon_shutdown control request.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.startedAt = time.Now()

	if err := d.writePID(); err != nil {
		return err
	}
	defer d.removePID()

	ln, err := d.listenControl()
	if err != nil {
		return err
	}
	defer os.Remove(d.sockPath)

	var wg sync.WaitGroup
	d.channels.Register(&cliSender{d: d})

	if d.cfg.Web.Enabled {
		web := webchannel.New(d.cfg.Web)
		d.channels.Register(web)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Run(ctx, d.router); err != nil {
				debug.LogKV("daemon", "web channel failed", "error", err.Error())
			}
		}()
	}

	for _, id := range d.agentIDs() {
		if err := d.sup.Start(id); err != nil {
			debug.LogKV("daemon", "agent start failed", "agent", id, "error", err.Error())
		}
	}

	if d.heart != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.heart.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.acceptLoop(ctx, ln)
	}()

	debug.LogKV("daemon", "started", "pid", os.Getpid(), "socket", d.sockPath)
	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	}

	cancel()
	ln.Close()
	d.sup.StopAll()
	wg.Wait()
	debug.LogKV("daemon", "stopped")
	return nil
}

// Shutdown asks a running daemon to begin ordered teardown.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

func (d *Daemon) agentIDs() []string {
	return d.cfg.AgentIDs()
}

// dispatch drains one worker's outbox: stats replies resolve pending
// correlations, conversational replies fan out to the channel senders.
func (d *Daemon) dispatch(agentID string, outbox <-chan protocol.Outbound) {
	for msg := range outbox {
		switch m := msg.(type) {
		case protocol.StatsReply:
			d.resolveStats(m)
		case protocol.Reply:
			d.deliverReply(m)
		default:
			debug.LogKV("daemon", "unhandled outbound", "agent", agentID, "tag", msg.OutboundTag())
		}
	}
}

func (d *Daemon) resolveStats(m protocol.StatsReply) {
	d.mu.Lock()
	ch, ok := d.pending[m.RequestID]
	if ok {
		delete(d.pending, m.RequestID)
	}
	d.mu.Unlock()
	if !ok {
		debug.LogKV("daemon", "stats reply without waiter", "request_id", m.RequestID)
		return
	}
	ch <- m.Stats
}

func (d *Daemon) deliverReply(m protocol.Reply) {
	sender, ok := d.channels.Sender(m.Source)
	if !ok {
		// Heartbeat-sourced replies and channels that have gone away land
		// here; the content still reaches the daemon log.
		debug.LogKV("daemon", "reply without channel", "agent", m.AgentID, "source", m.Source, "content", truncateForLog(m.Content))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sender.Send(ctx, m.ChatID, m.Content); err != nil {
		debug.LogKV("daemon", "reply delivery failed", "agent", m.AgentID, "source", m.Source, "error", err.Error())
	}
}

// Stats performs a correlated get_stats round trip against one worker.
func (d *Daemon) Stats(ctx context.Context, agentID string) (protocol.AgentStats, error) {
	reqID := uuid.NewString()
	ch := make(chan protocol.AgentStats, 1)
	d.mu.Lock()
	d.pending[reqID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, reqID)
		d.mu.Unlock()
	}()

	if err := d.sup.Route(agentID, protocol.GetStats{RequestID: reqID}); err != nil {
		return protocol.AgentStats{}, err
	}
	select {
	case stats := <-ch:
		return stats, nil
	case <-ctx.Done():
		return protocol.AgentStats{}, ctx.Err()
	}
}

// cliSender resolves replies for control-socket send requests. Each send
// registers a waiter keyed by its synthetic chat ID.
type cliSender struct {
	d *Daemon
}

func (*cliSender) Name() string { return "cli" }

func (s *cliSender) Send(ctx context.Context, chatID, content string) error {
	s.d.mu.Lock()
	ch, ok := s.d.waiters[chatID]
	s.d.mu.Unlock()
	if !ok {
		return fmt.Errorf("cli channel: no waiter for chat %q", chatID)
	}
	select {
	case ch <- content:
	default:
	}
	return nil
}

func (d *Daemon) writePID() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (d *Daemon) removePID() {
	if d.pidFile != "" {
		os.Remove(d.pidFile)
	}
}

// ReadPID reports the pid recorded by a running daemon, if any.
func ReadPID(pidFile string) (int, bool) {
	data, err := os.ReadFile(config.ExpandPath(pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func truncateForLog(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
