package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caretta-ai/caretta/internal/channel"
	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/models"
	"github.com/caretta-ai/caretta/internal/supervisor"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

const maxControlLine = 1 << 20

func (d *Daemon) listenControl() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(d.sockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	// A leftover socket from an unclean exit blocks the bind.
	if _, err := os.Stat(d.sockPath); err == nil {
		if conn, err := net.DialTimeout("unix", d.sockPath, time.Second); err == nil {
			conn.Close()
			return nil, fmt.Errorf("daemon already running on %s", d.sockPath)
		}
		os.Remove(d.sockPath)
	}
	ln, err := net.Listen("unix", d.sockPath)
	if err != nil {
		return nil, fmt.Errorf("control socket listen: %w", err)
	}
	return ln, nil
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			debug.LogKV("daemon", "accept failed", "error", err.Error())
			continue
		}
		go d.serveConn(ctx, conn)
	}
}

// serveConn handles one request/response exchange, NDJSON line in, line out.
func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxControlLine)
	if !sc.Scan() {
		return
	}

	resp := d.handleRequest(ctx, sc.Bytes())
	line, err := protocol.EncodeMsg(protocol.TypeControlResponse, resp)
	if err != nil {
		debug.LogKV("daemon", "encode response failed", "error", err.Error())
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(line); err != nil {
		debug.LogKV("daemon", "write response failed", "error", err.Error())
	}
}

func (d *Daemon) handleRequest(ctx context.Context, raw []byte) protocol.ControlResponse {
	msg, err := protocol.DecodeMsg(raw)
	if err != nil {
		return protocol.ControlResponse{Error: fmt.Sprintf("malformed request: %v", err)}
	}
	if msg.Type != protocol.TypeControlRequest {
		return protocol.ControlResponse{Error: fmt.Sprintf("unexpected message type %q", msg.Type)}
	}
	req, err := protocol.DecodeData[protocol.ControlRequest](msg)
	if err != nil {
		return protocol.ControlResponse{Error: fmt.Sprintf("malformed request payload: %v", err)}
	}
	return d.handleAction(ctx, *req)
}

func (d *Daemon) handleAction(ctx context.Context, req protocol.ControlRequest) protocol.ControlResponse {
	agentID := req.AgentID
	if agentID == "" {
		agentID = d.cfg.Global.DefaultAgent
	}

	switch req.Action {
	case protocol.ActionStatus:
		agents := d.sup.List()
		running := 0
		for _, a := range agents {
			if a.State == supervisor.StateRunning {
				running++
			}
		}
		return protocol.ControlResponse{
			OK:     true,
			Agents: agents,
			Daemon: &protocol.DaemonStatus{
				PID:       os.Getpid(),
				StartedAt: d.startedAt.Format(time.RFC3339),
				Agents:    len(agents),
				Running:   running,
			},
		}

	case protocol.ActionAgentList:
		return protocol.ControlResponse{OK: true, Agents: d.sup.List()}

	case protocol.ActionAgentInfo:
		info, err := d.sup.Info(agentID)
		if err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Agents: []protocol.AgentInfo{info}}

	case protocol.ActionAgentAdd:
		if req.AgentID == "" {
			return protocol.ControlResponse{Error: "agent id required"}
		}
		a := config.AgentConfig{
			Name:      req.Name,
			Model:     req.Model,
			Workspace: req.Workspace,
			Sandbox:   req.Sandbox,
		}
		if err := d.cfg.AddAgent(req.AgentID, a); err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Text: fmt.Sprintf("agent %q added", req.AgentID)}

	case protocol.ActionAgentDel:
		if req.AgentID == "" {
			return protocol.ControlResponse{Error: "agent id required"}
		}
		if err := d.sup.RemoveAgent(req.AgentID); err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Text: fmt.Sprintf("agent %q removed", req.AgentID)}

	case protocol.ActionAgentStart:
		if err := d.sup.Start(agentID); err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Text: fmt.Sprintf("agent %q started", agentID)}

	case protocol.ActionAgentStop:
		if err := d.sup.Stop(agentID); err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Text: fmt.Sprintf("agent %q stopped", agentID)}

	case protocol.ActionAgentRestart:
		if err := d.sup.Restart(agentID); err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Text: fmt.Sprintf("agent %q restarted", agentID)}

	case protocol.ActionModelList:
		list := d.registry.List(strings.ToLower(req.Provider))
		if len(list) == 0 && req.Provider != "" {
			return protocol.ControlResponse{Error: fmt.Sprintf("no models found for provider %q", req.Provider)}
		}
		return protocol.ControlResponse{OK: true, Text: models.FormatList(list)}

	case protocol.ActionModelSet:
		if req.Model == "" {
			return protocol.ControlResponse{Error: "model name required"}
		}
		if err := d.sup.Route(agentID, protocol.SetModel{Model: req.Model}); err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Text: fmt.Sprintf("model switched to %s", req.Model)}

	case protocol.ActionConfigShow:
		data, err := d.cfg.DumpJSON()
		if err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Config: data}

	case protocol.ActionConfigValidate:
		issues := d.cfg.Validate()
		return protocol.ControlResponse{OK: !config.HasErrors(issues), Issues: issues}

	case protocol.ActionSend:
		text, err := d.sendAndWait(ctx, agentID, req.Text)
		if err != nil {
			return errResponse(err)
		}
		return protocol.ControlResponse{OK: true, Text: text}

	case protocol.ActionShutdown:
		d.Shutdown()
		return protocol.ControlResponse{OK: true, Text: "shutting down"}

	default:
		return protocol.ControlResponse{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

// sendAndWait routes text through the command router under a synthetic cli
// chat and blocks until the agent's reply lands on the cli sender.
func (d *Daemon) sendAndWait(ctx context.Context, agentID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty message")
	}

	chatID := "cli-" + uuid.NewString()
	ch := make(chan string, 1)
	d.mu.Lock()
	d.waiters[chatID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, chatID)
		d.mu.Unlock()
	}()

	// The send action targets an explicit agent, so bind the synthetic chat
	// before delivering.
	if agentID != d.cfg.Global.DefaultAgent {
		if reply, err := d.router.Deliver(ctx, channel.Incoming{
			Source: "cli", ChatID: chatID, UserID: "cli", Text: "/agent " + agentID,
		}); err != nil {
			return "", err
		} else if !strings.HasPrefix(reply, "✅") {
			return "", fmt.Errorf("bind agent: %s", reply)
		}
	}

	reply, err := d.router.Deliver(ctx, channel.Incoming{
		Source: "cli", ChatID: chatID, UserID: "cli", Text: text,
	})
	if err != nil {
		return "", err
	}
	if reply != "" {
		return reply, nil
	}

	wait, cancel := context.WithTimeout(ctx, sendReplyTimeout)
	defer cancel()
	select {
	case text := <-ch:
		return text, nil
	case <-wait.Done():
		return "", fmt.Errorf("timed out waiting for reply from %q", agentID)
	}
}

func errResponse(err error) protocol.ControlResponse {
	return protocol.ControlResponse{Error: err.Error()}
}
