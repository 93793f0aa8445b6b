// Package webchannel is the built-in web chat channel: an HTTP server with
// a websocket chat endpoint, bearer/query token auth, and optional mDNS
// advertisement so phones on the LAN can find the daemon.
package webchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/caretta-ai/caretta/internal/channel"
	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/router"
)

const (
	// Source is the channel name replies are routed back under.
	Source = "web"

	mdnsServiceType = "_caretta._tcp"
	writeTimeout    = 15 * time.Second
)

// Server runs the web channel. It implements both channel.Listener and
// channel.Sender: the websocket read loop feeds the inbox, and Send pushes
// worker replies back to the matching connection.
type Server struct {
	addr      string
	token     string
	advertise bool

	mu       sync.Mutex
	sessions map[string]*wsSession
	boundTo  net.Addr

	httpServer *http.Server
	mdnsServer *mdns.Server
}

type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsText struct {
	Text   string `json:"text"`
	UserID string `json:"user_id,omitempty"`
}

type wsReply struct {
	Content string `json:"content"`
}

type wsError struct {
	Error string `json:"error"`
}

func New(cfg config.WebConfig) *Server {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8700"
	}
	return &Server{
		addr:      addr,
		token:     strings.TrimSpace(config.ResolveSecret(cfg.Token, cfg.TokenEnv)),
		advertise: cfg.Advertise,
		sessions:  make(map[string]*wsSession),
	}
}

// Name implements channel.Sender.
func (srv *Server) Name() string { return Source }

// Run implements channel.Listener. It serves until ctx is done.
func (srv *Server) Run(ctx context.Context, inbox channel.Inbox) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		srv.handleHealth(w, r)
	})
	mux.HandleFunc("/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		srv.handleChat(w, r, inbox)
	})
	srv.httpServer = &http.Server{
		Handler:           logMiddleware(authMiddleware(srv.token, mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("web channel listen on %s: %w", srv.addr, err)
	}
	srv.mu.Lock()
	srv.boundTo = ln.Addr()
	srv.mu.Unlock()

	if srv.advertise {
		if server, err := startMDNS(ln.Addr(), srv.URL()); err != nil {
			debug.LogKV("webchannel", "mdns advertisement failed", "err", err.Error())
		} else {
			srv.mdnsServer = server
			defer srv.mdnsServer.Shutdown()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	debug.LogKV("webchannel", "listening", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.httpServer.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound address once Run has started listening.
func (srv *Server) Addr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.boundTo != nil {
		return srv.boundTo.String()
	}
	return srv.addr
}

// URL returns the pairing URL for the chat endpoint. The token is embedded
// as a query parameter so a scanned QR connects without typing.
func (srv *Server) URL() string {
	url := "http://" + srv.Addr() + "/ws/chat"
	if srv.token != "" {
		url += "?token=" + srv.token
	}
	return url
}

// Send implements channel.Sender: it pushes a reply to the websocket
// connection identified by chatID.
func (srv *Server) Send(ctx context.Context, chatID, content string) error {
	srv.mu.Lock()
	sess, ok := srv.sessions[chatID]
	srv.mu.Unlock()
	if !ok {
		return fmt.Errorf("web channel: no session %q", chatID)
	}
	return sess.write(ctx, "reply", wsReply{Content: content})
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (srv *Server) handleChat(w http.ResponseWriter, r *http.Request, inbox channel.Inbox) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	chatID := uuid.NewString()
	sess := &wsSession{conn: ws}
	srv.mu.Lock()
	srv.sessions[chatID] = sess
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, chatID)
		srv.mu.Unlock()
	}()

	ctx := r.Context()
	_ = sess.write(ctx, "hello", map[string]string{"chat_id": chatID})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != "message" {
			_ = sess.write(ctx, "error", wsError{Error: "expected a message envelope"})
			continue
		}
		var in wsText
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &in); err != nil {
				_ = sess.write(ctx, "error", wsError{Error: "malformed message payload"})
				continue
			}
		}

		reply, err := inbox.Deliver(ctx, channel.Incoming{
			Source: Source,
			ChatID: chatID,
			UserID: in.UserID,
			Text:   in.Text,
		})
		if err != nil {
			if errors.Is(err, router.ErrNotAllowed) {
				_ = sess.write(ctx, "error", wsError{Error: "user not allowed"})
				ws.Close(websocket.StatusPolicyViolation, "user not allowed")
				return
			}
			_ = sess.write(ctx, "error", wsError{Error: err.Error()})
			continue
		}
		if reply != "" {
			_ = sess.write(ctx, "reply", wsReply{Content: reply})
		}
	}
}

func (s *wsSession) write(ctx context.Context, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	line, err := json.Marshal(wsEnvelope{Type: msgType, Data: data})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(wctx, websocket.MessageText, line)
}

// PairingQR renders a terminal QR code for the chat URL.
func PairingQR(url string) (string, error) {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return code.ToString(false), nil
}

func startMDNS(bound net.Addr, url string) (*mdns.Server, error) {
	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok || tcpAddr.Port <= 0 {
		return nil, fmt.Errorf("invalid address for mDNS advertisement: %v", bound)
	}
	txtRecords := []string{
		"service=caretta",
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService("caretta", mdnsServiceType, "local", "", tcpAddr.Port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}
