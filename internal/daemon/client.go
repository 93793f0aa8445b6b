package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

// Client talks to a running daemon over its unix control socket. Each
// request opens a fresh connection: one line out, one line back.
type Client struct {
	sockPath string
}

func NewClient(sockPath string) *Client {
	return &Client{sockPath: config.ExpandPath(sockPath)}
}

// Do performs one control request. A connection failure usually means no
// daemon is running.
func (c *Client) Do(ctx context.Context, req protocol.ControlRequest) (*protocol.ControlResponse, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.sockPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(sendReplyTimeout + 10*time.Second))
	}

	line, err := protocol.EncodeMsg(protocol.TypeControlRequest, req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(line); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxControlLine)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("daemon closed connection without responding")
	}
	msg, err := protocol.DecodeMsg(sc.Bytes())
	if err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if msg.Type != protocol.TypeControlResponse {
		return nil, fmt.Errorf("unexpected response type %q", msg.Type)
	}
	return protocol.DecodeData[protocol.ControlResponse](msg)
}

// Ping reports whether a daemon answers on the socket.
func (c *Client) Ping(ctx context.Context) bool {
	resp, err := c.Do(ctx, protocol.ControlRequest{Action: protocol.ActionStatus})
	return err == nil && resp.OK
}
