// Package protocol defines the message contract between the caretta daemon
// and its agent workers, plus the wire envelope used on the control socket.
//
// Inbound and Outbound are closed sum types: every message carries exactly
// one tag, and decoding rejects unknown tags instead of ignoring them. The
// Shutdown message is terminal: once a worker consumes it, no later message
// in its inbox is ever processed.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message tags.
const (
	TagMessage        = "message"
	TagResetContext   = "reset_context"
	TagSetModel       = "set_model"
	TagGetStats       = "get_stats"
	TagHeartbeatCheck = "heartbeat_check"
	TagShutdown       = "shutdown"
)

// Outbound message tags.
const (
	TagReply      = "reply"
	TagStatsReply = "stats_reply"
)

// Inbound is a message delivered to a worker's inbox.
type Inbound interface {
	// InboundTag returns the wire tag for this message kind.
	InboundTag() string
}

// Outbound is a message produced on a worker's outbox.
type Outbound interface {
	OutboundTag() string
}

// UserMessage is ordinary user text routed to the worker's conversation.
type UserMessage struct {
	Content string `json:"content"`
	Source  string `json:"source"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// ResetContext clears the worker's transcript.
type ResetContext struct{}

// SetModel swaps the model used for subsequent provider calls.
type SetModel struct {
	Model string `json:"model"`
}

// GetStats requests a usage/context snapshot. The reply correlates by
// RequestID.
type GetStats struct {
	RequestID string `json:"request_id"`
}

// HeartbeatCheck tells the worker to re-check its task list.
type HeartbeatCheck struct{}

// Shutdown is the terminal message: the worker finishes in-flight work,
// flushes its outbox, and exits. Messages enqueued after it are never
// processed.
type Shutdown struct{}

func (UserMessage) InboundTag() string    { return TagMessage }
func (ResetContext) InboundTag() string   { return TagResetContext }
func (SetModel) InboundTag() string       { return TagSetModel }
func (GetStats) InboundTag() string       { return TagGetStats }
func (HeartbeatCheck) InboundTag() string { return TagHeartbeatCheck }
func (Shutdown) InboundTag() string       { return TagShutdown }

// Reply is a conversational response destined for a channel.
type Reply struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
	Source  string `json:"source"`
	ChatID  string `json:"chat_id,omitempty"`
}

// StatsReply answers a GetStats request.
type StatsReply struct {
	RequestID string     `json:"request_id"`
	AgentID   string     `json:"agent_id"`
	Stats     AgentStats `json:"stats"`
}

func (Reply) OutboundTag() string      { return TagReply }
func (StatsReply) OutboundTag() string { return TagStatsReply }

// AgentStats is the snapshot payload carried by StatsReply.
type AgentStats struct {
	Model            string  `json:"model"`
	MessageCount     int     `json:"message_count"`
	EstimatedTokens  int     `json:"estimated_tokens"`
	MaxTokens        int     `json:"max_tokens"`
	UsageRatio       float64 `json:"usage_ratio"`
	CompressionCount int     `json:"compression_count"`
	SessionRequests  int     `json:"session_requests"`
	SessionInput     int     `json:"session_input_tokens"`
	SessionOutput    int     `json:"session_output_tokens"`
	SessionCostUSD   float64 `json:"session_cost_usd"`
}

// EncodeInbound serializes an inbound message as a tagged JSON envelope.
func EncodeInbound(msg Inbound) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WireMsg{Type: msg.InboundTag(), Data: payload})
}

// DecodeInbound parses a tagged JSON envelope into a concrete inbound
// message. Unknown tags are an error, never silently dropped.
func DecodeInbound(data []byte) (Inbound, error) {
	var env WireMsg
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case TagMessage:
		return decodePayload[UserMessage](env.Data)
	case TagResetContext:
		return ResetContext{}, nil
	case TagSetModel:
		return decodePayload[SetModel](env.Data)
	case TagGetStats:
		return decodePayload[GetStats](env.Data)
	case TagHeartbeatCheck:
		return HeartbeatCheck{}, nil
	case TagShutdown:
		return Shutdown{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown inbound tag %q", env.Type)
	}
}

// EncodeOutbound serializes an outbound message as a tagged JSON envelope.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WireMsg{Type: msg.OutboundTag(), Data: payload})
}

// DecodeOutbound parses a tagged JSON envelope into a concrete outbound
// message.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env WireMsg
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case TagReply:
		return decodePayload[Reply](env.Data)
	case TagStatsReply:
		return decodePayload[StatsReply](env.Data)
	default:
		return nil, fmt.Errorf("protocol: unknown outbound tag %q", env.Type)
	}
}

func decodePayload[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
