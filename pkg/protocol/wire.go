package protocol

import "encoding/json"

// Control socket envelope types.
const (
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Control socket actions. The CLI sends one request line per connection and
// reads one response line back; both are WireMsg envelopes.
const (
	ActionStatus         = "status"
	ActionAgentList      = "agent_list"
	ActionAgentInfo      = "agent_info"
	ActionAgentAdd       = "agent_add"
	ActionAgentDel       = "agent_del"
	ActionAgentStart     = "agent_start"
	ActionAgentStop      = "agent_stop"
	ActionAgentRestart   = "agent_restart"
	ActionModelList      = "model_list"
	ActionModelSet       = "model_set"
	ActionConfigShow     = "config_show"
	ActionConfigValidate = "config_validate"
	ActionSend           = "send"
	ActionShutdown       = "daemon_shutdown"
)

// WireMsg is the envelope for every message on the control socket and for
// persisted protocol messages. Each message is a single JSON line.
type WireMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ControlRequest is a CLI -> daemon request.
type ControlRequest struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id,omitempty"`
	Model   string `json:"model,omitempty"`

	// Provider filters model_list output.
	Provider string `json:"provider,omitempty"`

	// Name, Workspace and Sandbox apply to the agent_add action.
	Name      string `json:"name,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Sandbox   string `json:"sandbox,omitempty"`

	// Text and Source apply to the send action.
	Text   string `json:"text,omitempty"`
	Source string `json:"source,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

// ControlResponse is the daemon's reply to a ControlRequest.
type ControlResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Text   string          `json:"text,omitempty"`
	Agents []AgentInfo     `json:"agents,omitempty"`
	Daemon *DaemonStatus   `json:"daemon,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
	Issues []string        `json:"issues,omitempty"`
}

// AgentInfo describes one configured agent for status/list responses.
type AgentInfo struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	Sandbox      string  `json:"sandbox"`
	State        string  `json:"state"`
	UptimeSec    float64 `json:"uptime_sec"`
	RestartCount int     `json:"restart_count"`
	Degraded     bool    `json:"degraded,omitempty"`
}

// DaemonStatus summarizes the daemon process for the status action.
type DaemonStatus struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
	Agents    int    `json:"agents"`
	Running   int    `json:"running"`
}

// EncodeMsg creates a newline-terminated JSON line from a message type and
// payload.
func EncodeMsg(msgType string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	line, err := json.Marshal(WireMsg{Type: msgType, Data: data})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// DecodeMsg parses a JSON line into a WireMsg.
func DecodeMsg(line []byte) (*WireMsg, error) {
	var msg WireMsg
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeData unmarshals the Data field of a WireMsg into the target type.
func DecodeData[T any](msg *WireMsg) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
