package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/caretta-ai/caretta/internal/sandbox"
)

// Tool names the model may invoke.
const (
	toolShell       = "execute_shell"
	toolReadMemory  = "read_memory"
	toolWriteMemory = "write_memory"
	toolReadTasks   = "read_tasks"
)

// toolCall is the directive format the model emits: a reply consisting of a
// single JSON object, optionally fenced. The provider interface is plain
// text completion, so tool use rides on this convention instead of native
// function calling.
type toolCall struct {
	Tool    string `json:"tool"`
	Command string `json:"command,omitempty"` // execute_shell
	Content string `json:"content,omitempty"` // write_memory
	Mode    string `json:"mode,omitempty"`    // write_memory: append|overwrite
}

// parseToolCall detects a tool directive. Anything that is not a lone JSON
// object with a "tool" key is an ordinary reply.
func parseToolCall(text string) (toolCall, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return toolCall{}, false
	}
	var call toolCall
	if err := json.Unmarshal([]byte(s), &call); err != nil || call.Tool == "" {
		return toolCall{}, false
	}
	return call, true
}

// runTool executes one tool round. Failures come back as text for the model
// to react to; only the sandbox decides what actually runs.
func (w *Worker) runTool(ctx context.Context, call toolCall) string {
	if !w.toolEnabled(call.Tool) {
		return fmt.Sprintf("Tool %q is not enabled for this agent.", call.Tool)
	}

	switch call.Tool {
	case toolShell:
		return w.runShell(ctx, call.Command)

	case toolReadMemory:
		if mem := w.ws.Memory(); mem != "" {
			return mem
		}
		return "(memory is empty)"

	case toolWriteMemory:
		var err error
		if call.Mode == "overwrite" {
			err = w.ws.WriteMemory(call.Content)
		} else {
			err = w.ws.AppendMemory(call.Content)
		}
		if err != nil {
			return "Failed to update memory: " + err.Error()
		}
		w.systemDirty = true // memory is part of the system context
		return "Memory updated."

	case toolReadTasks:
		if task := w.ws.Task(); task != "" {
			return task
		}
		return "(no tasks)"

	default:
		return fmt.Sprintf("Unknown tool: %s", call.Tool)
	}
}

func (w *Worker) runShell(ctx context.Context, command string) string {
	if command == "" {
		return "execute_shell requires a command."
	}
	res, err := w.enforcer.Execute(ctx, command, false)
	switch {
	case errors.Is(err, sandbox.ErrConfirmationRequired):
		return fmt.Sprintf("This command requires user confirmation before execution: `%s`. Ask the user to confirm, then retry with their approval.", command)
	case errors.Is(err, sandbox.ErrBlockedCommand),
		errors.Is(err, sandbox.ErrNetworkDenied),
		errors.Is(err, sandbox.ErrPathEscapeDenied):
		return "Command rejected by sandbox: " + err.Error()
	case errors.Is(err, sandbox.ErrTimedOut):
		return fmt.Sprintf("Command timed out.\nstdout:\n%s\nstderr:\n%s", res.Stdout, res.Stderr)
	case err != nil:
		return "Execution error: " + err.Error()
	}

	var b strings.Builder
	if res.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
	}
	fmt.Fprintf(&b, "exit_code: %d", res.ExitCode)
	return b.String()
}

// toolEnabled maps a tool name onto the agent's enabled capability set.
func (w *Worker) toolEnabled(tool string) bool {
	var capability string
	switch tool {
	case toolShell:
		capability = "shell"
		if !w.cfg.Shell.Enabled {
			return false
		}
	case toolReadMemory, toolWriteMemory:
		capability = "memory"
	case toolReadTasks:
		capability = "task"
	default:
		return false
	}
	for _, t := range w.agent.Tools {
		if t == capability {
			return true
		}
	}
	return false
}
