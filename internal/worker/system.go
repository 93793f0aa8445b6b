package worker

import (
	"fmt"
	"strings"
)

// buildSystemPrompt composes the worker's system context from the workspace
// files and the sandbox policy. The result is cached until a workspace file
// changes or memory is written.
func (w *Worker) buildSystemPrompt() string {
	var b strings.Builder

	name := w.agent.Name
	if name == "" {
		name = "Caretta"
	}
	fmt.Fprintf(&b, "You are %s, a personal AI agent (id: %s).\n\n", name, w.id)

	if rules := strings.TrimSpace(w.ws.Rules()); rules != "" {
		b.WriteString(rules)
		b.WriteString("\n\n")
	}
	if skills := strings.TrimSpace(w.ws.Skills()); skills != "" {
		b.WriteString("# Skills\n\n")
		b.WriteString(skills)
		b.WriteString("\n\n")
	}
	if mem := strings.TrimSpace(w.ws.Memory()); mem != "" {
		b.WriteString("# Memory\n\n")
		b.WriteString(mem)
		b.WriteString("\n\n")
	}

	b.WriteString("# Environment\n\n")
	fmt.Fprintf(&b, "- Workspace: %s\n", w.ws.Root())
	fmt.Fprintf(&b, "- Sandbox: %s\n\n", w.enforcer.Describe())

	b.WriteString("# Tools\n\n")
	b.WriteString("To use a tool, reply with ONLY a JSON object (nothing else):\n")
	if w.toolEnabled(toolShell) {
		b.WriteString(`- {"tool": "execute_shell", "command": "<shell command>"} — run a shell command in your workspace.` + "\n")
	}
	if w.toolEnabled(toolReadMemory) {
		b.WriteString(`- {"tool": "read_memory"} — read your persistent memory file.` + "\n")
		b.WriteString(`- {"tool": "write_memory", "content": "<text>", "mode": "append|overwrite"} — update memory.` + "\n")
	}
	if w.toolEnabled(toolReadTasks) {
		b.WriteString(`- {"tool": "read_tasks"} — read your task list.` + "\n")
	}
	b.WriteString("Tool results come back as a user turn prefixed \"Tool result\". Reply with plain text when you are done.\n")

	return b.String()
}
