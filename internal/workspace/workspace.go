// Package workspace manages the per-agent directory of plain-text files:
// rules.md, skills.md, memory.md, task.md and the shell history log.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	RulesFile  = "rules.md"
	SkillsFile = "skills.md"
	MemoryFile = "memory.md"
	TaskFile   = "task.md"
)

// Workspace is an agent's home directory.
type Workspace struct {
	root string
}

// Open scaffolds the workspace directory, creating any default files that
// do not yet exist. Existing files are never touched.
func Open(root, agentName, humanName string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	defaults := map[string]string{
		RulesFile:  defaultRules(agentName, humanName),
		SkillsFile: defaultSkills,
		MemoryFile: "",
		TaskFile:   defaultTask,
	}
	for name, content := range defaults {
		path := filepath.Join(abs, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("scaffold %s: %w", name, err)
		}
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string { return w.root }

// readFile returns the file content or "" when missing; the workspace files
// are all optional at read time.
func (w *Workspace) readFile(name string) string {
	data, err := os.ReadFile(filepath.Join(w.root, name))
	if err != nil {
		return ""
	}
	return string(data)
}

func (w *Workspace) Rules() string  { return w.readFile(RulesFile) }
func (w *Workspace) Skills() string { return w.readFile(SkillsFile) }
func (w *Workspace) Memory() string { return w.readFile(MemoryFile) }
func (w *Workspace) Task() string   { return w.readFile(TaskFile) }

// PendingTasks parses task.md for unchecked markdown checkboxes
// ("- [ ] description").
func (w *Workspace) PendingTasks() []string {
	var pending []string
	for _, line := range strings.Split(w.Task(), "\n") {
		stripped := strings.TrimSpace(line)
		if !strings.HasPrefix(stripped, "- [ ]") {
			continue
		}
		if text := strings.TrimSpace(stripped[len("- [ ]"):]); text != "" {
			pending = append(pending, text)
		}
	}
	return pending
}

// AppendMemory adds a timestamped entry to memory.md.
func (w *Workspace) AppendMemory(entry string) error {
	f, err := os.OpenFile(filepath.Join(w.root, MemoryFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer f.Close()

	ts := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	if _, err := fmt.Fprintf(f, "\n### [%s]\n%s\n", ts, entry); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

// SearchMemory returns memory.md lines containing keyword, case-insensitive.
func (w *Workspace) SearchMemory(keyword string) []string {
	needle := strings.ToLower(keyword)
	var hits []string
	for _, line := range strings.Split(w.Memory(), "\n") {
		if strings.Contains(strings.ToLower(line), needle) {
			hits = append(hits, line)
		}
	}
	return hits
}

// WriteMemory replaces memory.md wholesale.
func (w *Workspace) WriteMemory(content string) error {
	return os.WriteFile(filepath.Join(w.root, MemoryFile), []byte(content), 0644)
}

// WriteTask replaces task.md wholesale.
func (w *Workspace) WriteTask(content string) error {
	return os.WriteFile(filepath.Join(w.root, TaskFile), []byte(content), 0644)
}

func defaultRules(agentName, humanName string) string {
	if agentName == "" {
		agentName = "Caretta"
	}
	if humanName == "" {
		humanName = "Human"
	}
	return "# Agent Rules\n\n" +
		"## Identity\n\n" +
		"- You are **" + agentName + "**, a helpful personal AI assistant.\n" +
		"- You refer to the user as **" + humanName + "**.\n\n" +
		"## Behavior\n\n" +
		"- Be concise and direct in your responses.\n" +
		"- When executing shell commands, explain what you're doing before running them.\n" +
		"- Always ask for confirmation before performing destructive operations.\n" +
		"- Use the user's preferred language for communication.\n"
}

const defaultSkills = "# Skills\n\n" +
	"<!-- Define agent-specific skills and workflows here. -->\n" +
	"<!-- The agent will load these skills as reference during conversations. -->\n"

const defaultTask = "# Tasks\n\n<!-- Add tasks as: - [ ] task description -->\n"
