package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caretta-ai/caretta/internal/config"
)

// History appends executed commands to a bounded plain-text log in the
// agent's workspace. Recording failures never fail the command itself.
// countCheckInterval is how many appends pass between entry-count checks;
// the size bound is checked on every append via Stat.
const countCheckInterval = 64

type History struct {
	path         string
	appends      int
	maxEntries   int
	maxBytes     int64
	recordOutput bool
	outputMax    int
}

func NewHistory(path string, shell config.ShellConfig) *History {
	return &History{
		path:         path,
		maxEntries:   shell.HistoryMaxEntries,
		maxBytes:     int64(shell.HistoryMaxFileSizeMB) * 1024 * 1024,
		recordOutput: shell.HistoryRecordOutput,
		outputMax:    shell.HistoryOutputMaxChars,
	}
}

func (h *History) Path() string { return h.path }

// Record appends one entry and rotates the file when it outgrows the size
// bound (the oldest third of lines is dropped).
func (h *History) Record(res Result, verdict error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] $ %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), res.Command)
	fmt.Fprintf(&b, "exit_code: %d\n", res.ExitCode)
	switch {
	case verdict != nil:
		fmt.Fprintf(&b, "rejected: %s\n", verdict)
	case h.recordOutput:
		if res.Stdout != "" {
			fmt.Fprintf(&b, "stdout: %s\n", clip(res.Stdout, h.outputMax))
		}
		if res.Stderr != "" {
			fmt.Fprintf(&b, "stderr: %s\n", clip(res.Stderr, h.outputMax))
		}
	}
	b.WriteString("---\n")

	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	_, _ = f.WriteString(b.String())
	f.Close()

	h.rotate()
}

func (h *History) rotate() {
	info, err := os.Stat(h.path)
	if err != nil {
		return
	}
	oversize := h.maxBytes > 0 && info.Size() > h.maxBytes
	h.appends++
	checkCount := h.maxEntries > 0 && h.appends >= countCheckInterval
	if !oversize && !checkCount {
		return
	}
	h.appends = 0

	data, err := os.ReadFile(h.path)
	if err != nil {
		return
	}
	entries := strings.SplitAfter(string(data), "---\n")
	if n := len(entries); entries[n-1] == "" {
		entries = entries[:n-1]
	}
	overcount := h.maxEntries > 0 && len(entries) > h.maxEntries

	if !oversize && !overcount {
		return
	}
	// Drop at least the oldest third so rotation is not immediately due
	// again, more if the entry bound demands it.
	drop := len(entries) / 3
	if overcount && len(entries)-drop > h.maxEntries {
		drop = len(entries) - h.maxEntries
	}
	keep := entries[drop:]
	_ = os.WriteFile(h.path, []byte(strings.Join(keep, "")), 0644)
}

func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
