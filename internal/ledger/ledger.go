// Package ledger records per-call token usage to an append-only JSONL file
// and aggregates it into per-model totals.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caretta-ai/caretta/internal/models"
)

// Record is one LLM call. Records are appended and never rewritten.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	AgentID          string    `json:"agent_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
}

// ModelTotals aggregates all records for one model.
type ModelTotals struct {
	Requests         int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Ledger appends usage records to a JSONL file. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	path     string
	registry *models.Registry
}

// New opens a ledger at path, creating parent directories as needed.
func New(path string, registry *models.Registry) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{path: path, registry: registry}, nil
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append records one call. The cost is computed from the registry pricing;
// unknown models are recorded with zero cost.
func (l *Ledger) Append(agentID, model string, promptTokens, completionTokens int) (Record, error) {
	rec := Record{
		Timestamp:        time.Now().UTC(),
		AgentID:          agentID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          l.registry.Cost(model, promptTokens, completionTokens),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal usage record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Record{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("append usage record: %w", err)
	}
	return rec, nil
}

// Totals reads the whole ledger and aggregates by model. Agent filters to one
// agent when non-empty. Malformed lines are skipped so a partial write never
// poisons reporting.
func (l *Ledger) Totals(agent string) (map[string]ModelTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ModelTotals{}, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	totals := make(map[string]ModelTotals)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if agent != "" && rec.AgentID != agent {
			continue
		}
		t := totals[rec.Model]
		t.Requests++
		t.PromptTokens += rec.PromptTokens
		t.CompletionTokens += rec.CompletionTokens
		t.CostUSD += rec.CostUSD
		totals[rec.Model] = t
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return totals, nil
}

// FormatTotals renders a usage report for /usage and the CLI.
func FormatTotals(totals map[string]ModelTotals) string {
	if len(totals) == 0 {
		return "No usage recorded yet."
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%-35s %8s %12s %12s %10s\n", "Model", "Calls", "Input", "Output", "Cost")
	b.WriteString(strings.Repeat("-", 80) + "\n")

	var grand ModelTotals
	for _, name := range names {
		t := totals[name]
		fmt.Fprintf(&b, "%-35s %8d %12d %12d %10s\n",
			name, t.Requests, t.PromptTokens, t.CompletionTokens, fmt.Sprintf("$%.4f", t.CostUSD))
		grand.Requests += t.Requests
		grand.PromptTokens += t.PromptTokens
		grand.CompletionTokens += t.CompletionTokens
		grand.CostUSD += t.CostUSD
	}
	b.WriteString(strings.Repeat("-", 80) + "\n")
	fmt.Fprintf(&b, "%-35s %8d %12d %12d %10s",
		"TOTAL", grand.Requests, grand.PromptTokens, grand.CompletionTokens, fmt.Sprintf("$%.4f", grand.CostUSD))
	return b.String()
}
