package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caretta-ai/caretta/internal/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage", "ledger.jsonl")
	l, err := New(path, models.NewRegistry("google"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestAppendAndTotals(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.Append("main", "gemini-2.5-flash", 1000, 500); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append("main", "gemini-2.5-flash", 2000, 1000); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append("research", "gpt-4o", 100, 50); err != nil {
		t.Fatalf("Append: %v", err)
	}

	totals, err := l.Totals("")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	flash := totals["gemini-2.5-flash"]
	if flash.Requests != 2 || flash.PromptTokens != 3000 || flash.CompletionTokens != 1500 {
		t.Fatalf("flash totals = %+v", flash)
	}
	if _, ok := totals["gpt-4o"]; !ok {
		t.Fatal("missing gpt-4o totals")
	}

	byAgent, err := l.Totals("main")
	if err != nil {
		t.Fatalf("Totals(main): %v", err)
	}
	if len(byAgent) != 1 {
		t.Fatalf("filtered totals covers %d models, want 1", len(byAgent))
	}
}

func TestTotalsMissingFile(t *testing.T) {
	l := newTestLedger(t)
	totals, err := l.Totals("")
	if err != nil {
		t.Fatalf("Totals on empty ledger: %v", err)
	}
	if len(totals) != 0 {
		t.Fatalf("totals = %v, want empty", totals)
	}
}

func TestTotalsSkipsMalformedLines(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Append("main", "gemini-2.5-flash", 10, 5); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{truncated rec"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	totals, err := l.Totals("")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals["gemini-2.5-flash"].Requests != 1 {
		t.Fatalf("totals = %+v", totals)
	}
}

func TestCostFromRegistry(t *testing.T) {
	l := newTestLedger(t)
	rec, err := l.Append("main", "gemini-2.5-flash", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.CostUSD != 0.75 {
		t.Fatalf("cost = %v, want 0.75", rec.CostUSD)
	}

	unknown, err := l.Append("main", "mystery-model", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if unknown.CostUSD != 0 {
		t.Fatalf("unknown model cost = %v, want 0", unknown.CostUSD)
	}
}

func TestFormatTotals(t *testing.T) {
	if got := FormatTotals(nil); got != "No usage recorded yet." {
		t.Fatalf("empty report = %q", got)
	}
	out := FormatTotals(map[string]ModelTotals{
		"gpt-4o": {Requests: 3, PromptTokens: 300, CompletionTokens: 150, CostUSD: 0.01},
	})
	if !strings.Contains(out, "gpt-4o") || !strings.Contains(out, "TOTAL") {
		t.Fatalf("report missing rows:\n%s", out)
	}
}
