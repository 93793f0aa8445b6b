package models

import (
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	r := NewRegistry("google")

	m, ok := r.Lookup("gemini-2.5-flash")
	if !ok {
		t.Fatal("expected gemini-2.5-flash in registry")
	}
	if m.Provider != "google" {
		t.Fatalf("provider = %q, want google", m.Provider)
	}
	if m.ContextWindow != 1_000_000 {
		t.Fatalf("context window = %d, want 1000000", m.ContextWindow)
	}

	if _, ok := r.Lookup("no-such-model"); ok {
		t.Fatal("unknown model should not resolve")
	}
}

func TestListFiltersByProvider(t *testing.T) {
	r := NewRegistry("google")
	for _, m := range r.List("anthropic") {
		if m.Provider != "anthropic" {
			t.Fatalf("got %s model %q in anthropic list", m.Provider, m.Name)
		}
	}
	if n := len(r.List("")); n != len(r.List("google"))+len(r.List("openai"))+len(r.List("anthropic"))+len(r.List("xai")) {
		t.Fatalf("full list length %d does not cover provider partitions", n)
	}
}

func TestResolveProvider(t *testing.T) {
	r := NewRegistry("google")
	cases := []struct {
		model string
		want  string
	}{
		{"gemini-2.5-pro", "google"},
		{"gemini-9.9-experimental", "google"},
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"claude-3.5-haiku-20241022", "anthropic"},
		{"claude-future", "anthropic"},
		{"grok-3", "xai"},
		{"meta-llama/llama-4", "openrouter"},
		{"mystery-model", "google"},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			if got := r.ResolveProvider(tc.model); got != tc.want {
				t.Fatalf("ResolveProvider(%q) = %q, want %q", tc.model, got, tc.want)
			}
		})
	}
}

func TestCost(t *testing.T) {
	r := NewRegistry("google")

	// gemini-2.5-flash: $0.15 in, $0.60 out per 1M.
	got := r.Cost("gemini-2.5-flash", 1_000_000, 1_000_000)
	if want := 0.75; got != want {
		t.Fatalf("cost = %v, want %v", got, want)
	}

	if c := r.Cost("no-such-model", 1_000_000, 1_000_000); c != 0 {
		t.Fatalf("unknown model cost = %v, want 0", c)
	}
}

func TestFormatList(t *testing.T) {
	r := NewRegistry("google")
	out := FormatList(r.List("openai"))
	if !strings.Contains(out, "OPENAI") {
		t.Fatalf("missing provider header:\n%s", out)
	}
	if !strings.Contains(out, "gpt-4o") {
		t.Fatalf("missing model row:\n%s", out)
	}
	if FormatList(nil) != "No models found." {
		t.Fatal("empty list message mismatch")
	}
}
