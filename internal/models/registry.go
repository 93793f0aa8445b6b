// Package models holds the preset model registry and pricing table.
//
// The registry is an explicitly constructed, immutable value handed to the
// components that need it (workers, the ledger, the CLI) rather than a
// process-wide singleton.
package models

import (
	"fmt"
	"sort"
	"strings"
)

// Info describes a single LLM model.
type Info struct {
	Name          string
	Provider      string
	ContextWindow int
	// InputPricePer1M and OutputPricePer1M are USD per million tokens.
	InputPricePer1M  float64
	OutputPricePer1M float64
	Description      string
}

// Registry is an immutable lookup of known models.
type Registry struct {
	byName   map[string]Info
	ordered  []Info
	fallback string // default provider for unknown model names
}

// NewRegistry builds the preset registry. The fallback provider is used by
// ResolveProvider when a model name matches no preset and no heuristic.
func NewRegistry(fallbackProvider string) *Registry {
	presets := []Info{
		// Google Gemini
		{"gemini-2.5-pro", "google", 1_000_000, 1.25, 10.0, "Most capable reasoning model"},
		{"gemini-2.5-flash", "google", 1_000_000, 0.15, 0.60, "Best price-performance (default)"},
		{"gemini-2.0-flash", "google", 1_000_000, 0.10, 0.40, "Fast responses"},
		{"gemini-2.0-flash-lite", "google", 1_000_000, 0.075, 0.30, "Lowest cost"},
		{"gemini-1.5-pro", "google", 2_000_000, 1.25, 5.00, "Long context"},
		{"gemini-1.5-flash", "google", 1_000_000, 0.075, 0.30, "Lightweight fast"},

		// OpenAI
		{"gpt-4o", "openai", 128_000, 2.50, 10.00, "Flagship multimodal"},
		{"gpt-4o-mini", "openai", 128_000, 0.15, 0.60, "Small and fast"},
		{"gpt-4.1", "openai", 1_000_000, 2.00, 8.00, "Latest flagship"},
		{"gpt-4.1-mini", "openai", 1_000_000, 0.40, 1.60, "Balanced"},
		{"gpt-4.1-nano", "openai", 1_000_000, 0.10, 0.40, "Fastest and cheapest"},
		{"o3", "openai", 200_000, 10.00, 40.00, "Advanced reasoning"},
		{"o3-mini", "openai", 200_000, 1.10, 4.40, "Efficient reasoning"},
		{"o4-mini", "openai", 200_000, 1.10, 4.40, "Latest reasoning"},

		// Anthropic
		{"claude-sonnet-4-20250514", "anthropic", 200_000, 3.00, 15.00, "Latest Sonnet"},
		{"claude-3.5-sonnet-20241022", "anthropic", 200_000, 3.00, 15.00, "Sonnet 3.5"},
		{"claude-3.5-haiku-20241022", "anthropic", 200_000, 0.80, 4.00, "Fast and affordable"},

		// xAI
		{"grok-3", "xai", 131_072, 3.00, 15.00, "Flagship Grok"},
		{"grok-3-mini", "xai", 131_072, 0.30, 0.50, "Fast Grok"},
	}

	byName := make(map[string]Info, len(presets))
	for _, m := range presets {
		byName[m.Name] = m
	}
	return &Registry{byName: byName, ordered: presets, fallback: fallbackProvider}
}

// Lookup returns the preset info for a model name.
func (r *Registry) Lookup(name string) (Info, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// List returns known models, optionally filtered by provider.
func (r *Registry) List(provider string) []Info {
	if provider == "" {
		out := make([]Info, len(r.ordered))
		copy(out, r.ordered)
		return out
	}
	var out []Info
	for _, m := range r.ordered {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// Providers returns the distinct provider names in the registry, sorted.
func (r *Registry) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.ordered {
		if !seen[m.Provider] {
			seen[m.Provider] = true
			out = append(out, m.Provider)
		}
	}
	sort.Strings(out)
	return out
}

// Pricing returns (input, output) USD price per million tokens for a model,
// or ok=false for unknown models (which are billed at zero).
func (r *Registry) Pricing(name string) (in, out float64, ok bool) {
	m, found := r.byName[name]
	if !found {
		return 0, 0, false
	}
	return m.InputPricePer1M, m.OutputPricePer1M, true
}

// Cost computes the USD cost of one call against a model's pricing. Unknown
// models cost zero.
func (r *Registry) Cost(name string, promptTokens, completionTokens int) float64 {
	in, out, ok := r.Pricing(name)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1_000_000*in + float64(completionTokens)/1_000_000*out
}

// ResolveProvider determines which provider serves a model name: the preset
// entry when known, otherwise a name-prefix heuristic, otherwise the
// registry's fallback provider.
func (r *Registry) ResolveProvider(name string) string {
	if m, ok := r.byName[name]; ok {
		return m.Provider
	}
	switch {
	case strings.HasPrefix(name, "gemini"):
		return "google"
	case strings.HasPrefix(name, "gpt"), strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		return "openai"
	case strings.HasPrefix(name, "claude"):
		return "anthropic"
	case strings.HasPrefix(name, "grok"):
		return "xai"
	case strings.Contains(name, "/"):
		// Vendor-prefixed names route through the aggregator.
		return "openrouter"
	}
	return r.fallback
}

// FormatList renders a model table grouped by provider for /model list and
// the CLI.
func FormatList(models []Info) string {
	if len(models) == 0 {
		return "No models found."
	}

	var b strings.Builder
	current := ""
	for _, m := range models {
		if m.Provider != current {
			if current != "" {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s\n", strings.ToUpper(m.Provider))
			fmt.Fprintf(&b, "%-35s %10s %12s %12s\n", "Model", "Context", "Input $/1M", "Output $/1M")
			b.WriteString(strings.Repeat("-", 72) + "\n")
			current = m.Provider
		}
		ctx := fmt.Sprintf("%dK", m.ContextWindow/1000)
		if m.ContextWindow >= 1_000_000 {
			ctx = fmt.Sprintf("%dM", m.ContextWindow/1_000_000)
		}
		fmt.Fprintf(&b, "%-35s %10s %12s %12s\n",
			m.Name, ctx,
			fmt.Sprintf("$%.3f", m.InputPricePer1M),
			fmt.Sprintf("$%.3f", m.OutputPricePer1M),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}
