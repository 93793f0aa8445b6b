// Package provider adapts external LLM completion APIs behind a single
// interface. Provider variants that only differ in endpoint (xAI,
// OpenRouter, Gemini's compatibility surface) delegate to one shared
// OpenAI-compatible adapter parameterized by base URL rather than forming a
// hierarchy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/transcript"
)

// Request is one completion call.
type Request struct {
	Model           string
	Turns           []transcript.Turn
	MaxOutputTokens int
	Temperature     float64
}

// Result is the provider-neutral completion outcome.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Provider is a black-box completion service keyed by model name.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Result, error)
}

// Error is a classified provider failure. Retryable errors (rate limits,
// transient network or 5xx) qualify for backoff retry; the rest (auth,
// invalid model, malformed request) surface immediately.
type Error struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// Known OpenAI-compatible endpoints.
const (
	openAIBaseURL     = "https://api.openai.com/v1"
	xaiBaseURL        = "https://api.x.ai/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	geminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// New builds the adapter for a provider key from the config block.
// Unknown keys with a base_url override are treated as OpenAI-compatible.
func New(name string, cfg config.ProviderConfig) (Provider, error) {
	apiKey := config.ResolveSecret(cfg.APIKey, cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("provider %q: no API key configured", name)
	}

	client := &http.Client{Timeout: 120 * time.Second}

	base := cfg.BaseURL
	if base == "" {
		switch name {
		case "openai":
			base = openAIBaseURL
		case "xai":
			base = xaiBaseURL
		case "openrouter":
			base = openRouterBaseURL
		case "google":
			base = geminiBaseURL
		case "anthropic":
			return newAnthropic(name, apiKey, client), nil
		default:
			return nil, fmt.Errorf("provider %q: unknown and no base_url given", name)
		}
	} else if name == "anthropic" {
		return newAnthropicWithBase(name, apiKey, base, client), nil
	}
	return newOpenAICompat(name, apiKey, base, client), nil
}
