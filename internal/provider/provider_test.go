package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/transcript"
)

func turns(pairs ...string) []transcript.Turn {
	var out []transcript.Turn
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, transcript.Turn{Role: transcript.Role(pairs[i]), Content: pairs[i+1]})
	}
	return out
}

func TestOpenAICompatComplete(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 4},
		})
	}))
	defer srv.Close()

	p := newOpenAICompat("openai", "sk-test", srv.URL, srv.Client())
	res, err := p.Complete(context.Background(), Request{
		Model:           "gpt-4o-mini",
		Turns:           turns("system", "be brief", "user", "hello"),
		MaxOutputTokens: 256,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "hi there" || res.PromptTokens != 12 || res.CompletionTokens != 4 {
		t.Fatalf("res = %+v", res)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Fatalf("request messages = %+v", gotBody.Messages)
	}
}

func TestOpenAICompatErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))
		p := newOpenAICompat("openai", "sk-test", srv.URL, srv.Client())
		_, err := p.Complete(context.Background(), Request{Model: "m", Turns: turns("user", "x")})
		srv.Close()

		var pe *Error
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: err = %v, want *Error", tc.status, err)
		}
		if pe.Retryable != tc.retryable {
			t.Fatalf("status %d: retryable = %v, want %v", tc.status, pe.Retryable, tc.retryable)
		}
		if pe.Message != "nope" {
			t.Fatalf("status %d: message = %q", tc.status, pe.Message)
		}
	}
}

func TestAnthropicLiftsSystemTurns(t *testing.T) {
	var gotReq anthropicRequest
	var gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]string{{"type": "text", "text": "part one "}, {"type": "text", "text": "part two"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 30, "output_tokens": 8},
		})
	}))
	defer srv.Close()

	p := newAnthropicWithBase("anthropic", "sk-ant", srv.URL, srv.Client())
	res, err := p.Complete(context.Background(), Request{
		Model: "claude-3.5-haiku-20241022",
		Turns: turns("system", "you are terse", "user", "hello", "assistant", "hi", "user", "more"),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotReq.System != "you are terse" {
		t.Fatalf("system = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 3 {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
	if gotReq.MaxTokens != 8192 {
		t.Fatalf("max tokens default = %d", gotReq.MaxTokens)
	}
	if gotVersion == "" {
		t.Fatal("missing anthropic-version header")
	}
	if res.Text != "part one part two" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.PromptTokens != 30 || res.CompletionTokens != 8 {
		t.Fatalf("usage = %+v", res)
	}
}

type scriptedProvider struct {
	results []error
	calls   int
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Complete(context.Context, Request) (Result, error) {
	err := s.results[s.calls]
	s.calls++
	if err != nil {
		return Result{}, err
	}
	return Result{Text: "ok"}, nil
}

func TestCompleteWithRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	t.Run("retries transient then succeeds", func(t *testing.T) {
		p := &scriptedProvider{results: []error{
			&Error{Provider: "scripted", Status: 429, Retryable: true},
			&Error{Provider: "scripted", Status: 500, Retryable: true},
			nil,
		}}
		res, err := CompleteWithRetry(context.Background(), p, Request{}, policy)
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if res.Text != "ok" || p.calls != 3 {
			t.Fatalf("res = %+v, calls = %d", res, p.calls)
		}
	})

	t.Run("non-retryable fails immediately", func(t *testing.T) {
		p := &scriptedProvider{results: []error{
			&Error{Provider: "scripted", Status: 401, Retryable: false},
			nil,
		}}
		_, err := CompleteWithRetry(context.Background(), p, Request{}, policy)
		if err == nil || p.calls != 1 {
			t.Fatalf("err = %v, calls = %d", err, p.calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		p := &scriptedProvider{results: []error{
			&Error{Retryable: true}, &Error{Retryable: true}, &Error{Retryable: true},
		}}
		_, err := CompleteWithRetry(context.Background(), p, Request{}, policy)
		if !IsRetryable(err) {
			t.Fatalf("err = %v", err)
		}
		if p.calls != 3 {
			t.Fatalf("calls = %d, want 3", p.calls)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := &scriptedProvider{results: []error{&Error{Retryable: true}, nil}}
		_, err := CompleteWithRetry(ctx, p, Request{}, policy)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("openai", config.ProviderConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
	t.Setenv("TEST_PROVIDER_KEY", "sk-env")
	p, err := New("xai", config.ProviderConfig{APIKeyEnv: "TEST_PROVIDER_KEY"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "xai" {
		t.Fatalf("name = %q", p.Name())
	}
}
