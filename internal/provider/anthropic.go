package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/caretta-ai/caretta/internal/transcript"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// anthropicProvider speaks the Messages API. System turns are lifted out of
// the message list into the top-level system field.
type anthropicProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

func newAnthropic(name, apiKey string, client *http.Client) *anthropicProvider {
	return newAnthropicWithBase(name, apiKey, anthropicBaseURL, client)
}

func newAnthropicWithBase(name, apiKey, baseURL string, client *http.Client) *anthropicProvider {
	return &anthropicProvider{name: name, apiKey: apiKey, baseURL: baseURL, client: client}
}

func (p *anthropicProvider) Name() string { return p.name }

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (Result, error) {
	system := ""
	msgs := make([]chatMessage, 0, len(req.Turns))
	for _, t := range req.Turns {
		if t.Role == transcript.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += t.Content
			continue
		}
		msgs = append(msgs, chatMessage{Role: string(t.Role), Content: t.Content})
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192 // the Messages API requires an explicit cap
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal messages request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Provider: p.name, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, &Error{Provider: p.name, Message: "read response: " + err.Error(), Retryable: true}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return Result{}, &Error{Provider: p.name, Message: "malformed response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return Result{}, &Error{
			Provider:  p.name,
			Status:    resp.StatusCode,
			Message:   msg,
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return Result{
		Text:             text,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		FinishReason:     parsed.StopReason,
	}, nil
}
