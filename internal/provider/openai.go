package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// openAICompat speaks the chat-completions wire format shared by OpenAI,
// xAI, OpenRouter and Gemini's compatibility endpoint.
type openAICompat struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

func newOpenAICompat(name, apiKey, baseURL string, client *http.Client) *openAICompat {
	return &openAICompat{name: name, apiKey: apiKey, baseURL: baseURL, client: client}
}

func (p *openAICompat) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *openAICompat) Complete(ctx context.Context, req Request) (Result, error) {
	msgs := make([]chatMessage, 0, len(req.Turns))
	for _, t := range req.Turns {
		msgs = append(msgs, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Provider: p.name, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, &Error{Provider: p.name, Message: "read response: " + err.Error(), Retryable: true}
	}

	var parsed chatResponse
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
	if len(parsed.Choices) == 0 {
		return Result{}, &Error{Provider: p.name, Message: "response has no choices"}
	}

	choice := parsed.Choices[0]
	return Result{
		Text:             choice.Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		FinishReason:     choice.FinishReason,
	}, nil
}

// retryableStatus classifies HTTP failures: rate limiting and server-side
// errors are transient, everything else is a caller bug or auth problem.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
