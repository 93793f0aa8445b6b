package worker

import (
	"context"
	"fmt"
	"strings"

	dbg "github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/provider"
	"github.com/caretta-ai/caretta/internal/transcript"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

// maxToolRounds caps how many consecutive tool calls one inbound message may
// trigger before the worker gives up on the exchange.
const maxToolRounds = 10

// converse runs one full exchange: compression check, provider call loop
// with tool rounds, usage recording, and the final reply on the outbox.
// Provider and sandbox failures become conversational error replies; the
// worker stays available for the next message.
func (w *Worker) converse(ctx context.Context, content, source, chatID string) {
	reply := func(text string) {
		w.emit(protocol.Reply{AgentID: w.id, Content: text, Source: source, ChatID: chatID})
	}

	llm, err := w.resolveProvider()
	if err != nil {
		reply("Provider unavailable: " + err.Error())
		return
	}

	// Compression only fires between completed exchanges, before the new
	// user turn joins the transcript.
	if w.comp.Due(w.tr) {
		if err := w.compress(ctx); err != nil {
			dbg.LogKV("worker", "compress skipped", "agent", w.id, "error", err.Error())
		}
	}

	w.tr.Append(transcript.RoleUser, content)

	for round := 0; round < maxToolRounds; round++ {
		res, err := provider.CompleteWithRetry(ctx, llm, provider.Request{
			Model:           w.model,
			Turns:           w.promptTurns(),
			MaxOutputTokens: w.cfg.LLM.MaxOutputTokens,
			Temperature:     w.cfg.LLM.Temperature,
		}, provider.DefaultRetry)
		if err != nil {
			reply("Error talking to " + w.model + ": " + err.Error())
			return
		}
		w.recordUsage(w.model, res)

		call, isTool := parseToolCall(res.Text)
		if !isTool {
			text := res.Text
			if strings.TrimSpace(text) == "" {
				text = "(empty response)"
			}
			w.tr.Append(transcript.RoleAssistant, text)
			reply(text)
			return
		}

		w.tr.Append(transcript.RoleAssistant, res.Text)
		result := w.runTool(ctx, call)
		w.tr.Append(transcript.RoleUser, fmt.Sprintf("Tool result (%s):\n%s", call.Tool, result))
	}

	reply("Maximum tool call rounds reached. Please try again.")
}

// compress summarizes the transcript head through the configured compression
// model.
func (w *Worker) compress(ctx context.Context) error {
	model := w.cfg.Context.CompressModel
	if model == "" {
		model = w.model
	}
	llm, err := w.providers(model)
	if err != nil {
		return fmt.Errorf("%w: %v", transcript.ErrSkipped, err)
	}
	return w.comp.Compress(ctx, w.tr, &summarizer{w: w, llm: llm, model: model})
}

// summarizer adapts a provider into the compressor's summarization hook.
type summarizer struct {
	w     *Worker
	llm   provider.Provider
	model string
}

func (s *summarizer) Summarize(ctx context.Context, turns []transcript.Turn) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following conversation for future context. ")
	b.WriteString("Capture facts, decisions, user preferences and open items. Be dense and factual.\n\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
	}

	res, err := provider.CompleteWithRetry(ctx, s.llm, provider.Request{
		Model: s.model,
		Turns: []transcript.Turn{{Role: transcript.RoleUser, Content: b.String()}},
		// Summaries are bounded; there is no reason to spend the full cap.
		MaxOutputTokens: 2048,
		Temperature:     0.3,
	}, provider.DefaultRetry)
	if err != nil {
		return "", err
	}
	s.w.recordUsage(s.model, res)
	return res.Text, nil
}

// promptTurns prepends the (cached) system context to the transcript.
func (w *Worker) promptTurns() []transcript.Turn {
	if w.systemDirty {
		w.system = w.buildSystemPrompt()
		w.systemDirty = false
	}
	turns := w.tr.Turns()
	out := make([]transcript.Turn, 0, len(turns)+1)
	out = append(out, transcript.Turn{Role: transcript.RoleSystem, Content: w.system})
	return append(out, turns...)
}
