package transcript

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 1},
		{"ascii", strings.Repeat("a", 40), 11},
		{"non-ascii", strings.Repeat("日", 10), 6},
		{"mixed", strings.Repeat("a", 8) + strings.Repeat("é", 4), 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimateTokens(tc.in); got != tc.want {
				t.Fatalf("EstimateTokens = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAppendAndReset(t *testing.T) {
	tr := New()
	tr.Append(RoleUser, "hello")
	tr.Append(RoleAssistant, "hi there")

	if tr.Len() != 2 {
		t.Fatalf("len = %d, want 2", tr.Len())
	}
	if tr.TokenCount() <= 0 {
		t.Fatal("token count should be positive")
	}

	turns := tr.Turns()
	turns[0].Content = "mutated"
	if tr.Turns()[0].Content != "hello" {
		t.Fatal("Turns must return a copy")
	}

	tr.Reset()
	if tr.Len() != 0 {
		t.Fatalf("len after reset = %d, want 0", tr.Len())
	}
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	sawLast []Turn
}

func (f *fakeSummarizer) Summarize(_ context.Context, turns []Turn) (string, error) {
	f.calls++
	f.sawLast = turns
	return f.summary, f.err
}

func filled(n, tokensEach int) *Transcript {
	tr := New()
	// Each ASCII char is ~1/4 token, so pad accordingly.
	body := strings.Repeat("x", (tokensEach-1)*4)
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		tr.Append(role, body)
	}
	return tr
}

func TestCompressNoOpUnderThreshold(t *testing.T) {
	tr := filled(4, 10)
	c := &Compressor{MaxTokens: 1000, ThresholdRatio: 0.7, TargetRatio: 0.3, MinRecentTurns: 2}
	sum := &fakeSummarizer{summary: "irrelevant"}

	before := tr.Turns()
	if err := c.Compress(context.Background(), tr, sum); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if sum.calls != 0 {
		t.Fatal("summarizer must not run under threshold")
	}
	after := tr.Turns()
	if len(after) != len(before) {
		t.Fatalf("transcript changed: %d -> %d turns", len(before), len(after))
	}

	// Idempotent: a second invocation is still a no-op.
	if err := c.Compress(context.Background(), tr, sum); err != nil {
		t.Fatalf("second Compress: %v", err)
	}
	if tr.CompressionCount() != 0 {
		t.Fatalf("compressions = %d, want 0", tr.CompressionCount())
	}
}

func TestCompressSummarizesHeadKeepsTail(t *testing.T) {
	tr := filled(10, 10) // ~100 tokens
	c := &Compressor{MaxTokens: 100, ThresholdRatio: 0.7, TargetRatio: 0.3, MinRecentTurns: 2}
	sum := &fakeSummarizer{summary: "key facts"}

	lastTwo := tr.Turns()[8:]
	if err := c.Compress(context.Background(), tr, sum); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.calls)
	}

	turns := tr.Turns()
	if turns[0].Role != RoleSystem || !strings.Contains(turns[0].Content, "key facts") {
		t.Fatalf("first turn is not the summary: %+v", turns[0])
	}
	// The tail window computed at compression time survives verbatim.
	gotTail := turns[len(turns)-2:]
	for i := range gotTail {
		if gotTail[i].Content != lastTwo[i].Content || gotTail[i].Role != lastTwo[i].Role {
			t.Fatalf("tail turn %d rewritten: %+v", i, gotTail[i])
		}
	}
	if tr.CompressionCount() != 1 {
		t.Fatalf("compressions = %d, want 1", tr.CompressionCount())
	}
	if tr.TokenCount() >= 100 {
		t.Fatalf("transcript did not shrink: %d tokens", tr.TokenCount())
	}
}

func TestCompressFailureLeavesTranscriptUntouched(t *testing.T) {
	tr := filled(10, 10)
	c := &Compressor{MaxTokens: 100, ThresholdRatio: 0.7, TargetRatio: 0.3, MinRecentTurns: 2}
	sum := &fakeSummarizer{err: errors.New("provider down")}

	before := tr.Turns()
	err := c.Compress(context.Background(), tr, sum)
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("err = %v, want ErrSkipped", err)
	}

	after := tr.Turns()
	if len(after) != len(before) {
		t.Fatalf("transcript changed on failed compression")
	}
	for i := range after {
		if after[i].Content != before[i].Content {
			t.Fatalf("turn %d rewritten on failed compression", i)
		}
	}
	if tr.CompressionCount() != 0 {
		t.Fatal("failed compression must not count")
	}
}

func TestCompressOversizedTailNotDropped(t *testing.T) {
	tr := New()
	tr.Append(RoleUser, strings.Repeat("x", 400))      // ~101 tokens
	tr.Append(RoleAssistant, strings.Repeat("x", 400)) // ~101 tokens
	c := &Compressor{MaxTokens: 100, ThresholdRatio: 0.7, TargetRatio: 0.3, MinRecentTurns: 2}
	sum := &fakeSummarizer{summary: "unused"}

	if err := c.Compress(context.Background(), tr, sum); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	// Both turns sit inside the minimum tail window, so there is no head
	// to summarize and the transcript stays over target rather than losing
	// a recent turn.
	if sum.calls != 0 {
		t.Fatal("summarizer should not run with an empty head")
	}
	if tr.Len() != 2 {
		t.Fatalf("tail turns dropped: len = %d", tr.Len())
	}
}
