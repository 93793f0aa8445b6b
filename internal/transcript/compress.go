package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSkipped reports that a compression cycle was abandoned because the
// summarization call failed. The transcript is left untouched and the next
// qualifying event retries.
var ErrSkipped = errors.New("compression skipped")

// Summarizer condenses a sequence of turns into a single block of text.
// Workers implement it over their LLM provider.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Compressor decides when a transcript must shrink and rewrites it. It only
// runs between a completed assistant turn and the next user message, so no
// in-flight exchange is ever cut.
type Compressor struct {
	MaxTokens      int
	ThresholdRatio float64 // fraction of MaxTokens that triggers compression
	TargetRatio    float64 // fraction of MaxTokens to shrink toward
	MinRecentTurns int     // lower bound on the verbatim tail window
}

// Due reports whether the transcript has crossed the compression threshold.
func (c *Compressor) Due(t *Transcript) bool {
	return float64(t.TokenCount()) >= float64(c.MaxTokens)*c.ThresholdRatio
}

// Compress summarizes the older head of the transcript into one synthetic
// system turn and keeps the recent tail verbatim. Under the threshold it is
// a no-op. The swap is atomic: the new sequence is built fully before it
// replaces the old one, and on summarizer failure the transcript is
// unchanged and ErrSkipped is returned.
func (c *Compressor) Compress(ctx context.Context, t *Transcript, s Summarizer) error {
	if !c.Due(t) {
		return nil
	}

	head, tail := c.split(t.turns)
	if len(head) == 0 {
		// Everything is inside the tail window. A single oversized recent
		// exchange may push past the target; the tail is never dropped.
		return nil
	}

	summary, err := s.Summarize(ctx, head)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSkipped, err)
	}

	content := "Summary of earlier conversation:\n" + summary
	rebuilt := make([]Turn, 0, len(tail)+1)
	rebuilt = append(rebuilt, Turn{
		Role:      RoleSystem,
		Content:   content,
		Tokens:    EstimateTokens(content),
		Timestamp: time.Now().UTC(),
	})
	rebuilt = append(rebuilt, tail...)
	t.replace(rebuilt)
	return nil
}

// split partitions turns into (head, tail): the tail is the longest recent
// suffix whose token total stays under MaxTokens*TargetRatio, but never
// fewer than MinRecentTurns turns when that many exist.
func (c *Compressor) split(turns []Turn) (head, tail []Turn) {
	budget := int(float64(c.MaxTokens) * c.TargetRatio)
	cut := len(turns)
	total := 0
	for cut > 0 {
		next := total + turns[cut-1].Tokens
		if next > budget && len(turns)-cut >= c.MinRecentTurns {
			break
		}
		total = next
		cut--
	}
	return turns[:cut], turns[cut:]
}
