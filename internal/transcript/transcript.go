// Package transcript holds a worker's conversation history and the
// compression policy that keeps it inside a model's token budget.
package transcript

import (
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the conversation. Turns are only removed as a whole
// by compression or reset, never individually.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// EstimateTokens approximates the token count of a string without calling a
// tokenizer: roughly 4 chars per token for ASCII text, 2 per token for
// everything else, plus one for message overhead.
func EstimateTokens(s string) int {
	ascii, other := 0, 0
	for _, r := range s {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	return ascii/4 + other/2 + 1
}

// Transcript is an ordered turn sequence owned by a single worker. It is not
// safe for concurrent use; the owning worker serializes all access.
type Transcript struct {
	turns        []Turn
	compressions int
}

func New() *Transcript {
	return &Transcript{}
}

// Append adds a turn with an estimated token count.
func (t *Transcript) Append(role Role, content string) {
	t.turns = append(t.turns, Turn{
		Role:      role,
		Content:   content,
		Tokens:    EstimateTokens(content),
		Timestamp: time.Now().UTC(),
	})
}

// Turns returns a copy of the current turn sequence.
func (t *Transcript) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

func (t *Transcript) Len() int {
	return len(t.turns)
}

// TokenCount sums the token estimates of all turns.
func (t *Transcript) TokenCount() int {
	total := 0
	for _, turn := range t.turns {
		total += turn.Tokens
	}
	return total
}

// Reset clears the whole sequence. The compression counter survives so stats
// reflect the lifetime of the worker, not of the current context.
func (t *Transcript) Reset() {
	t.turns = nil
}

// CompressionCount reports how many compressions have rewritten this
// transcript.
func (t *Transcript) CompressionCount() int {
	return t.compressions
}

// replace swaps in a fully built turn sequence. Used by the compressor so the
// transcript is never observed half rewritten.
func (t *Transcript) replace(turns []Turn) {
	t.turns = turns
	t.compressions++
}
