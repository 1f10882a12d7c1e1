// Package tokenizer approximates token usage for reporting. Counts come from
// the cl100k_base encoding and are scaled by a configurable multiplier before
// being reported; the multiplier never affects upstream limits.
package tokenizer

import (
	"log"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

// Counter counts tokens in text. Safe for concurrent use.
type Counter struct {
	enc        *tiktoken.Tiktoken
	multiplier float64
}

// NewCounter builds a counter. multiplier <= 0 is treated as 1.0. If the
// encoding cannot be loaded the counter falls back to a chars/4 estimate.
func NewCounter(multiplier float64) *Counter {
	if multiplier <= 0 {
		multiplier = 1.0
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		log.Printf("⚠️ tokenizer init failed, using estimate: %v", err)
		enc = nil
	}
	return &Counter{enc: enc, multiplier: multiplier}
}

// Count returns the raw token count for text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountScaled returns the multiplier-adjusted count for text.
func (c *Counter) CountScaled(text string) int {
	return c.Scale(c.Count(text))
}

// Scale applies the configured multiplier to a raw count.
func (c *Counter) Scale(n int) int {
	scaled := int(float64(n) * c.multiplier)
	if n > 0 && scaled < 1 {
		return 1
	}
	return scaled
}
