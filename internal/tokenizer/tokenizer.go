// Package tokenizer provides token counting for usage accounting.
package tokenizer

// Counter estimates the number of tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// Heuristic approximates token counts as one token per four bytes.
// Close enough for rate accounting without loading a real vocabulary.
type Heuristic struct{}

// Count returns len(text)/4, truncated. Strings shorter than four
// bytes count as zero tokens.
func (Heuristic) Count(text string) int {
	return len(text) / 4
}
