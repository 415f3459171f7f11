// Package provider defines the backend-neutral generation contract and
// its batch and remote-chat implementations.
package provider

import (
	"context"
	"fmt"

	"github.com/chungus/inference-gateway/internal/engine"
	"github.com/chungus/inference-gateway/internal/openai"
)

// Params carries resolved sampling parameters. Temperature and
// MaxTokens are always set by the caller; TopP and TopK stay nil when
// the client omitted them.
type Params struct {
	Temperature float64
	MaxTokens   int
	TopP        *float64
	TopK        *int
}

// Result is a finished generation with its token accounting.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// StreamEvent is one element of a generation stream. Exactly one of
// Delta, Result, or Err is meaningful; Done marks the final event.
type StreamEvent struct {
	Delta  string
	Done   bool
	Result *Result
	Err    error
}

// Provider generates text and embeddings through an engine handle.
type Provider interface {
	Generate(ctx context.Context, h *engine.Handle, prompt, system string, messages []openai.ChatMessage, params Params) (*Result, error)
	GenerateStream(ctx context.Context, h *engine.Handle, prompt, system string, messages []openai.ChatMessage, params Params) (<-chan StreamEvent, error)
	// Embed returns one vector per input text plus the prompt token
	// count across all inputs.
	Embed(ctx context.Context, h *engine.Handle, texts []string) ([][]float64, int, error)
}

// CallError reports a failed upstream call after retries are exhausted.
type CallError struct {
	Model      string
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream call for %s failed with status %d: %s", e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream call for %s failed: %s", e.Model, e.Message)
}
