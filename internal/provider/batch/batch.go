// Package batch serves generation through locally loaded engines.
package batch

import (
	"context"
	"fmt"

	"github.com/chungus/inference-gateway/internal/engine"
	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/provider"
	"github.com/chungus/inference-gateway/internal/tokenizer"
)

// chunkSize is the slice width used when replaying a finished
// generation as a stream.
const chunkSize = 5

// Provider runs prompts against handles loaded by the engine registry.
type Provider struct {
	counter tokenizer.Counter
}

// New returns a batch provider using the given token counter.
func New(counter tokenizer.Counter) *Provider {
	return &Provider{counter: counter}
}

// Generate runs one blocking generation. Token counts are estimated
// from the prompt and completion text.
func (p *Provider) Generate(ctx context.Context, h *engine.Handle, prompt, _ string, _ []openai.ChatMessage, params provider.Params) (*provider.Result, error) {
	if h.Runner == nil {
		return nil, fmt.Errorf("model %s has no generation engine loaded", h.Model.Name)
	}
	opts := engine.GenerateOptions{
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	if params.TopP != nil {
		opts.TopP = *params.TopP
	}
	if params.TopK != nil {
		opts.TopK = *params.TopK
	}

	text, err := h.Runner.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return &provider.Result{
		Text:         text,
		InputTokens:  p.counter.Count(prompt),
		OutputTokens: p.counter.Count(text),
	}, nil
}

// GenerateStream generates the full completion, then replays it as
// fixed-width deltas. The engine has no incremental output, so the
// stream is presentation only.
func (p *Provider) GenerateStream(ctx context.Context, h *engine.Handle, prompt, system string, messages []openai.ChatMessage, params provider.Params) (<-chan provider.StreamEvent, error) {
	result, err := p.Generate(ctx, h, prompt, system, messages, params)
	if err != nil {
		return nil, err
	}

	events := make(chan provider.StreamEvent)
	go func() {
		defer close(events)
		// Slice on rune boundaries; byte slicing would split
		// multibyte UTF-8 sequences across deltas.
		runes := []rune(result.Text)
		for i := 0; i < len(runes); i += chunkSize {
			end := i + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			select {
			case events <- provider.StreamEvent{Delta: string(runes[i:end])}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case events <- provider.StreamEvent{Done: true, Result: result}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// Embed computes one vector per text through the handle's embedder.
func (p *Provider) Embed(ctx context.Context, h *engine.Handle, texts []string) ([][]float64, int, error) {
	if h.Embedder == nil {
		return nil, 0, fmt.Errorf("model %s has no embedding engine loaded", h.Model.Name)
	}
	vectors := make([][]float64, 0, len(texts))
	tokens := 0
	for _, text := range texts {
		vec, err := h.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, 0, err
		}
		if len(vec) == 0 {
			return nil, 0, fmt.Errorf("model %s returned an empty embedding", h.Model.Name)
		}
		vectors = append(vectors, vec)
		tokens += p.counter.Count(text)
	}
	return vectors, tokens, nil
}
