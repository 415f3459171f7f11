// Package engine manages inference engine handles keyed by model name.
//
// Engines for the batch backend are expensive to construct, so the
// registry builds each one at most once and hands the cached handle to
// every subsequent request. Remote models carry no local state; their
// handle is just the upstream model identifier.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/chungus/inference-gateway/internal/store"
)

// GenerateOptions carries per-request sampling parameters.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	TopK        int
}

// Runner is a loaded generation engine.
type Runner interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	Close() error
}

// Embedder is a loaded embedding engine.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Close() error
}

// Factory constructs engines for batch-backend models. Implementations
// wrap whatever runtime actually loads the weights.
type Factory interface {
	NewRunner(ctx context.Context, model *store.ModelConfig) (Runner, error)
	NewEmbedder(ctx context.Context, model *store.ModelConfig) (Embedder, error)
}

// Handle is a cached, ready-to-use engine for one model.
// Exactly one of Runner/Embedder is set for batch models; remote models
// set neither and carry the upstream identifier in RemoteModel.
type Handle struct {
	Model       *store.ModelConfig
	Runner      Runner
	Embedder    Embedder
	RemoteModel string
}

// InitError wraps an engine construction failure with a remediation
// hint when the cause looks like a gated-repository auth problem.
type InitError struct {
	Model string
	Hint  string
	Err   error
}

func (e *InitError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("initialize engine for %s: %v. %s", e.Model, e.Err, e.Hint)
	}
	return fmt.Sprintf("initialize engine for %s: %v", e.Model, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func newInitError(model string, err error) *InitError {
	msg := strings.ToLower(err.Error())
	hint := ""
	if strings.Contains(msg, "gated") || strings.Contains(msg, "401") || strings.Contains(msg, "access") {
		hint = "This model may be gated. Set an access token on the model or export HF_TOKEN."
	}
	return &InitError{Model: model, Hint: hint, Err: err}
}
