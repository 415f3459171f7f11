// Package warmup keeps flagged models resident by issuing a tiny
// completion on a fixed interval.
package warmup

import (
	"context"
	"log"
	"time"

	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/store"
)

// DefaultInterval is how often warm-keep completions are issued.
const DefaultInterval = 180 * time.Second

// warmPrompt is deliberately trivial; the point is touching the
// engine, not the answer.
const warmPrompt = "what is 1 + 1"

const warmMaxTokens = 10

// Completer issues one chat completion; satisfied by the completion
// orchestrator.
type Completer interface {
	Complete(ctx context.Context, cred *store.Credential, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

// Runner periodically warms every active model flagged warm_keep.
type Runner struct {
	completer   Completer
	models      store.ModelStore
	credentials store.CredentialStore
	interval    time.Duration
	logger      *log.Logger
}

// NewRunner builds a runner. A non-positive interval falls back to
// DefaultInterval.
func NewRunner(completer Completer, s store.Store, interval time.Duration, logger *log.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		completer:   completer,
		models:      s.Models(),
		credentials: s.Credentials(),
		interval:    interval,
		logger:      logger,
	}
}

// Run blocks, warming models every interval until ctx is cancelled.
// The first pass runs immediately.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Printf("warm-keep runner started, interval %s", r.interval)
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-ctx.Done():
			r.logger.Printf("warm-keep runner stopped")
			return
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	cred, err := r.firstActiveCredential(ctx)
	if err != nil {
		r.logger.Printf("warm-keep: no usable credential: %v", err)
		return
	}

	models, err := r.models.List(ctx, true)
	if err != nil {
		r.logger.Printf("warm-keep: list models: %v", err)
		return
	}
	for i := range models {
		m := &models[i]
		if !m.WarmKeep {
			continue
		}
		maxTokens := warmMaxTokens
		_, err := r.completer.Complete(ctx, cred, &openai.ChatCompletionRequest{
			Model:     m.Name,
			Messages:  []openai.ChatMessage{{Role: "user", Content: warmPrompt}},
			MaxTokens: &maxTokens,
		})
		if err != nil {
			r.logger.Printf("warm-keep: model %s: %v", m.Name, err)
			continue
		}
		r.logger.Printf("warm-keep: model %s ok", m.Name)
	}
}

func (r *Runner) firstActiveCredential(ctx context.Context) (*store.Credential, error) {
	creds, err := r.credentials.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range creds {
		if creds[i].Active {
			return &creds[i], nil
		}
	}
	return nil, store.ErrNotFound
}
