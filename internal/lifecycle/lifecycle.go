// Package lifecycle drives inference requests through their persisted
// state machine and keeps the aggregate counters consistent with it.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chungus/inference-gateway/internal/store"
)

// Tracker owns every request state transition. Callers never write
// request rows or counters directly.
//
// Transitions are one-way: pending, processing, then exactly one of
// completed or failed. The cancelled status exists in storage but no
// transition produces it yet.
type Tracker struct {
	requests    store.RequestStore
	models      store.ModelStore
	credentials store.CredentialStore
	logger      *log.Logger
	now         func() time.Time
}

// NewTracker returns a tracker writing through the given stores.
func NewTracker(s store.Store, logger *log.Logger) *Tracker {
	return &Tracker{
		requests:    s.Requests(),
		models:      s.Models(),
		credentials: s.Credentials(),
		logger:      logger,
		now:         time.Now,
	}
}

// Create persists a new pending request and returns it. The id is a
// fresh UUID.
func (t *Tracker) Create(ctx context.Context, cred *store.Credential, model *store.ModelConfig, prompt, systemPrompt string, params RequestParams) (*store.InferenceRequest, error) {
	req := &store.InferenceRequest{
		ID:           uuid.NewString(),
		CredentialID: cred.ID,
		ModelID:      model.ID,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
		TopP:         params.TopP,
		TopK:         params.TopK,
		Stream:       params.Stream,
		Status:       store.StatusPending,
		CreatedAt:    t.now().UTC(),
	}
	if err := t.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// RequestParams are the client-facing generation knobs recorded on the
// request row.
type RequestParams struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	TopK        *int
	Stream      bool
}

// MarkStarted moves the request into processing.
func (t *Tracker) MarkStarted(ctx context.Context, req *store.InferenceRequest) error {
	now := t.now().UTC()
	req.Status = store.StatusProcessing
	req.StartedAt = &now
	if err := t.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

// MarkCompleted records the final response and token counts, then
// bumps the model's and the credential's aggregate counters. The
// credential also gets its last-used timestamp refreshed.
func (t *Tracker) MarkCompleted(ctx context.Context, req *store.InferenceRequest, response string, inputTokens, outputTokens int, metadata store.JSONMap) error {
	now := t.now().UTC()
	req.Status = store.StatusCompleted
	req.Response = response
	req.InputTokens = inputTokens
	req.OutputTokens = outputTokens
	req.TotalTokens = inputTokens + outputTokens
	req.Metadata = metadata
	req.CompletedAt = &now
	if err := t.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if err := t.models.IncrementStats(ctx, req.ModelID, true, inputTokens, outputTokens); err != nil {
		t.logger.Printf("request %s: increment model stats: %v", req.ID, err)
	}
	if err := t.credentials.IncrementUsage(ctx, req.CredentialID, int64(req.TotalTokens), now); err != nil {
		t.logger.Printf("request %s: increment credential usage: %v", req.ID, err)
	}
	return nil
}

// MarkFailed records the failure. The model's error counter moves;
// credential usage counters deliberately do not, so credential totals
// reflect only successful work.
func (t *Tracker) MarkFailed(ctx context.Context, req *store.InferenceRequest, cause error) error {
	now := t.now().UTC()
	req.Status = store.StatusFailed
	req.ErrorMessage = cause.Error()
	req.CompletedAt = &now
	if err := t.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if err := t.models.IncrementStats(ctx, req.ModelID, false, 0, 0); err != nil {
		t.logger.Printf("request %s: increment model stats: %v", req.ID, err)
	}
	return nil
}
