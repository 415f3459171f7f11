// Package completion orchestrates chat completion and embedding
// requests: validation, prompt flattening, backend dispatch, lifecycle
// bookkeeping, and OpenAI response shaping.
package completion

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/chungus/inference-gateway/internal/engine"
	"github.com/chungus/inference-gateway/internal/lifecycle"
	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/provider"
	"github.com/chungus/inference-gateway/internal/store"
)

// Error is a client-facing failure with its HTTP status and OpenAI
// error taxonomy already resolved.
type Error struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func modelNotFound(name string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Type:    openai.ErrTypeInvalidRequest,
		Code:    openai.ErrCodeModelNotFound,
		Message: fmt.Sprintf("Model '%s' not found", name),
	}
}

func invalidMessages(msg string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    openai.ErrTypeInvalidRequest,
		Code:    openai.ErrCodeInvalidMessages,
		Message: msg,
	}
}

// serverError surfaces the cause's message to the client; stack traces
// and wrapped detail stay in the server log.
func serverError(cause error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Type:    openai.ErrTypeServer,
		Code:    openai.ErrCodeInternalError,
		Message: "Internal server error: " + cause.Error(),
	}
}

// CallRecorder tracks provider call latency per backend. Implemented
// by the metrics collector.
type CallRecorder interface {
	BackendCall(backend string, duration time.Duration, err error)
}

// Orchestrator wires models, engines, providers, and the request
// lifecycle behind the public API operations.
type Orchestrator struct {
	models    store.ModelStore
	registry  *engine.Registry
	providers map[string]provider.Provider
	tracker   *lifecycle.Tracker
	calls     CallRecorder
	logger    *log.Logger
}

// New builds an orchestrator. The providers map is keyed by backend
// name.
func New(models store.ModelStore, registry *engine.Registry, providers map[string]provider.Provider, tracker *lifecycle.Tracker, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		models:    models,
		registry:  registry,
		providers: providers,
		tracker:   tracker,
		logger:    logger,
	}
}

// SetCallRecorder enables per-backend call accounting. Nil disables it.
func (o *Orchestrator) SetCallRecorder(r CallRecorder) {
	o.calls = r
}

// recordCall reports one finished provider call to the recorder.
func (o *Orchestrator) recordCall(backend string, start time.Time, err error) {
	if o.calls != nil {
		o.calls.BackendCall(backend, time.Since(start), err)
	}
}

// flatten resolves the system prompt and folds the conversation into a
// single prompt string. The last system message wins; every other
// message becomes a "<Role>: <content>" block, joined by blank lines,
// with the system prompt leading when present.
func flatten(messages []openai.ChatMessage) (prompt, system string) {
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
		}
	}

	var blocks []string
	if system != "" {
		blocks = append(blocks, "System: "+system)
	}
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		blocks = append(blocks, role+": "+m.Content)
	}
	return strings.Join(blocks, "\n\n"), system
}

// resolve validates the request and loads the model it names.
func (o *Orchestrator) resolve(ctx context.Context, req *openai.ChatCompletionRequest) (*store.ModelConfig, error) {
	if len(req.Messages) == 0 {
		return nil, invalidMessages("messages must be a non-empty array")
	}
	model, err := o.models.GetByName(ctx, req.Model)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, modelNotFound(req.Model)
		}
		return nil, fmt.Errorf("look up model %s: %w", req.Model, err)
	}
	if !model.Active {
		return nil, modelNotFound(req.Model)
	}
	return model, nil
}

// params fills client-omitted sampling knobs from the model's defaults.
func params(model *store.ModelConfig, req *openai.ChatCompletionRequest) provider.Params {
	p := provider.Params{
		Temperature: model.DefaultTemperature,
		MaxTokens:   model.DefaultMaxTokens,
		TopP:        req.TopP,
		TopK:        req.TopK,
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}
	return p
}

func (o *Orchestrator) providerFor(model *store.ModelConfig) (provider.Provider, error) {
	p, ok := o.providers[model.Backend]
	if !ok {
		return nil, fmt.Errorf("no provider registered for backend %s", model.Backend)
	}
	return p, nil
}

// Complete handles a non-streaming chat completion end to end.
func (o *Orchestrator) Complete(ctx context.Context, cred *store.Credential, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	model, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	prov, err := o.providerFor(model)
	if err != nil {
		return nil, err
	}

	prompt, system := flatten(req.Messages)
	record, err := o.tracker.Create(ctx, cred, model, prompt, system, lifecycle.RequestParams{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		TopK:        req.TopK,
	})
	if err != nil {
		return nil, err
	}
	if err := o.tracker.MarkStarted(ctx, record); err != nil {
		// Close out the record so it is not left non-terminal.
		return nil, o.fail(ctx, record, err)
	}

	handle, err := o.registry.GetOrCreate(ctx, model)
	if err != nil {
		return nil, o.fail(ctx, record, err)
	}
	callStart := time.Now()
	result, err := prov.Generate(ctx, handle, prompt, system, req.Messages, params(model, req))
	o.recordCall(model.Backend, callStart, err)
	if err != nil {
		return nil, o.fail(ctx, record, err)
	}

	elapsed := time.Since(record.CreatedAt)
	meta := store.JSONMap{
		"backend":            model.Backend,
		"processing_time_ms": elapsed.Milliseconds(),
	}
	if err := o.tracker.MarkCompleted(ctx, record, result.Text, result.InputTokens, result.OutputTokens, meta); err != nil {
		o.logger.Printf("request %s: record completion: %v", record.ID, err)
	}

	resp := openai.NewCompletionResponse(
		"chatcmpl-"+record.ID,
		model.Name,
		record.CreatedAt.Unix(),
		result.Text,
		openai.UsageBreakdown{
			PromptTokens:     result.InputTokens,
			CompletionTokens: result.OutputTokens,
			TotalTokens:      result.InputTokens + result.OutputTokens,
		},
	)
	return &resp, nil
}

// fail records the failure and converts it into the server error
// envelope carrying the cause's message.
func (o *Orchestrator) fail(ctx context.Context, record *store.InferenceRequest, cause error) error {
	o.logger.Printf("request %s failed: %v", record.ID, cause)
	if err := o.tracker.MarkFailed(ctx, record, cause); err != nil {
		o.logger.Printf("request %s: record failure: %v", record.ID, err)
	}
	return serverError(cause)
}

// CompleteStream handles a streaming chat completion. Each chunk is
// handed to send as one SSE payload; the caller appends the [DONE]
// sentinel after CompleteStream returns. An error return means nothing
// was sent and the caller should respond with a plain error envelope.
func (o *Orchestrator) CompleteStream(ctx context.Context, cred *store.Credential, req *openai.ChatCompletionRequest, send func(v interface{}) error) error {
	model, err := o.resolve(ctx, req)
	if err != nil {
		return err
	}
	prov, err := o.providerFor(model)
	if err != nil {
		return err
	}

	prompt, system := flatten(req.Messages)
	record, err := o.tracker.Create(ctx, cred, model, prompt, system, lifecycle.RequestParams{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stream:      true,
	})
	if err != nil {
		return err
	}
	if err := o.tracker.MarkStarted(ctx, record); err != nil {
		return o.fail(ctx, record, err)
	}

	handle, err := o.registry.GetOrCreate(ctx, model)
	if err != nil {
		return o.fail(ctx, record, err)
	}
	callStart := time.Now()
	events, err := prov.GenerateStream(ctx, handle, prompt, system, req.Messages, params(model, req))
	if err != nil {
		o.recordCall(model.Backend, callStart, err)
		return o.fail(ctx, record, err)
	}

	id := "chatcmpl-" + record.ID
	created := record.CreatedAt.Unix()
	for ev := range events {
		switch {
		case ev.Err != nil:
			// The stream is already open; surface the failure as an
			// error-shaped chunk instead of an HTTP error. Partial
			// streamed text is not persisted.
			o.recordCall(model.Backend, callStart, ev.Err)
			o.logger.Printf("request %s stream failed: %v", record.ID, ev.Err)
			if err := o.tracker.MarkFailed(ctx, record, ev.Err); err != nil {
				o.logger.Printf("request %s: record failure: %v", record.ID, err)
			}
			envelope := openai.NewError(ev.Err.Error(), openai.ErrTypeServer, openai.ErrCodeGenerationError)
			if err := send(envelope); err != nil {
				return nil
			}
			return nil
		case ev.Done:
			o.recordCall(model.Backend, callStart, nil)
			result := ev.Result
			elapsed := time.Since(record.CreatedAt)
			meta := store.JSONMap{
				"backend":            model.Backend,
				"processing_time_ms": elapsed.Milliseconds(),
			}
			if err := o.tracker.MarkCompleted(ctx, record, result.Text, result.InputTokens, result.OutputTokens, meta); err != nil {
				o.logger.Printf("request %s: record completion: %v", record.ID, err)
			}
			final := openai.NewFinalChunk(id, model.Name, created, openai.UsageBreakdown{
				PromptTokens:     result.InputTokens,
				CompletionTokens: result.OutputTokens,
				TotalTokens:      result.InputTokens + result.OutputTokens,
			})
			if err := send(final); err != nil {
				return nil
			}
			return nil
		default:
			if err := send(openai.NewContentChunk(id, model.Name, created, ev.Delta)); err != nil {
				// Client went away mid-stream; the generation keeps
				// its record but we stop forwarding.
				o.logger.Printf("request %s: client disconnected: %v", record.ID, err)
				return nil
			}
		}
	}

	// Channel closed without a terminal event.
	return o.fail(ctx, record, fmt.Errorf("stream ended without completion"))
}

// Embeddings resolves the model and computes vectors for every input
// text. Embedding calls are not recorded as inference requests.
func (o *Orchestrator) Embeddings(ctx context.Context, cred *store.Credential, req *openai.EmbeddingRequest) (*openai.EmbeddingResponse, error) {
	texts := req.Texts()
	if len(texts) == 0 {
		return nil, &Error{
			Status:  http.StatusBadRequest,
			Type:    openai.ErrTypeInvalidRequest,
			Code:    openai.ErrCodeInvalidJSON,
			Message: "input must be a string or a non-empty array of strings",
		}
	}
	model, err := o.models.GetByName(ctx, req.Model)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, modelNotFound(req.Model)
		}
		return nil, fmt.Errorf("look up model %s: %w", req.Model, err)
	}
	if !model.Active {
		return nil, modelNotFound(req.Model)
	}
	prov, err := o.providerFor(model)
	if err != nil {
		return nil, err
	}

	handle, err := o.registry.GetOrCreateEmbedding(ctx, model)
	if err != nil {
		o.logger.Printf("embeddings for %s: %v", model.Name, err)
		return nil, serverError(err)
	}
	callStart := time.Now()
	vectors, tokens, err := prov.Embed(ctx, handle, texts)
	o.recordCall(model.Backend, callStart, err)
	if err != nil {
		o.logger.Printf("embeddings for %s: %v", model.Name, err)
		return nil, serverError(err)
	}

	resp := openai.NewEmbeddingResponse(model.Name, vectors, tokens)
	return &resp, nil
}
