package completion

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/chungus/inference-gateway/internal/engine"
	"github.com/chungus/inference-gateway/internal/lifecycle"
	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/provider"
	"github.com/chungus/inference-gateway/internal/store"
	"github.com/chungus/inference-gateway/internal/store/sqlite"
)

// stubProvider returns canned results and streams.
type stubProvider struct {
	result *provider.Result
	events []provider.StreamEvent
	err    error
}

func (s *stubProvider) Generate(context.Context, *engine.Handle, string, string, []openai.ChatMessage, provider.Params) (*provider.Result, error) {
	return s.result, s.err
}

func (s *stubProvider) GenerateStream(context.Context, *engine.Handle, string, string, []openai.ChatMessage, provider.Params) (<-chan provider.StreamEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan provider.StreamEvent, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Embed(_ context.Context, _ *engine.Handle, texts []string) ([][]float64, int, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	vecs := make([][]float64, len(texts))
	for i := range vecs {
		vecs[i] = []float64{0.1, 0.2}
	}
	return vecs, len(texts), nil
}

type nopFactory struct{}

func (nopFactory) NewRunner(context.Context, *store.ModelConfig) (engine.Runner, error) {
	return nil, errors.New("not used")
}
func (nopFactory) NewEmbedder(context.Context, *store.ModelConfig) (engine.Embedder, error) {
	return nil, errors.New("not used")
}

type fixture struct {
	orch  *Orchestrator
	store store.Store
	cred  *store.Credential
	model *store.ModelConfig
}

func setup(t *testing.T, prov provider.Provider) *fixture {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	cred := &store.Credential{Name: "test", Active: true}
	if err := s.Credentials().Create(ctx, cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	// Remote-chat backend so the registry never needs a real factory.
	model := &store.ModelConfig{
		Name: "test-model", ModelPath: "test:latest",
		Backend: store.BackendRemoteChat, Active: true,
		DefaultTemperature: 0.7, DefaultMaxTokens: 512,
	}
	if err := s.Models().Create(ctx, model); err != nil {
		t.Fatalf("create model: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	registry := engine.NewRegistry(nopFactory{}, logger)
	tracker := lifecycle.NewTracker(s, logger)
	orch := New(s.Models(), registry, map[string]provider.Provider{
		store.BackendRemoteChat: prov,
	}, tracker, logger)
	return &fixture{orch: orch, store: s, cred: cred, model: model}
}

func TestFlatten(t *testing.T) {
	prompt, system := flatten([]openai.ChatMessage{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "A"},
		{Role: "assistant", Content: "B"},
		{Role: "user", Content: "C"},
	})
	if system != "S" {
		t.Errorf("system = %q, want S", system)
	}
	want := "System: S\n\nUser: A\n\nAssistant: B\n\nUser: C"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
}

func TestFlattenLastSystemWins(t *testing.T) {
	_, system := flatten([]openai.ChatMessage{
		{Role: "system", Content: "first"},
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "second"},
	})
	if system != "second" {
		t.Errorf("system = %q, want second", system)
	}
}

func TestFlattenNoSystem(t *testing.T) {
	prompt, system := flatten([]openai.ChatMessage{{Role: "user", Content: "hi"}})
	if system != "" {
		t.Errorf("system = %q, want empty", system)
	}
	if prompt != "User: hi" {
		t.Errorf("prompt = %q, want \"User: hi\"", prompt)
	}
}

func TestCompleteShapesResponse(t *testing.T) {
	f := setup(t, &stubProvider{result: &provider.Result{Text: "hello there", InputTokens: 9, OutputTokens: 4}})
	ctx := context.Background()

	resp, err := f.orch.Complete(ctx, f.cred, &openai.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ID) <= len("chatcmpl-") || resp.ID[:9] != "chatcmpl-" {
		t.Errorf("ID = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("Object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("got %d choices", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message.Role != "assistant" || choice.Message.Content != "hello there" {
		t.Errorf("message = %+v", choice.Message)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	// The persisted record reached completed with matching tokens.
	id := resp.ID[len("chatcmpl-"):]
	rec, err := f.store.Requests().Get(ctx, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != store.StatusCompleted {
		t.Errorf("status = %q", rec.Status)
	}
	if rec.TotalTokens != rec.InputTokens+rec.OutputTokens {
		t.Errorf("token invariant broken: %d != %d + %d", rec.TotalTokens, rec.InputTokens, rec.OutputTokens)
	}
}

func TestCompleteUnknownModel(t *testing.T) {
	f := setup(t, &stubProvider{})
	_, err := f.orch.Complete(context.Background(), f.cred, &openai.ChatCompletionRequest{
		Model:    "nope",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != openai.ErrCodeModelNotFound {
		t.Errorf("got status %d code %q", apiErr.Status, apiErr.Code)
	}
}

func TestCompleteInactiveModelLeavesNoRecord(t *testing.T) {
	f := setup(t, &stubProvider{})
	ctx := context.Background()
	f.model.Active = false
	if err := f.store.Models().Update(ctx, f.model); err != nil {
		t.Fatalf("deactivate model: %v", err)
	}

	_, err := f.orch.Complete(ctx, f.cred, &openai.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != openai.ErrCodeModelNotFound {
		t.Fatalf("expected model_not_found, got %v", err)
	}

	n, err := f.store.Requests().CountSince(ctx, f.cred.ID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("found %d request rows, want 0", n)
	}
}

func TestCompleteEmptyMessages(t *testing.T) {
	f := setup(t, &stubProvider{})
	_, err := f.orch.Complete(context.Background(), f.cred, &openai.ChatCompletionRequest{Model: "test-model"})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != openai.ErrCodeInvalidMessages {
		t.Fatalf("expected invalid_messages, got %v", err)
	}
}

func TestCompleteFailureMarksRecordFailed(t *testing.T) {
	f := setup(t, &stubProvider{err: errors.New("runner exploded")})
	ctx := context.Background()

	_, err := f.orch.Complete(ctx, f.cred, &openai.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError || apiErr.Code != openai.ErrCodeInternalError {
		t.Errorf("got status %d code %q", apiErr.Status, apiErr.Code)
	}
	if apiErr.Message != "Internal server error: runner exploded" {
		t.Errorf("message = %q, want the cause included", apiErr.Message)
	}

	m, err := f.store.Models().Get(ctx, f.model.ID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if m.TotalErrors != 1 {
		t.Errorf("model errors = %d, want 1", m.TotalErrors)
	}
}

// flakyUpdateStore fails the first request Update, which is the
// transition into processing. It remembers the last created id so the
// test can inspect the row afterwards.
type flakyUpdateStore struct {
	store.Store
	failed bool
	lastID string
}

func (s *flakyUpdateStore) Requests() store.RequestStore {
	return &flakyUpdateRequests{RequestStore: s.Store.Requests(), parent: s}
}

type flakyUpdateRequests struct {
	store.RequestStore
	parent *flakyUpdateStore
}

func (r *flakyUpdateRequests) Create(ctx context.Context, req *store.InferenceRequest) error {
	r.parent.lastID = req.ID
	return r.RequestStore.Create(ctx, req)
}

func (r *flakyUpdateRequests) Update(ctx context.Context, req *store.InferenceRequest) error {
	if !r.parent.failed {
		r.parent.failed = true
		return errors.New("connection reset")
	}
	return r.RequestStore.Update(ctx, req)
}

func TestCompleteStartFailureClosesRecord(t *testing.T) {
	f := setup(t, &stubProvider{result: &provider.Result{Text: "ok", InputTokens: 1, OutputTokens: 1}})
	ctx := context.Background()

	flaky := &flakyUpdateStore{Store: f.store}
	logger := log.New(io.Discard, "", 0)
	orch := New(f.store.Models(), engine.NewRegistry(nopFactory{}, logger),
		map[string]provider.Provider{store.BackendRemoteChat: &stubProvider{}},
		lifecycle.NewTracker(flaky, logger), logger)

	_, err := orch.Complete(ctx, f.cred, &openai.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d", apiErr.Status)
	}

	// The record must not be left pending or processing.
	rec, err := f.store.Requests().Get(ctx, flaky.lastID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
}

func collect(t *testing.T, f *fixture, req *openai.ChatCompletionRequest) ([]interface{}, error) {
	t.Helper()
	var sent []interface{}
	err := f.orch.CompleteStream(context.Background(), f.cred, req, func(v interface{}) error {
		sent = append(sent, v)
		return nil
	})
	return sent, err
}

func TestCompleteStream(t *testing.T) {
	f := setup(t, &stubProvider{events: []provider.StreamEvent{
		{Delta: "Hel"},
		{Delta: "lo"},
		{Done: true, Result: &provider.Result{Text: "Hello", InputTokens: 2, OutputTokens: 1}},
	}})

	sent, err := collect(t, f, &openai.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if len(sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sent))
	}

	first, ok := sent[0].(openai.ChatCompletionChunk)
	if !ok {
		t.Fatalf("chunk type %T", sent[0])
	}
	if first.Choices[0].Delta.Content != "Hel" {
		t.Errorf("first delta = %q", first.Choices[0].Delta.Content)
	}
	if first.Choices[0].FinishReason != nil {
		t.Error("intermediate chunk must have null finish_reason")
	}

	final, ok := sent[2].(openai.ChatCompletionChunk)
	if !ok {
		t.Fatalf("final chunk type %T", sent[2])
	}
	if final.Choices[0].Delta.Content != "" {
		t.Errorf("final delta = %q, want empty", final.Choices[0].Delta.Content)
	}
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Error("final chunk must carry finish_reason stop")
	}
	if final.Usage == nil || final.Usage.TotalTokens != 3 {
		t.Errorf("final usage = %+v", final.Usage)
	}
}

func TestCompleteStreamMidStreamFailure(t *testing.T) {
	f := setup(t, &stubProvider{events: []provider.StreamEvent{
		{Delta: "par"},
		{Err: errors.New("backend died")},
	}})
	ctx := context.Background()

	sent, err := collect(t, f, &openai.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(sent))
	}

	envelope, ok := sent[1].(openai.ErrorResponse)
	if !ok {
		t.Fatalf("last payload type %T, want error envelope", sent[1])
	}
	if envelope.Error.Code != openai.ErrCodeGenerationError {
		t.Errorf("error code = %q", envelope.Error.Code)
	}
	if envelope.Error.Message != "backend died" {
		t.Errorf("error message = %q, want the cause", envelope.Error.Message)
	}

	// The record is failed and keeps none of the streamed text.
	n, err := f.store.Requests().CountSince(ctx, f.cred.ID, time.Now().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("request rows = %d (%v), want 1", n, err)
	}
	resp, ok := sent[0].(openai.ChatCompletionChunk)
	if !ok {
		t.Fatalf("first payload type %T", sent[0])
	}
	id := resp.ID[len("chatcmpl-"):]
	rec, err := f.store.Requests().Get(ctx, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if rec.Response != "" {
		t.Errorf("response = %q, want empty", rec.Response)
	}
}

func TestEmbeddings(t *testing.T) {
	f := setup(t, &stubProvider{})
	resp, err := f.orch.Embeddings(context.Background(), f.cred, &openai.EmbeddingRequest{
		Model: "test-model",
		Input: "hello world",
	})
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Data[0].Object != "embedding" || resp.Data[0].Index != 0 {
		t.Errorf("data[0] = %+v", resp.Data[0])
	}
}

func TestEmbeddingsEmptyInput(t *testing.T) {
	f := setup(t, &stubProvider{})
	_, err := f.orch.Embeddings(context.Background(), f.cred, &openai.EmbeddingRequest{
		Model: "test-model",
		Input: []interface{}{},
	})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
