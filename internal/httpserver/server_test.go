package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chungus/inference-gateway/internal/completion"
	"github.com/chungus/inference-gateway/internal/engine"
	"github.com/chungus/inference-gateway/internal/lifecycle"
	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/provider"
	"github.com/chungus/inference-gateway/internal/ratelimit"
	"github.com/chungus/inference-gateway/internal/store"
	"github.com/chungus/inference-gateway/internal/store/sqlite"
)

const testAdminToken = "admin-secret"

type stubProvider struct {
	text   string
	events []provider.StreamEvent
}

func (s *stubProvider) Generate(_ context.Context, _ *engine.Handle, prompt string, _ string, _ []openai.ChatMessage, _ provider.Params) (*provider.Result, error) {
	return &provider.Result{Text: s.text, InputTokens: len(prompt) / 4, OutputTokens: len(s.text) / 4}, nil
}

func (s *stubProvider) GenerateStream(context.Context, *engine.Handle, string, string, []openai.ChatMessage, provider.Params) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Embed(_ context.Context, _ *engine.Handle, texts []string) ([][]float64, int, error) {
	vecs := make([][]float64, len(texts))
	for i := range vecs {
		vecs[i] = []float64{0.1, 0.2, 0.3}
	}
	return vecs, len(texts), nil
}

type failFactory struct{}

func (failFactory) NewRunner(context.Context, *store.ModelConfig) (engine.Runner, error) {
	return nil, fmt.Errorf("no batch engines in tests")
}
func (failFactory) NewEmbedder(context.Context, *store.ModelConfig) (engine.Embedder, error) {
	return nil, fmt.Errorf("no batch engines in tests")
}

type testEnv struct {
	srv   *httptest.Server
	store store.Store
	cred  *store.Credential
}

func newTestEnv(t *testing.T, prov provider.Provider) *testEnv {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	cred := &store.Credential{Name: "test", Active: true, RateLimitPerMinute: 60, RateLimitPerHour: 1000}
	if err := s.Credentials().Create(ctx, cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	model := &store.ModelConfig{
		Name: "test-model", ModelPath: "test:latest",
		Backend: store.BackendRemoteChat, Active: true,
		DefaultTemperature: 0.7, DefaultMaxTokens: 512,
	}
	if err := s.Models().Create(ctx, model); err != nil {
		t.Fatalf("create model: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	registry := engine.NewRegistry(failFactory{}, logger)
	tracker := lifecycle.NewTracker(s, logger)
	orch := completion.New(s.Models(), registry, map[string]provider.Provider{
		store.BackendRemoteChat: prov,
	}, tracker, logger)
	limiter := ratelimit.New(s.Requests())
	server := New(s, orch, limiter, nil, testAdminToken, logger)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: s, cred: cred}
}

func (e *testEnv) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) openai.ErrorResponse {
	t.Helper()
	defer resp.Body.Close()
	var envelope openai.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope
}

func chatBody(stream bool) map[string]any {
	return map[string]any{
		"model":    "test-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   stream,
	}
}

func TestChatCompletionsMissingKey(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "hello"})
	resp := e.post(t, "/v1/chat/completions", "", chatBody(false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	envelope := decodeError(t, resp)
	if envelope.Error.Code != openai.ErrCodeMissingAPIKey {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

func TestChatCompletionsInvalidKey(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "hello"})
	resp := e.post(t, "/v1/chat/completions", "wrong-key", chatBody(false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	envelope := decodeError(t, resp)
	if envelope.Error.Code != openai.ErrCodeInvalidAPIKey {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

func TestChatCompletions(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "hello there"})
	resp := e.post(t, "/v1/chat/completions", e.cred.Key, chatBody(false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	defer resp.Body.Close()

	var out openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello there" {
		t.Errorf("choices = %+v", out.Choices)
	}
	if out.Usage.TotalTokens != out.Usage.PromptTokens+out.Usage.CompletionTokens {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestChatCompletionsInvalidJSON(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "x"})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/chat/completions", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+e.cred.Key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	envelope := decodeError(t, resp)
	if envelope.Error.Code != openai.ErrCodeInvalidJSON {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "x"})
	body := chatBody(false)
	body["model"] = "no-such-model"
	resp := e.post(t, "/v1/chat/completions", e.cred.Key, body)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	envelope := decodeError(t, resp)
	if envelope.Error.Code != openai.ErrCodeModelNotFound {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

func TestRateLimitPerMinute(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "ok"})
	ctx := context.Background()
	e.cred.RateLimitPerMinute = 2
	if err := e.store.Credentials().Update(ctx, e.cred); err != nil {
		t.Fatalf("update credential: %v", err)
	}

	// Completed requests leave rows, so the third call finds the
	// window full.
	for i := 0; i < 2; i++ {
		resp := e.post(t, "/v1/chat/completions", e.cred.Key, chatBody(false))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := e.post(t, "/v1/chat/completions", e.cred.Key, chatBody(false))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	envelope := decodeError(t, resp)
	if envelope.Error.Type != openai.ErrTypeRateLimit {
		t.Errorf("type = %q", envelope.Error.Type)
	}
}

func TestInactiveCredential(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "ok"})
	e.cred.Active = false
	if err := e.store.Credentials().Update(context.Background(), e.cred); err != nil {
		t.Fatalf("update credential: %v", err)
	}
	resp := e.post(t, "/v1/chat/completions", e.cred.Key, chatBody(false))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	envelope := decodeError(t, resp)
	if envelope.Error.Message != "API key is not active" {
		t.Errorf("message = %q", envelope.Error.Message)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	e := newTestEnv(t, &stubProvider{events: []provider.StreamEvent{
		{Delta: "Hel"},
		{Delta: "lo"},
		{Done: true, Result: &provider.Result{Text: "Hello", InputTokens: 2, OutputTokens: 1}},
	}})

	resp := e.post(t, "/v1/chat/completions", e.cred.Key, chatBody(true))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream does not end with the sentinel:\n%s", body)
	}

	var deltas []string
	var sawFinal bool
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(line[6:]), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", line, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("chunk object = %q", chunk.Object)
		}
		if len(chunk.Choices) != 1 {
			t.Fatalf("chunk choices = %+v", chunk.Choices)
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr == "stop" {
			sawFinal = true
			if chunk.Usage == nil {
				t.Error("final chunk missing usage")
			}
			continue
		}
		deltas = append(deltas, chunk.Choices[0].Delta.Content)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("streamed text = %q", strings.Join(deltas, ""))
	}
	if !sawFinal {
		t.Error("missing final chunk with finish_reason stop")
	}
}

func TestChatCompletionsStreamFailure(t *testing.T) {
	e := newTestEnv(t, &stubProvider{events: []provider.StreamEvent{
		{Delta: "par"},
		{Err: fmt.Errorf("backend died")},
	}})

	resp := e.post(t, "/v1/chat/completions", e.cred.Key, chatBody(true))
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)

	if !strings.Contains(body, openai.ErrCodeGenerationError) {
		t.Errorf("expected generation_error chunk:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream must still end with the sentinel:\n%s", body)
	}
}

func TestModelsList(t *testing.T) {
	e := newTestEnv(t, &stubProvider{})
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/models", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.cred.Key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID         string        `json:"id"`
			Object     string        `json:"object"`
			OwnedBy    string        `json:"owned_by"`
			Permission []interface{} `json:"permission"`
			Root       string        `json:"root"`
			Parent     interface{}   `json:"parent"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 1 {
		t.Fatalf("out = %+v", out)
	}
	m := out.Data[0]
	if m.ID != "test-model" || m.Object != "model" || m.Root != "test-model" || m.Parent != nil {
		t.Errorf("model = %+v", m)
	}
	if m.Permission == nil {
		t.Error("permission must be present (empty array)")
	}
}

func TestModelsListRequiresKey(t *testing.T) {
	e := newTestEnv(t, &stubProvider{})
	resp, err := http.Get(e.srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Code != "missing_api_key" {
		t.Errorf("code = %q, want missing_api_key", out.Error.Code)
	}
}

func TestEmbeddings(t *testing.T) {
	e := newTestEnv(t, &stubProvider{})
	resp := e.post(t, "/v1/embeddings", e.cred.Key, map[string]any{
		"model": "test-model",
		"input": []string{"hello", "world"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	defer resp.Body.Close()

	var out openai.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 2 || out.Data[1].Index != 1 {
		t.Errorf("data = %+v", out.Data)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	e := newTestEnv(t, &stubProvider{})
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/admin/keys", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	e := newTestEnv(t, &stubProvider{})

	resp := e.post(t, "/admin/keys", testAdminToken, map[string]any{"name": "ci"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created keyView
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if created.Key == "" || strings.HasSuffix(created.Key, "...") {
		t.Errorf("creation must return the full key, got %q", created.Key)
	}

	// Listing masks the secret.
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed struct {
		Keys []keyView `json:"keys"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	listResp.Body.Close()
	for _, k := range listed.Keys {
		if k.ID == created.ID && !strings.HasSuffix(k.Key, "...") {
			t.Errorf("listed key must be masked, got %q", k.Key)
		}
	}

	// Reveal returns the stored secret.
	req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s/admin/keys/%d/full", e.srv.URL, created.ID), nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	fullResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	var revealed struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(fullResp.Body).Decode(&revealed); err != nil {
		t.Fatalf("decode reveal: %v", err)
	}
	fullResp.Body.Close()
	if revealed.Key != created.Key {
		t.Errorf("revealed key %q != created key %q", revealed.Key, created.Key)
	}
}

func TestAdminModelCRUD(t *testing.T) {
	e := newTestEnv(t, &stubProvider{})

	resp := e.post(t, "/admin/models", testAdminToken, map[string]any{
		"name": "new-model", "model_path": "org/new", "backend": store.BackendBatch,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created modelView
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if created.DefaultMaxTokens != 512 || created.MaxContextLength != 4096 {
		t.Errorf("defaults not applied: %+v", created)
	}

	resp = e.post(t, fmt.Sprintf("/admin/models/%d", created.ID), testAdminToken, map[string]any{
		"is_active": false, "warm_keep": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	var updated modelView
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if updated.IsActive || !updated.WarmKeep {
		t.Errorf("update not applied: %+v", updated)
	}

	resp = e.post(t, fmt.Sprintf("/admin/models/%d/delete", created.ID), testAdminToken, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthWithoutChecker(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "ok"})
	resp, err := http.Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, &stubProvider{text: "hello"})

	resp := e.post(t, "/v1/chat/completions", e.cred.Key, chatBody(false))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("completion status = %d", resp.StatusCode)
	}

	mresp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer mresp.Body.Close()
	data, err := io.ReadAll(mresp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `gateway_requests_total{endpoint="/v1/chat/completions"} 1`) {
		t.Errorf("missing chat completions counter:\n%s", text)
	}
	if !strings.Contains(text, `gateway_tokens_by_model_total{model="test-model"}`) {
		t.Errorf("missing per-model token counter:\n%s", text)
	}
	if !strings.Contains(text, "gateway_uptime_seconds") {
		t.Errorf("missing uptime gauge:\n%s", text)
	}
}
