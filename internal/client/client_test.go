package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chungus/inference-gateway/internal/openai"
)

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream flag should be cleared for blocking completion")
		}
		resp := openai.NewCompletionResponse("chatcmpl-1", req.Model, 1700000000, "pong", openai.UsageBreakdown{
			PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2,
		})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewGatewayClient(srv.URL, "test-key", nil)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}

	resp, err := c.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "ping"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "pong" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatCompletionAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(openai.NewError("Invalid API key", openai.ErrTypeAuthentication, openai.ErrCodeInvalidAPIKey))
	}))
	defer srv.Close()

	c, err := NewGatewayClient(srv.URL, "bad-key", nil)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}

	_, err = c.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != openai.ErrCodeInvalidAPIKey {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []openai.ChatCompletionChunk{
			openai.NewContentChunk("chatcmpl-1", "m", 1, "Hel"),
			openai.NewContentChunk("chatcmpl-1", "m", 1, "lo"),
			openai.NewFinalChunk("chatcmpl-1", "m", 1, openai.UsageBreakdown{TotalTokens: 2}),
		}
		for _, chunk := range chunks {
			data, _ := json.Marshal(chunk)
			_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c, err := NewGatewayClient(srv.URL, "k", nil)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}

	var sb strings.Builder
	var finals int
	err = c.ChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	}, func(chunk openai.ChatCompletionChunk) error {
		for _, choice := range chunk.Choices {
			sb.WriteString(choice.Delta.Content)
			if choice.FinishReason != nil {
				finals++
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	if sb.String() != "Hello" {
		t.Fatalf("expected accumulated Hello, got %q", sb.String())
	}
	if finals != 1 {
		t.Fatalf("expected one final chunk, got %d", finals)
	}
}

func TestChatCompletionStreamMissingDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := json.Marshal(openai.NewContentChunk("chatcmpl-1", "m", 1, "x"))
		_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
	}))
	defer srv.Close()

	c, err := NewGatewayClient(srv.URL, "k", nil)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}
	err = c.ChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	}, func(openai.ChatCompletionChunk) error { return nil })
	if err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(openai.NewModelsResponse([]openai.Model{
			openai.NewModel("alpha", "chungus", 1),
			openai.NewModel("beta", "chungus", 2),
		}))
	}))
	defer srv.Close()

	c, err := NewGatewayClient(srv.URL, "", nil)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].ID != "alpha" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openai.NewEmbeddingResponse("embed-model", [][]float64{{0.1, 0.2}}, 3))
	}))
	defer srv.Close()

	c, err := NewGatewayClient(srv.URL, "k", nil)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}
	resp, err := c.Embeddings(context.Background(), openai.EmbeddingRequest{Model: "embed-model", Input: "hi"})
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
