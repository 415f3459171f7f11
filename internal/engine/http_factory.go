package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chungus/inference-gateway/internal/store"
)

// HTTPFactory builds engines backed by a batch inference server that
// speaks the OpenAI completions and embeddings protocol. Construction
// asks the server to load the model's weights, which is the expensive
// step the registry caches.
type HTTPFactory struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFactory returns a factory for the server at baseURL. A nil
// client gets a default with a load-friendly timeout.
func NewHTTPFactory(baseURL string, client *http.Client) *HTTPFactory {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Minute}
	}
	return &HTTPFactory{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// NewRunner loads the model on the batch server and returns a runner
// bound to it.
func (f *HTTPFactory) NewRunner(ctx context.Context, model *store.ModelConfig) (Runner, error) {
	if err := f.load(ctx, model); err != nil {
		return nil, err
	}
	return &httpRunner{factory: f, modelPath: model.ModelPath}, nil
}

// NewEmbedder loads the model and returns an embedder bound to it.
func (f *HTTPFactory) NewEmbedder(ctx context.Context, model *store.ModelConfig) (Embedder, error) {
	if err := f.load(ctx, model); err != nil {
		return nil, err
	}
	return &httpEmbedder{factory: f, modelPath: model.ModelPath}, nil
}

// load requests the model's weights on the server, passing the access
// token for gated repositories.
func (f *HTTPFactory) load(ctx context.Context, model *store.ModelConfig) error {
	payload := map[string]interface{}{"model": model.ModelPath}
	if model.AccessToken != "" {
		payload["access_token"] = model.AccessToken
	}
	resp, err := f.post(ctx, "/v1/models/load", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("load model %s: status %d: %s", model.ModelPath, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (f *HTTPFactory) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", f.BaseURL+path, err)
	}
	return resp, nil
}

type httpRunner struct {
	factory   *HTTPFactory
	modelPath string
}

func (r *httpRunner) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	payload := map[string]interface{}{
		"model":       r.modelPath,
		"prompt":      prompt,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
	if opts.TopP > 0 {
		payload["top_p"] = opts.TopP
	}
	if opts.TopK > 0 {
		payload["top_k"] = opts.TopK
	}
	resp, err := r.factory.post(ctx, "/v1/completions", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("completion for %s: status %d: %s", r.modelPath, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion for %s returned no choices", r.modelPath)
	}
	return parsed.Choices[0].Text, nil
}

func (r *httpRunner) Close() error { return nil }

type httpEmbedder struct {
	factory   *HTTPFactory
	modelPath string
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	payload := map[string]interface{}{"model": e.modelPath, "input": text}
	resp, err := e.factory.post(ctx, "/v1/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding for %s: status %d: %s", e.modelPath, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding for %s returned no data", e.modelPath)
	}
	return parsed.Data[0].Embedding, nil
}

func (e *httpEmbedder) Close() error { return nil }
