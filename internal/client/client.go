// Package client implements a small Go client for the gateway's
// OpenAI-compatible API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chungus/inference-gateway/internal/openai"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GatewayClient communicates with a running gateway instance.
type GatewayClient struct {
	baseURL    *url.URL
	apiKey     string
	httpClient HTTPClient
}

// NewGatewayClient constructs a client for the gateway at baseURL. The
// API key is sent as a bearer token on every request.
func NewGatewayClient(baseURL, apiKey string, httpClient HTTPClient) (*GatewayClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &GatewayClient{baseURL: parsed, apiKey: apiKey, httpClient: httpClient}, nil
}

// APIError carries the gateway's structured error payload.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error: status %d type %s code %s: %s", e.StatusCode, e.Type, e.Code, e.Message)
}

func (c *GatewayClient) post(ctx context.Context, path string, payload any, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

func (c *GatewayClient) get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *GatewayClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var errPayload openai.ErrorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && strings.TrimSpace(errPayload.Error.Message) != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Type:       errPayload.Error.Type,
				Code:       errPayload.Error.Code,
				Message:    errPayload.Error.Message,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ChatCompletion issues one non-streaming chat completion.
func (c *GatewayClient) ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Stream = false
	var resp openai.ChatCompletionResponse
	if err := c.post(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return resp, nil
}

// ChatCompletionStream issues a streaming chat completion, invoking fn
// for every chunk until the server signals completion. fn errors abort
// the stream.
func (c *GatewayClient) ChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, fn func(openai.ChatCompletionChunk) error) error {
	req.Stream = true
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	rel, err := url.Parse("/v1/chat/completions")
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(rel).String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var errPayload openai.ErrorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && errPayload.Error.Message != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Type:       errPayload.Error.Type,
				Code:       errPayload.Error.Code,
				Message:    errPayload.Error.Message,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	return readEventStream(resp.Body, fn)
}

// readEventStream parses server-sent events, stopping at the [DONE]
// sentinel.
func readEventStream(r io.Reader, fn func(openai.ChatCompletionChunk) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream ended without done sentinel")
}

// ListModels retrieves the active model catalogue.
func (c *GatewayClient) ListModels(ctx context.Context) ([]openai.Model, error) {
	var resp openai.ModelsResponse
	if err := c.get(ctx, "/v1/models", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Embeddings computes embeddings for the given input.
func (c *GatewayClient) Embeddings(ctx context.Context, req openai.EmbeddingRequest) (openai.EmbeddingResponse, error) {
	var resp openai.EmbeddingResponse
	if err := c.post(ctx, "/v1/embeddings", req, &resp); err != nil {
		return openai.EmbeddingResponse{}, err
	}
	return resp, nil
}
