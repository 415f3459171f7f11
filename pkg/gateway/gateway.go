// Package gateway exposes the supported public surface for embedding a
// gateway client in other Go programs.
package gateway

import (
	"github.com/chungus/inference-gateway/internal/client"
	"github.com/chungus/inference-gateway/internal/openai"
)

// Client talks to a running gateway over its OpenAI-compatible API.
type Client = client.GatewayClient

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient = client.HTTPClient

// APIError is the structured error returned for non-2xx responses.
type APIError = client.APIError

// NewClient constructs a gateway client. A nil httpClient gets a
// default with a generous timeout.
func NewClient(baseURL, apiKey string, httpClient HTTPClient) (*Client, error) {
	return client.NewGatewayClient(baseURL, apiKey, httpClient)
}

// Request and response types, re-exported so integrations avoid
// importing internal packages.
type (
	ChatCompletionRequest  = openai.ChatCompletionRequest
	ChatCompletionResponse = openai.ChatCompletionResponse
	ChatCompletionChunk    = openai.ChatCompletionChunk
	ChatMessage            = openai.ChatMessage
	EmbeddingRequest       = openai.EmbeddingRequest
	EmbeddingResponse      = openai.EmbeddingResponse
	Model                  = openai.Model
	UsageBreakdown         = openai.UsageBreakdown
)
