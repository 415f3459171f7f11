// Command gateway is a small CLI client for a running gateway: it can
// list models, run chat completions (blocking or streamed), and compute
// embeddings.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/pkg/gateway"
)

func main() {
	baseURL := flag.String("base-url", "", "gateway base URL (default GATEWAY_BASE_URL or http://localhost:8000)")
	apiKey := flag.String("key", "", "API key (default GATEWAY_API_KEY)")
	model := flag.String("model", "", "model name for completions and embeddings")
	prompt := flag.String("prompt", "", "user prompt; runs a chat completion")
	system := flag.String("system", "", "optional system prompt")
	stream := flag.Bool("stream", false, "stream the completion")
	listModels := flag.Bool("models", false, "list active models")
	embed := flag.String("embed", "", "text to embed")
	flag.Parse()

	logger := log.New(os.Stderr, "[gateway] ", log.LstdFlags)

	url := stringFromEnv(*baseURL, "GATEWAY_BASE_URL")
	if url == "" {
		url = "http://localhost:8000"
	}
	key := stringFromEnv(*apiKey, "GATEWAY_API_KEY")

	c, err := gateway.NewClient(url, key, nil)
	if err != nil {
		logger.Fatalf("create client: %v", err)
	}
	ctx := context.Background()

	switch {
	case *listModels:
		models, err := c.ListModels(ctx)
		if err != nil {
			logger.Fatalf("list models: %v", err)
		}
		for _, m := range models {
			fmt.Println(m.ID)
		}

	case *embed != "":
		if *model == "" {
			logger.Fatal("-model is required with -embed")
		}
		resp, err := c.Embeddings(ctx, gateway.EmbeddingRequest{Model: *model, Input: *embed})
		if err != nil {
			logger.Fatalf("embeddings: %v", err)
		}
		for _, d := range resp.Data {
			fmt.Printf("dims=%d tokens=%d\n", len(d.Embedding), resp.Usage.PromptTokens)
		}

	case *prompt != "":
		if *model == "" {
			logger.Fatal("-model is required with -prompt")
		}
		req := gateway.ChatCompletionRequest{
			Model:    *model,
			Messages: buildMessages(*system, *prompt),
		}
		if *stream {
			err := c.ChatCompletionStream(ctx, req, func(chunk openai.ChatCompletionChunk) error {
				for _, choice := range chunk.Choices {
					fmt.Print(choice.Delta.Content)
				}
				return nil
			})
			if err != nil {
				logger.Fatalf("stream completion: %v", err)
			}
			fmt.Println()
			return
		}
		resp, err := c.ChatCompletion(ctx, req)
		if err != nil {
			logger.Fatalf("completion: %v", err)
		}
		if len(resp.Choices) > 0 {
			fmt.Println(resp.Choices[0].Message.Content)
		}
		logger.Printf("tokens prompt=%d completion=%d total=%d",
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func buildMessages(system, prompt string) []gateway.ChatMessage {
	var msgs []gateway.ChatMessage
	if system != "" {
		msgs = append(msgs, gateway.ChatMessage{Role: "system", Content: system})
	}
	return append(msgs, gateway.ChatMessage{Role: "user", Content: prompt})
}

func stringFromEnv(fallback string, keys ...string) string {
	if strings.TrimSpace(fallback) != "" {
		return fallback
	}
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return ""
}
