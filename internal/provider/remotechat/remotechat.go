// Package remotechat proxies generation to an Ollama-compatible HTTP
// service, pulling missing models on demand.
package remotechat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/chungus/inference-gateway/internal/engine"
	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/provider"
	"github.com/chungus/inference-gateway/internal/tokenizer"
)

// Provider talks to the remote service named by each handle's
// ModelConfig. One Provider serves any number of models.
type Provider struct {
	client  *http.Client
	counter tokenizer.Counter
	logger  *log.Logger
}

// New returns a remote-chat provider. A nil client gets a default with
// a generous timeout; model pulls can take minutes.
func New(client *http.Client, counter tokenizer.Counter, logger *log.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Provider{client: client, counter: counter, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// buildMessages converts the OpenAI conversation to the remote schema.
// The resolved system prompt leads; only system, user, and assistant
// roles pass through.
func buildMessages(system string, messages []openai.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "user", "assistant":
			out = append(out, chatMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func (p *Provider) buildChatRequest(h *engine.Handle, system string, messages []openai.ChatMessage, params provider.Params, stream bool) chatRequest {
	return chatRequest{
		Model:    h.RemoteModel,
		Messages: buildMessages(system, messages),
		Stream:   stream,
		Options: chatOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
			TopP:        params.TopP,
			TopK:        params.TopK,
		},
	}
}

// Generate performs one non-streaming chat call, pulling the model and
// retrying once if the remote does not have it yet.
func (p *Provider) Generate(ctx context.Context, h *engine.Handle, prompt, system string, messages []openai.ChatMessage, params provider.Params) (*provider.Result, error) {
	body := p.buildChatRequest(h, system, messages, params, false)

	resp, err := p.chatWithPull(ctx, h, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != "" {
		return nil, &provider.CallError{Model: h.RemoteModel, Message: parsed.Error}
	}
	return &provider.Result{
		Text:         parsed.Message.Content,
		InputTokens:  p.counter.Count(prompt),
		OutputTokens: p.counter.Count(parsed.Message.Content),
	}, nil
}

// GenerateStream performs a streaming chat call and forwards the
// remote's incremental chunks.
func (p *Provider) GenerateStream(ctx context.Context, h *engine.Handle, prompt, system string, messages []openai.ChatMessage, params provider.Params) (<-chan provider.StreamEvent, error) {
	body := p.buildChatRequest(h, system, messages, params, true)

	resp, err := p.chatWithPull(ctx, h, body)
	if err != nil {
		return nil, err
	}

	events := make(chan provider.StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		var full strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				p.send(ctx, events, provider.StreamEvent{Err: fmt.Errorf("decode stream chunk: %w", err)})
				return
			}
			if chunk.Error != "" {
				p.send(ctx, events, provider.StreamEvent{Err: &provider.CallError{Model: h.RemoteModel, Message: chunk.Error}})
				return
			}
			if chunk.Message.Content != "" {
				full.WriteString(chunk.Message.Content)
				if !p.send(ctx, events, provider.StreamEvent{Delta: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				result := &provider.Result{
					Text:         full.String(),
					InputTokens:  p.counter.Count(prompt),
					OutputTokens: p.counter.Count(full.String()),
				}
				p.send(ctx, events, provider.StreamEvent{Done: true, Result: result})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			p.send(ctx, events, provider.StreamEvent{Err: fmt.Errorf("read stream: %w", err)})
			return
		}
		p.send(ctx, events, provider.StreamEvent{Err: fmt.Errorf("stream from %s ended without a final chunk", h.RemoteModel)})
	}()
	return events, nil
}

func (p *Provider) send(ctx context.Context, events chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Embed computes one vector per text. Any empty vector fails the whole
// batch so callers never index half-filled results.
func (p *Provider) Embed(ctx context.Context, h *engine.Handle, texts []string) ([][]float64, int, error) {
	vectors := make([][]float64, 0, len(texts))
	tokens := 0
	for _, text := range texts {
		vec, err := p.embedOne(ctx, h, text)
		if err != nil {
			return nil, 0, err
		}
		if len(vec) == 0 {
			return nil, 0, &provider.CallError{Model: h.RemoteModel, Message: "remote returned an empty embedding"}
		}
		vectors = append(vectors, vec)
		tokens += p.counter.Count(text)
	}
	return vectors, tokens, nil
}

func (p *Provider) embedOne(ctx context.Context, h *engine.Handle, text string) ([]float64, error) {
	payload := map[string]interface{}{"model": h.RemoteModel, "prompt": text}
	resp, err := p.postWithPull(ctx, h, "/api/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	return parsed.Embedding, nil
}

// chatWithPull posts to /api/chat, pulling the model and retrying once
// when the remote reports it missing.
func (p *Provider) chatWithPull(ctx context.Context, h *engine.Handle, body chatRequest) (*http.Response, error) {
	return p.postWithPull(ctx, h, "/api/chat", body)
}

func (p *Provider) postWithPull(ctx context.Context, h *engine.Handle, path string, payload interface{}) (*http.Response, error) {
	resp, err := p.post(ctx, h, path, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	status, detail := drainError(resp)
	if !missingModel(status, detail) {
		return nil, &provider.CallError{Model: h.RemoteModel, StatusCode: status, Message: detail}
	}

	p.logger.Printf("model %s missing on remote (%s), pulling", h.RemoteModel, detail)
	if err := p.pull(ctx, h); err != nil {
		return nil, err
	}

	resp, err = p.post(ctx, h, path, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		status, detail := drainError(resp)
		return nil, &provider.CallError{Model: h.RemoteModel, StatusCode: status, Message: detail}
	}
	return resp, nil
}

func (p *Provider) post(ctx context.Context, h *engine.Handle, path string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(h.Model.RemoteBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	return resp, nil
}

// drainError consumes an error response body and returns its status
// and trimmed text.
func drainError(resp *http.Response) (int, string) {
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, strings.TrimSpace(string(msg))
}

// missingModel matches the remote's model-not-found signatures: a 404
// status or an error body mentioning "not found".
func missingModel(status int, body string) bool {
	return status == http.StatusNotFound || strings.Contains(strings.ToLower(body), "not found")
}

func (p *Provider) pull(ctx context.Context, h *engine.Handle) error {
	payload := map[string]interface{}{"name": h.RemoteModel, "stream": false}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(h.Model.RemoteBaseURL, "/") + "/api/pull"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pull %s: %w", h.RemoteModel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &provider.CallError{Model: h.RemoteModel, StatusCode: resp.StatusCode, Message: "pull failed: " + string(msg)}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	p.logger.Printf("pulled model %s", h.RemoteModel)
	return nil
}
