package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/store"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondAPIError(w, http.StatusBadRequest,
			"Invalid JSON in request body", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}

	cred := credentialFrom(r.Context())
	if req.Stream {
		s.handleChatStream(w, r, cred, &req)
		return
	}

	resp, err := s.orchestrator.Complete(r.Context(), cred, &req)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	s.metrics.TokenUsage(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, cred *store.Credential, req *openai.ChatCompletionRequest) {
	flusher, _ := w.(http.Flusher)
	started := false

	send := func(v interface{}) error {
		if chunk, ok := v.(openai.ChatCompletionChunk); ok && chunk.Usage != nil {
			s.metrics.TokenUsage(chunk.Model, chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		}
		if !started {
			w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			started = true
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, "data: "+string(data)+"\n\n"); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	start := time.Now()
	if err := s.orchestrator.CompleteStream(r.Context(), cred, req, send); err != nil {
		// Nothing was streamed yet; a plain envelope is still possible.
		if !started {
			s.respondOrchestratorError(w, err)
			return
		}
		s.logger.Printf("stream aborted after %s: %v", time.Since(start), err)
	}
	if started {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req openai.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondAPIError(w, http.StatusBadRequest,
			"Invalid JSON in request body", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}

	resp, err := s.orchestrator.Embeddings(r.Context(), credentialFrom(r.Context()), &req)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.Models().List(r.Context(), true)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	out := make([]openai.Model, 0, len(models))
	for _, m := range models {
		out = append(out, openai.NewModel(m.Name, "chungus", m.CreatedAt.Unix()))
	}
	s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(out))
}
