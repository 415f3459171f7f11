// Package httpserver exposes the OpenAI-compatible API and the admin
// surface over chi.
package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chungus/inference-gateway/internal/completion"
	"github.com/chungus/inference-gateway/internal/health"
	"github.com/chungus/inference-gateway/internal/metrics"
	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/ratelimit"
	"github.com/chungus/inference-gateway/internal/store"
)

// Server hosts the public inference endpoints and the admin CRUD.
type Server struct {
	store        store.Store
	orchestrator *completion.Orchestrator
	limiter      *ratelimit.Limiter
	metrics      *metrics.Collector
	checker      *health.Checker
	adminToken   string
	logger       *log.Logger
}

// New builds a server. adminToken guards the /admin tree; an empty
// token disables it entirely. A nil collector gets a fresh one.
func New(s store.Store, orch *completion.Orchestrator, limiter *ratelimit.Limiter, collector *metrics.Collector, adminToken string, logger *log.Logger) *Server {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Server{
		store:        s,
		orchestrator: orch,
		limiter:      limiter,
		metrics:      collector,
		adminToken:   adminToken,
		logger:       logger,
	}
}

// SetHealthChecker attaches component checks to /health. Without one
// the endpoint reports liveness only.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.recordMetrics)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.requireCredential)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Post("/embeddings", s.handleEmbeddings)
	})

	if s.adminToken != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Get("/models", s.handleAdminListModels)
			admin.Post("/models", s.handleAdminCreateModel)
			admin.Post("/models/{id}", s.handleAdminUpdateModel)
			admin.Post("/models/{id}/delete", s.handleAdminDeleteModel)
			admin.Get("/keys", s.handleAdminListKeys)
			admin.Post("/keys", s.handleAdminCreateKey)
			admin.Post("/keys/{id}", s.handleAdminUpdateKey)
			admin.Post("/keys/{id}/delete", s.handleAdminDeleteKey)
			admin.Get("/keys/{id}/full", s.handleAdminRevealKey)
			admin.Get("/stats", s.handleAdminStats)
		})
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondAPIError writes the OpenAI error envelope.
func (s *Server) respondAPIError(w http.ResponseWriter, status int, message, errType, code string) {
	s.respondJSON(w, status, openai.NewError(message, errType, code))
}

// respondOrchestratorError maps a completion error to the wire. Errors
// without a client-facing shape become opaque 500s.
func (s *Server) respondOrchestratorError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*completion.Error); ok {
		s.respondAPIError(w, apiErr.Status, apiErr.Message, apiErr.Type, apiErr.Code)
		return
	}
	s.logger.Printf("internal error: %v", err)
	s.respondAPIError(w, http.StatusInternalServerError, "Internal server error", openai.ErrTypeServer, openai.ErrCodeInternalError)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
