package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/store"
)

// modelView is the admin wire shape for a ModelConfig.
type modelView struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	Description          string  `json:"description"`
	ModelPath            string  `json:"model_path"`
	Backend              string  `json:"backend"`
	IsActive             bool    `json:"is_active"`
	WarmKeep             bool    `json:"warm_keep"`
	MaxContextLength     int     `json:"max_context_length"`
	DefaultTemperature   float64 `json:"default_temperature"`
	DefaultMaxTokens     int     `json:"default_max_tokens"`
	RemoteBaseURL        string  `json:"remote_base_url"`
	TotalRequests        int64   `json:"total_requests"`
	TotalResponses       int64   `json:"total_responses"`
	TotalErrors          int64   `json:"total_errors"`
	TotalInputTokens     int64   `json:"total_input_tokens"`
	TotalOutputTokens    int64   `json:"total_output_tokens"`
	TotalTokensProcessed int64   `json:"total_tokens_processed"`
	CreatedAt            string  `json:"created_at"`
}

func toModelView(m *store.ModelConfig) modelView {
	return modelView{
		ID:                   m.ID,
		Name:                 m.Name,
		Description:          m.Description,
		ModelPath:            m.ModelPath,
		Backend:              m.Backend,
		IsActive:             m.Active,
		WarmKeep:             m.WarmKeep,
		MaxContextLength:     m.MaxContextLength,
		DefaultTemperature:   m.DefaultTemperature,
		DefaultMaxTokens:     m.DefaultMaxTokens,
		RemoteBaseURL:        m.RemoteBaseURL,
		TotalRequests:        m.TotalRequests,
		TotalResponses:       m.TotalResponses,
		TotalErrors:          m.TotalErrors,
		TotalInputTokens:     m.TotalInputTokens,
		TotalOutputTokens:    m.TotalOutputTokens,
		TotalTokensProcessed: m.TotalTokensProcessed,
		CreatedAt:            m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// modelForm is the mutable subset accepted on create and update.
type modelForm struct {
	Name               *string  `json:"name"`
	Description        *string  `json:"description"`
	ModelPath          *string  `json:"model_path"`
	Backend            *string  `json:"backend"`
	IsActive           *bool    `json:"is_active"`
	WarmKeep           *bool    `json:"warm_keep"`
	MaxContextLength   *int     `json:"max_context_length"`
	DefaultTemperature *float64 `json:"default_temperature"`
	DefaultMaxTokens   *int     `json:"default_max_tokens"`
	RemoteBaseURL      *string  `json:"remote_base_url"`
	AccessToken        *string  `json:"access_token"`
}

func (f *modelForm) apply(m *store.ModelConfig) {
	if f.Name != nil {
		m.Name = *f.Name
	}
	if f.Description != nil {
		m.Description = *f.Description
	}
	if f.ModelPath != nil {
		m.ModelPath = *f.ModelPath
	}
	if f.Backend != nil {
		m.Backend = *f.Backend
	}
	if f.IsActive != nil {
		m.Active = *f.IsActive
	}
	if f.WarmKeep != nil {
		m.WarmKeep = *f.WarmKeep
	}
	if f.MaxContextLength != nil {
		m.MaxContextLength = *f.MaxContextLength
	}
	if f.DefaultTemperature != nil {
		m.DefaultTemperature = *f.DefaultTemperature
	}
	if f.DefaultMaxTokens != nil {
		m.DefaultMaxTokens = *f.DefaultMaxTokens
	}
	if f.RemoteBaseURL != nil {
		m.RemoteBaseURL = *f.RemoteBaseURL
	}
	if f.AccessToken != nil {
		m.AccessToken = *f.AccessToken
	}
}

func (s *Server) handleAdminListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.Models().List(r.Context(), false)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	out := make([]modelView, 0, len(models))
	for i := range models {
		out = append(out, toModelView(&models[i]))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleAdminCreateModel(w http.ResponseWriter, r *http.Request) {
	var form modelForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.respondAPIError(w, http.StatusBadRequest, "Invalid JSON in request body", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}
	var m store.ModelConfig
	form.apply(&m)
	if m.Name == "" || m.ModelPath == "" || m.Backend == "" {
		s.respondAPIError(w, http.StatusBadRequest, "name, model_path and backend are required", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}
	if err := s.store.Models().Create(r.Context(), &m); err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toModelView(&m))
}

func (s *Server) handleAdminUpdateModel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	m, err := s.store.Models().Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "Model not found")
		return
	}
	var form modelForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.respondAPIError(w, http.StatusBadRequest, "Invalid JSON in request body", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}
	form.apply(m)
	if err := s.store.Models().Update(r.Context(), m); err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toModelView(m))
}

func (s *Server) handleAdminDeleteModel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.Models().Delete(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "Model not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// keyView masks the secret; only the reveal endpoint returns it whole.
type keyView struct {
	ID                 int64  `json:"id"`
	Key                string `json:"key"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	IsActive           bool   `json:"is_active"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	RateLimitPerHour   int    `json:"rate_limit_per_hour"`
	TotalRequests      int64  `json:"total_requests"`
	TotalTokens        int64  `json:"total_tokens"`
	LastUsedAt         string `json:"last_used_at,omitempty"`
	CreatedAt          string `json:"created_at"`
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}

func toKeyView(c *store.Credential, reveal bool) keyView {
	v := keyView{
		ID:                 c.ID,
		Key:                maskKey(c.Key),
		Name:               c.Name,
		Description:        c.Description,
		IsActive:           c.Active,
		RateLimitPerMinute: c.RateLimitPerMinute,
		RateLimitPerHour:   c.RateLimitPerHour,
		TotalRequests:      c.TotalRequests,
		TotalTokens:        c.TotalTokens,
		CreatedAt:          c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if reveal {
		v.Key = c.Key
	}
	if c.LastUsedAt != nil {
		v.LastUsedAt = c.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return v
}

type keyForm struct {
	Name               *string `json:"name"`
	Description        *string `json:"description"`
	IsActive           *bool   `json:"is_active"`
	RateLimitPerMinute *int    `json:"rate_limit_per_minute"`
	RateLimitPerHour   *int    `json:"rate_limit_per_hour"`
}

func (f *keyForm) apply(c *store.Credential) {
	if f.Name != nil {
		c.Name = *f.Name
	}
	if f.Description != nil {
		c.Description = *f.Description
	}
	if f.IsActive != nil {
		c.Active = *f.IsActive
	}
	if f.RateLimitPerMinute != nil {
		c.RateLimitPerMinute = *f.RateLimitPerMinute
	}
	if f.RateLimitPerHour != nil {
		c.RateLimitPerHour = *f.RateLimitPerHour
	}
}

func (s *Server) handleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.Credentials().List(r.Context())
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	out := make([]keyView, 0, len(creds))
	for i := range creds {
		out = append(out, toKeyView(&creds[i], false))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleAdminCreateKey(w http.ResponseWriter, r *http.Request) {
	var form keyForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.respondAPIError(w, http.StatusBadRequest, "Invalid JSON in request body", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}
	c := store.Credential{Active: true}
	form.apply(&c)
	if c.Name == "" {
		s.respondAPIError(w, http.StatusBadRequest, "name is required", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}
	if err := s.store.Credentials().Create(r.Context(), &c); err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	// The full key is shown once, on creation.
	s.respondJSON(w, http.StatusCreated, toKeyView(&c, true))
}

func (s *Server) handleAdminUpdateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	c, err := s.store.Credentials().Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "API key not found")
		return
	}
	var form keyForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.respondAPIError(w, http.StatusBadRequest, "Invalid JSON in request body", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return
	}
	form.apply(c)
	if err := s.store.Credentials().Update(r.Context(), c); err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toKeyView(c, false))
}

func (s *Server) handleAdminDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.Credentials().Delete(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "API key not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleAdminRevealKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	c, err := s.store.Credentials().Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "API key not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"id": c.ID, "key": c.Key})
}

// handleAdminStats reports trailing-24h request activity.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)

	byHour, err := s.store.Requests().CountsByHour(r.Context(), since)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	byModel, err := s.store.Requests().CountsByModel(r.Context(), since)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}

	hourly := make(map[string]int, len(byHour))
	for hour, n := range byHour {
		hourly[hour.UTC().Format(time.RFC3339)] = n
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"since":             since.Format(time.RFC3339),
		"requests_by_hour":  hourly,
		"requests_by_model": byModel,
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondAPIError(w, http.StatusBadRequest, "Invalid id", openai.ErrTypeInvalidRequest, openai.ErrCodeInvalidJSON)
		return 0, false
	}
	return id, true
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if err == store.ErrNotFound {
		s.respondAPIError(w, http.StatusNotFound, notFoundMsg, openai.ErrTypeInvalidRequest, "not_found")
		return
	}
	s.respondOrchestratorError(w, err)
}
