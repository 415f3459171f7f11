package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chungus/inference-gateway/internal/openai"
	"github.com/chungus/inference-gateway/internal/store"
)

type contextKey string

const credentialKey contextKey = "credential"

// credentialFrom returns the authenticated credential placed on the
// context by requireCredential.
func credentialFrom(ctx context.Context) *store.Credential {
	cred, _ := ctx.Value(credentialKey).(*store.Credential)
	return cred
}

// recordMetrics tracks request counts, durations, and error totals per
// route pattern.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		s.metrics.InFlightAdd(path, 1)
		defer s.metrics.InFlightAdd(path, -1)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		// Prefer the matched pattern so path parameters don't fan out
		// into distinct series.
		endpoint := path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		s.metrics.Observe(endpoint, time.Since(start), ww.Status() >= 400)
	})
}

// requireCredential authenticates the bearer token and runs rate-limit
// admission before the handler sees the request.
func (s *Server) requireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.respondAPIError(w, http.StatusUnauthorized,
				"Missing API key. Pass it in the Authorization header as 'Bearer <key>'.",
				openai.ErrTypeAuthentication, openai.ErrCodeMissingAPIKey)
			return
		}

		cred, err := s.store.Credentials().GetByKey(r.Context(), token)
		if err != nil {
			if err == store.ErrNotFound {
				s.respondAPIError(w, http.StatusUnauthorized,
					"Invalid API key", openai.ErrTypeAuthentication, openai.ErrCodeInvalidAPIKey)
				return
			}
			s.respondOrchestratorError(w, err)
			return
		}

		allowed, reason, err := s.limiter.Admit(r.Context(), cred)
		if err != nil {
			s.respondOrchestratorError(w, err)
			return
		}
		if !allowed {
			s.metrics.RateLimitRejection()
			s.respondAPIError(w, http.StatusTooManyRequests,
				reason, openai.ErrTypeRateLimit, openai.ErrCodeRateLimitExceeded)
			return
		}

		ctx := context.WithValue(r.Context(), credentialKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin guards the admin tree with the static admin token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r.Header.Get("Authorization")) != s.adminToken {
			s.respondAPIError(w, http.StatusUnauthorized,
				"Invalid admin token", openai.ErrTypeAuthentication, openai.ErrCodeInvalidAPIKey)
			return
		}
		next.ServeHTTP(w, r)
	})
}
