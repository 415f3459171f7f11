// Package ratelimit enforces per-credential sliding-window request limits.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/chungus/inference-gateway/internal/store"
)

// Counter reports how many requests a credential issued at or after a
// point in time. The persisted request log satisfies this directly; a
// Redis-backed counter is available for clustered deployments.
type Counter interface {
	CountSince(ctx context.Context, credentialID int64, since time.Time) (int, error)
}

// Recorder is implemented by counters that need an explicit write per
// admitted request. Store-backed counters observe the request rows the
// gateway persists anyway and do not implement it.
type Recorder interface {
	Record(ctx context.Context, credentialID int64, at time.Time) error
}

// Limiter admits or rejects requests against a credential's per-minute
// and per-hour ceilings.
//
// Admission runs before the request row is written, so the request
// being admitted never counts toward its own window: with a limit of N,
// the N+1th request inside the window is the first one rejected.
type Limiter struct {
	counter Counter
	now     func() time.Time
}

// New returns a limiter that counts requests through the given counter.
func New(counter Counter) *Limiter {
	return &Limiter{counter: counter, now: time.Now}
}

// Admit decides whether the credential may issue another request.
// When the request is rejected, reason holds a client-facing message.
func (l *Limiter) Admit(ctx context.Context, cred *store.Credential) (allowed bool, reason string, err error) {
	if !cred.Active {
		return false, "API key is not active", nil
	}

	// Both windows share one clock reading.
	now := l.now().UTC()

	if cred.RateLimitPerMinute > 0 {
		n, err := l.counter.CountSince(ctx, cred.ID, now.Add(-time.Minute))
		if err != nil {
			return false, "", fmt.Errorf("count minute window: %w", err)
		}
		if n >= cred.RateLimitPerMinute {
			return false, fmt.Sprintf("Rate limit exceeded: %d requests per minute", cred.RateLimitPerMinute), nil
		}
	}

	if cred.RateLimitPerHour > 0 {
		n, err := l.counter.CountSince(ctx, cred.ID, now.Add(-time.Hour))
		if err != nil {
			return false, "", fmt.Errorf("count hour window: %w", err)
		}
		if n >= cred.RateLimitPerHour {
			return false, fmt.Sprintf("Rate limit exceeded: %d requests per hour", cred.RateLimitPerHour), nil
		}
	}

	if rec, ok := l.counter.(Recorder); ok {
		if err := rec.Record(ctx, cred.ID, now); err != nil {
			return false, "", fmt.Errorf("record admission: %w", err)
		}
	}
	return true, "", nil
}
