package store

import (
	"context"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Backend identifies which inference backend serves a model.
const (
	BackendBatch      = "batch-engine"
	BackendRemoteChat = "remote-chat"
)

// Request status values. A request reaches exactly one terminal state.
// StatusCancelled is reserved in the taxonomy but never entered by the
// serving path.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Credential is an API key record with rate limits and usage counters.
type Credential struct {
	ID                 int64
	Key                string
	Name               string
	Description        string
	Active             bool
	RateLimitPerMinute int
	RateLimitPerHour   int
	TotalRequests      int64
	TotalTokens        int64
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// GenerateKey returns a new URL-safe secret token for a credential.
func GenerateKey() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ModelConfig describes one served model plus its aggregate counters.
type ModelConfig struct {
	ID          int64
	Name        string
	Description string
	ModelPath   string
	Backend     string
	Active      bool
	WarmKeep    bool

	MaxContextLength   int
	DefaultTemperature float64
	DefaultMaxTokens   int

	// RemoteBaseURL is the endpoint of the remote-chat backend.
	RemoteBaseURL string
	// AccessToken unlocks gated batch-engine models; falls back to the
	// HF_TOKEN / HUGGINGFACE_TOKEN environment variables when empty.
	AccessToken string

	TotalRequests        int64
	TotalResponses       int64
	TotalErrors          int64
	TotalInputTokens     int64
	TotalOutputTokens    int64
	TotalTokensProcessed int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InferenceRequest is the audit and lifecycle record for one call.
type InferenceRequest struct {
	ID           string
	CredentialID int64
	ModelID      int64

	Prompt       string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
	TopP         *float64
	TopK         *int
	Stream       bool

	Status       string
	Response     string
	ErrorMessage string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Metadata     JSONMap

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ProcessingTime returns completed-at minus started-at, or false when
// either timestamp is unset.
func (r *InferenceRequest) ProcessingTime() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// JSONMap stores free-form response metadata as a JSON column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap.
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner for JSONMap.
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONMap)
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONMap", value)
	}
	if len(data) == 0 {
		*j = make(JSONMap)
		return nil
	}
	return json.Unmarshal(data, j)
}

// CredentialStore persists API key records.
type CredentialStore interface {
	GetByKey(ctx context.Context, key string) (*Credential, error)
	Get(ctx context.Context, id int64) (*Credential, error)
	List(ctx context.Context) ([]Credential, error)
	Create(ctx context.Context, c *Credential) error
	Update(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, id int64) error
	// IncrementUsage bumps total_requests by one and total_tokens by the
	// given amount, stamping last_used_at. Single atomic row update.
	IncrementUsage(ctx context.Context, id int64, tokens int64, usedAt time.Time) error
}

// ModelStore persists model configurations and their aggregate counters.
type ModelStore interface {
	GetByName(ctx context.Context, name string) (*ModelConfig, error)
	Get(ctx context.Context, id int64) (*ModelConfig, error)
	List(ctx context.Context, activeOnly bool) ([]ModelConfig, error)
	Create(ctx context.Context, m *ModelConfig) error
	Update(ctx context.Context, m *ModelConfig) error
	Delete(ctx context.Context, id int64) error
	// IncrementStats records one finished request against the model's
	// aggregate counters. Single atomic row update.
	IncrementStats(ctx context.Context, id int64, success bool, inputTokens, outputTokens int) error
}

// RequestStore persists inference request lifecycle records.
type RequestStore interface {
	Create(ctx context.Context, r *InferenceRequest) error
	Update(ctx context.Context, r *InferenceRequest) error
	Get(ctx context.Context, id string) (*InferenceRequest, error)
	// CountSince counts requests owned by a credential created at or
	// after the given instant. Drives the sliding-window rate limiter.
	CountSince(ctx context.Context, credentialID int64, since time.Time) (int, error)
	// CountsByHour returns request counts bucketed per hour since the
	// given instant, keyed by the truncated hour.
	CountsByHour(ctx context.Context, since time.Time) (map[time.Time]int, error)
	// CountsByModel returns request counts per model name since the
	// given instant.
	CountsByModel(ctx context.Context, since time.Time) (map[string]int, error)
}

// Store bundles the three entity stores behind one connection.
type Store interface {
	Credentials() CredentialStore
	Models() ModelStore
	Requests() RequestStore
	Close() error
}
