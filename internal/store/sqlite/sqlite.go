package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/chungus/inference-gateway/internal/store"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB

	credentials credentialStore
	models      modelStore
	requests    requestStore
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Serialised writes keep the counter increments race-free.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.credentials = credentialStore{db: db}
	s.models = modelStore{db: db}
	s.requests = requestStore{db: db}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
	rate_limit_per_hour INTEGER NOT NULL DEFAULT 1000,
	total_requests INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS models (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	model_path TEXT NOT NULL,
	backend TEXT NOT NULL CHECK(backend IN ('batch-engine','remote-chat')),
	is_active INTEGER NOT NULL DEFAULT 1,
	warm_keep INTEGER NOT NULL DEFAULT 0,
	max_context_length INTEGER NOT NULL DEFAULT 4096,
	default_temperature REAL NOT NULL DEFAULT 0.7,
	default_max_tokens INTEGER NOT NULL DEFAULT 512,
	remote_base_url TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	total_requests INTEGER NOT NULL DEFAULT 0,
	total_responses INTEGER NOT NULL DEFAULT 0,
	total_errors INTEGER NOT NULL DEFAULT 0,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens_processed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	credential_id INTEGER NOT NULL REFERENCES credentials(id),
	model_id INTEGER NOT NULL REFERENCES models(id),
	prompt TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	temperature REAL,
	max_tokens INTEGER,
	top_p REAL,
	top_k INTEGER,
	stream INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	response TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_requests_credential_created ON requests(credential_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_requests_model_created ON requests(model_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Credentials returns the credential store.
func (s *Store) Credentials() store.CredentialStore { return &s.credentials }

// Models returns the model store.
func (s *Store) Models() store.ModelStore { return &s.models }

// Requests returns the request store.
func (s *Store) Requests() store.RequestStore { return &s.requests }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// ----------------------------------------------------------------------------
// credentials

type credentialStore struct {
	db *sql.DB
}

const credentialColumns = `id, key, name, description, is_active, rate_limit_per_minute, rate_limit_per_hour,
	total_requests, total_tokens, last_used_at, created_at, updated_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (*store.Credential, error) {
	var c store.Credential
	var lastUsed sql.NullTime
	if err := row.Scan(&c.ID, &c.Key, &c.Name, &c.Description, &c.Active,
		&c.RateLimitPerMinute, &c.RateLimitPerHour,
		&c.TotalRequests, &c.TotalTokens, &lastUsed, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

func (s *credentialStore) GetByKey(ctx context.Context, key string) (*store.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE key = ?`, key)
	return scanCredential(row)
}

func (s *credentialStore) Get(ctx context.Context, id int64) (*store.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (s *credentialStore) List(ctx context.Context) ([]store.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *credentialStore) Create(ctx context.Context, c *store.Credential) error {
	if c.Key == "" {
		key, err := store.GenerateKey()
		if err != nil {
			return err
		}
		c.Key = key
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 60
	}
	if c.RateLimitPerHour <= 0 {
		c.RateLimitPerHour = 1000
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO credentials(key, name, description, is_active, rate_limit_per_minute, rate_limit_per_hour, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Key, c.Name, c.Description, c.Active, c.RateLimitPerMinute, c.RateLimitPerHour, now, now)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

func (s *credentialStore) Update(ctx context.Context, c *store.Credential) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE credentials
SET name = ?, description = ?, is_active = ?, rate_limit_per_minute = ?, rate_limit_per_hour = ?, updated_at = ?
WHERE id = ?`,
		c.Name, c.Description, c.Active, c.RateLimitPerMinute, c.RateLimitPerHour, now, c.ID)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

func (s *credentialStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *credentialStore) IncrementUsage(ctx context.Context, id int64, tokens int64, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE credentials
SET total_requests = total_requests + 1,
	total_tokens = total_tokens + ?,
	last_used_at = ?
WHERE id = ?`, tokens, usedAt.UTC(), id)
	return err
}

// ----------------------------------------------------------------------------
// models

type modelStore struct {
	db *sql.DB
}

const modelColumns = `id, name, description, model_path, backend, is_active, warm_keep,
	max_context_length, default_temperature, default_max_tokens, remote_base_url, access_token,
	total_requests, total_responses, total_errors, total_input_tokens, total_output_tokens, total_tokens_processed,
	created_at, updated_at`

func scanModel(row interface{ Scan(...interface{}) error }) (*store.ModelConfig, error) {
	var m store.ModelConfig
	if err := row.Scan(&m.ID, &m.Name, &m.Description, &m.ModelPath, &m.Backend, &m.Active, &m.WarmKeep,
		&m.MaxContextLength, &m.DefaultTemperature, &m.DefaultMaxTokens, &m.RemoteBaseURL, &m.AccessToken,
		&m.TotalRequests, &m.TotalResponses, &m.TotalErrors, &m.TotalInputTokens, &m.TotalOutputTokens, &m.TotalTokensProcessed,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *modelStore) GetByName(ctx context.Context, name string) (*store.ModelConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE name = ?`, name)
	return scanModel(row)
}

func (s *modelStore) Get(ctx context.Context, id int64) (*store.ModelConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
	return scanModel(row)
}

func (s *modelStore) List(ctx context.Context, activeOnly bool) ([]store.ModelConfig, error) {
	query := `SELECT ` + modelColumns + ` FROM models`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ModelConfig
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *modelStore) Create(ctx context.Context, m *store.ModelConfig) error {
	if m.Backend != store.BackendBatch && m.Backend != store.BackendRemoteChat {
		return fmt.Errorf("invalid backend %q", m.Backend)
	}
	if m.MaxContextLength <= 0 {
		m.MaxContextLength = 4096
	}
	if m.DefaultTemperature == 0 {
		m.DefaultTemperature = 0.7
	}
	if m.DefaultMaxTokens <= 0 {
		m.DefaultMaxTokens = 512
	}
	if m.Backend == store.BackendRemoteChat && m.RemoteBaseURL == "" {
		m.RemoteBaseURL = "http://localhost:11434"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO models(name, description, model_path, backend, is_active, warm_keep,
	max_context_length, default_temperature, default_max_tokens, remote_base_url, access_token, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.Description, m.ModelPath, m.Backend, m.Active, m.WarmKeep,
		m.MaxContextLength, m.DefaultTemperature, m.DefaultMaxTokens, m.RemoteBaseURL, m.AccessToken, now, now)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (s *modelStore) Update(ctx context.Context, m *store.ModelConfig) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE models
SET name = ?, description = ?, model_path = ?, backend = ?, is_active = ?, warm_keep = ?,
	max_context_length = ?, default_temperature = ?, default_max_tokens = ?,
	remote_base_url = ?, access_token = ?, updated_at = ?
WHERE id = ?`,
		m.Name, m.Description, m.ModelPath, m.Backend, m.Active, m.WarmKeep,
		m.MaxContextLength, m.DefaultTemperature, m.DefaultMaxTokens,
		m.RemoteBaseURL, m.AccessToken, now, m.ID)
	if err != nil {
		return fmt.Errorf("update model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	m.UpdatedAt = now
	return nil
}

func (s *modelStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *modelStore) IncrementStats(ctx context.Context, id int64, success bool, inputTokens, outputTokens int) error {
	responses, failures := 0, 1
	if success {
		responses, failures = 1, 0
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE models
SET total_requests = total_requests + 1,
	total_responses = total_responses + ?,
	total_errors = total_errors + ?,
	total_input_tokens = total_input_tokens + ?,
	total_output_tokens = total_output_tokens + ?,
	total_tokens_processed = total_tokens_processed + ?
WHERE id = ?`,
		responses, failures, inputTokens, outputTokens, inputTokens+outputTokens, id)
	return err
}

// ----------------------------------------------------------------------------
// requests

type requestStore struct {
	db *sql.DB
}

func (s *requestStore) Create(ctx context.Context, r *store.InferenceRequest) error {
	if r.ID == "" {
		return errors.New("request id required")
	}
	if r.Status == "" {
		r.Status = store.StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO requests(id, credential_id, model_id, prompt, system_prompt, temperature, max_tokens, top_p, top_k,
	stream, status, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CredentialID, r.ModelID, r.Prompt, r.SystemPrompt, r.Temperature, r.MaxTokens, r.TopP, r.TopK,
		r.Stream, r.Status, r.Metadata, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *requestStore) Update(ctx context.Context, r *store.InferenceRequest) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE requests
SET status = ?, response = ?, error_message = ?, input_tokens = ?, output_tokens = ?, total_tokens = ?,
	metadata = ?, started_at = ?, completed_at = ?
WHERE id = ?`,
		r.Status, r.Response, r.ErrorMessage, r.InputTokens, r.OutputTokens, r.TotalTokens,
		r.Metadata, r.StartedAt, r.CompletedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *requestStore) Get(ctx context.Context, id string) (*store.InferenceRequest, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, credential_id, model_id, prompt, system_prompt, temperature, max_tokens, top_p, top_k,
	stream, status, response, error_message, input_tokens, output_tokens, total_tokens, metadata,
	created_at, started_at, completed_at
FROM requests WHERE id = ?`, id)

	var r store.InferenceRequest
	var temp, topP sql.NullFloat64
	var maxTokens, topK sql.NullInt64
	var started, completed sql.NullTime
	if err := row.Scan(&r.ID, &r.CredentialID, &r.ModelID, &r.Prompt, &r.SystemPrompt, &temp, &maxTokens, &topP, &topK,
		&r.Stream, &r.Status, &r.Response, &r.ErrorMessage, &r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.Metadata,
		&r.CreatedAt, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if temp.Valid {
		v := temp.Float64
		r.Temperature = &v
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		r.MaxTokens = &v
	}
	if topP.Valid {
		v := topP.Float64
		r.TopP = &v
	}
	if topK.Valid {
		v := int(topK.Int64)
		r.TopK = &v
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *requestStore) CountSince(ctx context.Context, credentialID int64, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM requests WHERE credential_id = ? AND created_at >= ?`, credentialID, since.UTC())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *requestStore) CountsByHour(ctx context.Context, since time.Time) (map[time.Time]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT strftime('%Y-%m-%dT%H:00:00Z', created_at) AS hour, COUNT(*)
FROM requests
WHERE created_at >= ?
GROUP BY hour
ORDER BY hour`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[time.Time]int)
	for rows.Next() {
		var hour string
		var count int
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, hour)
		if err != nil {
			return nil, fmt.Errorf("parse hour bucket: %w", err)
		}
		out[t] = count
	}
	return out, rows.Err()
}

func (s *requestStore) CountsByModel(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.name, COUNT(r.id)
FROM requests r
JOIN models m ON m.id = r.model_id
WHERE r.created_at >= ?
GROUP BY m.name`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, rows.Err()
}
