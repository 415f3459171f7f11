// Package config loads gateway settings from layered INI files with
// environment-variable overrides.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the daemon.
type GatewayConfig struct {
	Environment string
	ListenAddr  string

	// DatabaseURL is either a postgres DSN (postgres:// or
	// postgresql:// prefix) or a sqlite file path.
	DatabaseURL string

	// Redis-backed rate-limit window sharing; empty addr keeps the
	// store-backed counter.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AdminToken guards /admin; empty disables the admin surface.
	AdminToken string

	LogFile  string
	LogLevel string

	WarmupEnabled  bool
	WarmupInterval time.Duration

	// ModelCatalog is an optional YAML seed file upserted at boot.
	ModelCatalog string

	// RemoteTimeout bounds calls to remote-chat backends.
	RemoteTimeout time.Duration

	// BatchBaseURL is the batch inference server handling local model
	// completions and embeddings.
	BatchBaseURL string
}

// IsPostgres reports whether DatabaseURL points at a postgres server.
func (c GatewayConfig) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// LoadGatewayConfig reads the current environment and loads the
// appropriate gateway config file.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := GatewayConfig{
		Environment:   s.Environment,
		ListenAddr:    firstNonEmpty(os.Getenv("GATEWAY_LISTEN_ADDR"), merged["listen_addr"], ":8000"),
		DatabaseURL:   firstNonEmpty(os.Getenv("GATEWAY_DATABASE_URL"), merged["database_url"], DefaultDatabasePath()),
		RedisAddr:     firstNonEmpty(os.Getenv("GATEWAY_REDIS_ADDR"), merged["redis_addr"]),
		RedisPassword: firstNonEmpty(os.Getenv("GATEWAY_REDIS_PASSWORD"), merged["redis_password"]),
		RedisDB:       parseOptionalInt(firstNonEmpty(os.Getenv("GATEWAY_REDIS_DB"), merged["redis_db"]), 0),
		AdminToken:    firstNonEmpty(os.Getenv("GATEWAY_ADMIN_TOKEN"), merged["admin_token"]),
		LogFile:       firstNonEmpty(os.Getenv("GATEWAY_LOG_FILE"), merged["log_file"]),
		LogLevel:      firstNonEmpty(os.Getenv("GATEWAY_LOG_LEVEL"), merged["log_level"], "info"),
		WarmupEnabled: parseOptionalBool(firstNonEmpty(os.Getenv("GATEWAY_WARMUP_ENABLED"), merged["warmup_enabled"]), true),
		ModelCatalog:  firstNonEmpty(os.Getenv("GATEWAY_MODEL_CATALOG"), merged["model_catalog"]),
		BatchBaseURL:  firstNonEmpty(os.Getenv("GATEWAY_BATCH_BASE_URL"), merged["batch_base_url"], "http://localhost:8001"),
	}

	cfg.WarmupInterval = 180 * time.Second
	if v := firstNonEmpty(os.Getenv("GATEWAY_WARMUP_INTERVAL"), merged["warmup_interval"]); strings.TrimSpace(v) != "" {
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid warmup_interval %q: %w", v, err)
		}
		cfg.WarmupInterval = dur
	}

	cfg.RemoteTimeout = 10 * time.Minute
	if v := firstNonEmpty(os.Getenv("GATEWAY_REMOTE_TIMEOUT"), merged["remote_timeout"]); strings.TrimSpace(v) != "" {
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid remote_timeout %q: %w", v, err)
		}
		cfg.RemoteTimeout = dur
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultDatabasePath returns the fallback sqlite location under the
// user's home directory.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.db"
	}
	return filepath.Join(home, ".inference-gateway", "gateway.db")
}
