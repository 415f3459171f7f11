package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chungus/inference-gateway/internal/store"
	"github.com/chungus/inference-gateway/internal/store/sqlite"
)

func TestLoadGatewayConfig(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	setting := "environment=dev\nlog_level=debug\nlog_file=/tmp/base.log\n"
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	content := "listen_addr=:9090\ndatabase_url=/tmp/custom.db\nadmin_token=file-token\nwarmup_interval=90s\nredis_addr=localhost:6379\n"
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "gateway.ini"), []byte(content), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
	os.Setenv("GATEWAY_ADMIN_TOKEN", "env-token")
	t.Cleanup(func() { os.Unsetenv("GATEWAY_ADMIN_TOKEN") })

	cfg, err := LoadGatewayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected listen addr %s", cfg.ListenAddr)
	}
	if cfg.DatabaseURL != "/tmp/custom.db" {
		t.Fatalf("unexpected database url %s", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.AdminToken != "env-token" {
		t.Fatalf("env override not applied, got %s", cfg.AdminToken)
	}
	if cfg.WarmupInterval != 90*time.Second {
		t.Fatalf("unexpected warmup interval %s", cfg.WarmupInterval)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %s", cfg.RedisAddr)
	}
}

func TestLoadGatewayConfigDefaults(t *testing.T) {
	tmp := t.TempDir()

	cfg, err := LoadGatewayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.ListenAddr != ":8000" {
		t.Fatalf("expected default listen addr :8000, got %s", cfg.ListenAddr)
	}
	if cfg.DatabaseURL != DefaultDatabasePath() {
		t.Fatalf("expected default database path, got %s", cfg.DatabaseURL)
	}
	if !cfg.WarmupEnabled {
		t.Fatalf("warmup should default to enabled")
	}
	if cfg.WarmupInterval != 180*time.Second {
		t.Fatalf("expected default warmup interval 180s, got %s", cfg.WarmupInterval)
	}
	if cfg.AdminToken != "" {
		t.Fatalf("admin token should default to empty, got %s", cfg.AdminToken)
	}
}

func TestLoadGatewayConfigInvalidInterval(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "gateway.ini"), []byte("warmup_interval=not-a-duration\n"), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}

	if _, err := LoadGatewayConfig(tmp); err == nil {
		t.Fatalf("expected error for invalid warmup interval")
	}
}

func TestIsPostgres(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"postgres://user:pw@localhost/db", true},
		{"postgresql://user:pw@localhost/db", true},
		{"/var/lib/gateway/gateway.db", false},
		{"gateway.db", false},
	}
	for _, tc := range cases {
		cfg := GatewayConfig{DatabaseURL: tc.url}
		if cfg.IsPostgres() != tc.want {
			t.Errorf("IsPostgres(%q) = %v, want %v", tc.url, !tc.want, tc.want)
		}
	}
}

func TestLoadCatalogAndSeed(t *testing.T) {
	tmp := t.TempDir()
	catalog := `models:
  - name: llama3
    description: general chat
    model_path: llama3:8b
    backend: remote-chat
    warm_keep: true
    default_max_tokens: 256
  - name: tiny
    model_path: org/tiny
    backend: batch-engine
    active: false
`
	path := filepath.Join(tmp, "models.yaml")
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	entries, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	s, err := sqlite.New(filepath.Join(tmp, "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := SeedModels(ctx, s.Models(), entries); err != nil {
		t.Fatalf("SeedModels: %v", err)
	}
	llama, err := s.Models().GetByName(ctx, "llama3")
	if err != nil {
		t.Fatalf("get llama3: %v", err)
	}
	if !llama.WarmKeep || !llama.Active || llama.DefaultMaxTokens != 256 {
		t.Errorf("llama3 = %+v", llama)
	}
	tiny, err := s.Models().GetByName(ctx, "tiny")
	if err != nil {
		t.Fatalf("get tiny: %v", err)
	}
	if tiny.Active {
		t.Error("tiny should seed inactive")
	}
	if tiny.Backend != store.BackendBatch {
		t.Errorf("tiny backend = %q", tiny.Backend)
	}

	// Re-seeding refreshes config without duplicating rows.
	entries[0].Description = "updated"
	if err := SeedModels(ctx, s.Models(), entries); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	models, err := s.Models().List(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models after re-seed, want 2", len(models))
	}
	llama, _ = s.Models().GetByName(ctx, "llama3")
	if llama.Description != "updated" {
		t.Errorf("description = %q", llama.Description)
	}
}

func TestLoadCatalogRejectsIncompleteEntry(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "models.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - name: incomplete\n"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatal("expected error for incomplete entry")
	}
}
