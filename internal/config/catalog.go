package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chungus/inference-gateway/internal/store"
)

// CatalogModel is one entry of the YAML model catalog.
type CatalogModel struct {
	Name               string  `yaml:"name"`
	Description        string  `yaml:"description"`
	ModelPath          string  `yaml:"model_path"`
	Backend            string  `yaml:"backend"`
	Active             *bool   `yaml:"active"`
	WarmKeep           bool    `yaml:"warm_keep"`
	MaxContextLength   int     `yaml:"max_context_length"`
	DefaultTemperature float64 `yaml:"default_temperature"`
	DefaultMaxTokens   int     `yaml:"default_max_tokens"`
	RemoteBaseURL      string  `yaml:"remote_base_url"`
	AccessToken        string  `yaml:"access_token"`
}

type catalogFile struct {
	Models []CatalogModel `yaml:"models"`
}

// LoadCatalog parses a YAML model catalog.
func LoadCatalog(path string) ([]CatalogModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	for i, m := range file.Models {
		if m.Name == "" || m.ModelPath == "" || m.Backend == "" {
			return nil, fmt.Errorf("model catalog %s: entry %d needs name, model_path and backend", path, i)
		}
	}
	return file.Models, nil
}

// SeedModels upserts catalog entries into the model store. Existing
// models get their configuration refreshed; counters are untouched.
func SeedModels(ctx context.Context, models store.ModelStore, entries []CatalogModel) error {
	for _, e := range entries {
		active := true
		if e.Active != nil {
			active = *e.Active
		}

		existing, err := models.GetByName(ctx, e.Name)
		if err == store.ErrNotFound {
			m := &store.ModelConfig{
				Name:               e.Name,
				Description:        e.Description,
				ModelPath:          e.ModelPath,
				Backend:            e.Backend,
				Active:             active,
				WarmKeep:           e.WarmKeep,
				MaxContextLength:   e.MaxContextLength,
				DefaultTemperature: e.DefaultTemperature,
				DefaultMaxTokens:   e.DefaultMaxTokens,
				RemoteBaseURL:      e.RemoteBaseURL,
				AccessToken:        e.AccessToken,
			}
			if err := models.Create(ctx, m); err != nil {
				return fmt.Errorf("seed model %s: %w", e.Name, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("seed model %s: %w", e.Name, err)
		}

		existing.Description = e.Description
		existing.ModelPath = e.ModelPath
		existing.Backend = e.Backend
		existing.Active = active
		existing.WarmKeep = e.WarmKeep
		if e.MaxContextLength > 0 {
			existing.MaxContextLength = e.MaxContextLength
		}
		if e.DefaultTemperature > 0 {
			existing.DefaultTemperature = e.DefaultTemperature
		}
		if e.DefaultMaxTokens > 0 {
			existing.DefaultMaxTokens = e.DefaultMaxTokens
		}
		if e.RemoteBaseURL != "" {
			existing.RemoteBaseURL = e.RemoteBaseURL
		}
		if e.AccessToken != "" {
			existing.AccessToken = e.AccessToken
		}
		if err := models.Update(ctx, existing); err != nil {
			return fmt.Errorf("seed model %s: %w", e.Name, err)
		}
	}
	return nil
}
