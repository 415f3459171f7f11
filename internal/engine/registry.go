package engine

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/chungus/inference-gateway/internal/store"
)

// Registry caches one engine handle per model name. Generation and
// embedding engines are cached separately because one model can serve
// both roles with distinct runtimes.
//
// Handles are never evicted; a model stays resident until the process
// exits.
type Registry struct {
	mu      sync.RWMutex
	factory Factory
	logger  *log.Logger

	generation map[string]*Handle
	embedding  map[string]*Handle
}

// NewRegistry returns an empty registry backed by the given factory.
func NewRegistry(factory Factory, logger *log.Logger) *Registry {
	return &Registry{
		factory:    factory,
		logger:     logger,
		generation: make(map[string]*Handle),
		embedding:  make(map[string]*Handle),
	}
}

// GetOrCreate returns the generation handle for the model, constructing
// it on first use. Concurrent callers for the same model observe a
// single construction.
func (r *Registry) GetOrCreate(ctx context.Context, model *store.ModelConfig) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.generation[model.Name]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have won the race while we waited.
	if h, ok := r.generation[model.Name]; ok {
		return h, nil
	}

	if model.Backend == store.BackendRemoteChat {
		h := &Handle{Model: model, RemoteModel: model.ModelPath}
		r.generation[model.Name] = h
		return h, nil
	}

	resolveAccessToken(model)
	r.logger.Printf("loading generation engine for model %s (%s)", model.Name, model.ModelPath)
	runner, err := r.factory.NewRunner(ctx, model)
	if err != nil {
		return nil, newInitError(model.Name, err)
	}
	h = &Handle{Model: model, Runner: runner}
	r.generation[model.Name] = h
	r.logger.Printf("generation engine ready for model %s", model.Name)
	return h, nil
}

// GetOrCreateEmbedding returns the embedding handle for the model,
// constructing it on first use.
func (r *Registry) GetOrCreateEmbedding(ctx context.Context, model *store.ModelConfig) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.embedding[model.Name]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.embedding[model.Name]; ok {
		return h, nil
	}

	if model.Backend == store.BackendRemoteChat {
		h := &Handle{Model: model, RemoteModel: model.ModelPath}
		r.embedding[model.Name] = h
		return h, nil
	}

	resolveAccessToken(model)
	r.logger.Printf("loading embedding engine for model %s (%s)", model.Name, model.ModelPath)
	embedder, err := r.factory.NewEmbedder(ctx, model)
	if err != nil {
		return nil, newInitError(model.Name, err)
	}
	h = &Handle{Model: model, Embedder: embedder}
	r.embedding[model.Name] = h
	return h, nil
}

// Loaded reports which model names currently hold a generation handle.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generation))
	for name := range r.generation {
		names = append(names, name)
	}
	return names
}

// Close tears down every cached engine.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, h := range r.generation {
		if h.Runner != nil {
			if err := h.Runner.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(r.generation, name)
	}
	for name, h := range r.embedding {
		if h.Embedder != nil {
			if err := h.Embedder.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(r.embedding, name)
	}
	return firstErr
}

// resolveAccessToken reconciles the model's access token with the
// process environment. A token configured on the model wins and is
// exported for runtimes that only read the environment; otherwise a
// token already in the environment is copied onto the model.
func resolveAccessToken(model *store.ModelConfig) {
	if model.AccessToken != "" {
		os.Setenv("HF_TOKEN", model.AccessToken)
		os.Setenv("HUGGINGFACE_TOKEN", model.AccessToken)
		return
	}
	for _, name := range []string{"HF_TOKEN", "HUGGINGFACE_TOKEN"} {
		if tok := os.Getenv(name); tok != "" {
			model.AccessToken = tok
			os.Setenv("HF_TOKEN", tok)
			os.Setenv("HUGGINGFACE_TOKEN", tok)
			return
		}
	}
}
