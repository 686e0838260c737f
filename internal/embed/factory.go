package embed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// Factory hands out embedders per model, shared across knowledge
// bases. When the Ollama daemon is unreachable the factory degrades to
// the deterministic static embedder at the model's dimensionality so
// ingestion and search keep working offline.
type Factory struct {
	ollamaHost  string
	cacheSize   int
	forceStatic bool

	mu        sync.Mutex
	embedders map[string]Embedder
}

// FactoryConfig configures embedder construction.
type FactoryConfig struct {
	OllamaHost string
	CacheSize  int
	// ForceStatic skips Ollama entirely; used by tests and air-gapped
	// deployments.
	ForceStatic bool
}

// NewFactory creates a factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.OllamaHost == "" {
		cfg.OllamaHost = DefaultOllamaHost
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	return &Factory{
		ollamaHost:  cfg.OllamaHost,
		cacheSize:   cfg.CacheSize,
		forceStatic: cfg.ForceStatic,
		embedders:   make(map[string]Embedder),
	}
}

// ForModel returns a cached-wrapper embedder for the model, creating
// it on first use.
func (f *Factory) ForModel(ctx context.Context, model string) (Embedder, error) {
	if model == "" {
		return nil, kberr.New(kberr.KindInvalidInput, "embedding model name is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.embedders[model]; ok {
		return e, nil
	}

	inner, err := f.build(ctx, model)
	if err != nil {
		return nil, err
	}
	e := NewCachedEmbedder(inner, f.cacheSize)
	f.embedders[model] = e
	return e, nil
}

func (f *Factory) build(ctx context.Context, model string) (Embedder, error) {
	dims, known := KnownDimensions(model)

	if f.forceStatic || model == "static" {
		return NewStaticEmbedder(model, dims), nil
	}

	ollama, err := NewOllamaEmbedder(ctx, OllamaConfig{
		Host:       f.ollamaHost,
		Model:      model,
		Dimensions: dims,
	})
	if err == nil {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if ollama.Available(probeCtx) {
			return ollama, nil
		}
		_ = ollama.Close()
		err = kberr.New(kberr.KindEmbeddingFailed, "embedding service unreachable")
	}
	if !known {
		return nil, kberr.Wrap(kberr.KindEmbeddingFailed, "model "+model, err)
	}

	slog.Warn("embedding service unavailable, using static embedder",
		slog.String("model", model), slog.String("error", err.Error()))
	return NewStaticEmbedder(model, dims), nil
}

// Dimensions resolves a model's dimensionality without forcing an
// embedder into existence when the model is known.
func (f *Factory) Dimensions(model string) (int, error) {
	if dims, ok := KnownDimensions(model); ok {
		return dims, nil
	}
	e, err := f.ForModel(context.Background(), model)
	if err != nil {
		return 0, err
	}
	return e.Dimensions(), nil
}

// Close closes every embedder the factory handed out.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for model, e := range f.embedders {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.embedders, model)
	}
	return firstErr
}
