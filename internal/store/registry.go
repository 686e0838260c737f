package store

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/kbmcp/internal/config"
	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// DimensionResolver reports the embedding dimension of a model id.
// Provided by the embedding factory so the registry can open vector
// indices without depending on it.
type DimensionResolver func(model string) (int, error)

// Registry manages the set of knowledge bases under a data root. Each
// KB is a directory holding its own store; the registry scans the
// directory tree at startup, so there is no separate registry file to
// drift out of sync.
//
// A KB whose store fails to open is kept in a degraded entry: it is
// listed, all operations on it fail with the open error, and writes are
// rejected.
type Registry struct {
	paths   config.Paths
	resolve DimensionResolver

	mu       sync.RWMutex
	stores   map[string]*KBStore
	degraded map[string]error
}

// OpenRegistry scans the knowledge-bases directory and opens every KB.
func OpenRegistry(ctx context.Context, paths config.Paths, resolve DimensionResolver) (*Registry, error) {
	r := &Registry{
		paths:    paths,
		resolve:  resolve,
		stores:   make(map[string]*KBStore),
		degraded: make(map[string]error),
	}

	dir := paths.KnowledgeBasesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "create knowledge-bases directory", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "scan knowledge-bases directory", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		kbID := e.Name()
		if err := r.openOne(ctx, kbID); err != nil {
			slog.Error("knowledge base degraded",
				slog.String("kb_id", kbID), slog.String("error", err.Error()))
			r.degraded[kbID] = err
		}
	}
	return r, nil
}

func (r *Registry) openOne(ctx context.Context, kbID string) error {
	// The KB row carries the model; read it first with a throwaway
	// metadata handle, then open the full store with the right dimension.
	meta, err := OpenMetaDB(r.paths.MetaDB(kbID), kbID)
	if err != nil {
		return err
	}
	k, err := meta.LoadKB()
	closeErr := meta.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "close metadata probe", closeErr)
	}

	dim, err := r.resolve(k.Config.EmbeddingModel)
	if err != nil {
		return err
	}
	s, err := OpenKBStore(ctx, r.paths.KBDir(kbID), kbID, k.Config.EmbeddingModel, dim)
	if err != nil {
		return err
	}
	r.stores[kbID] = s
	return nil
}

// Create makes a new knowledge base with a fresh id. Names are unique;
// a duplicate is a conflict.
func (r *Registry) Create(ctx context.Context, name, description string, cfg kb.KBConfig) (kb.KnowledgeBase, error) {
	if name == "" {
		return kb.KnowledgeBase{}, kberr.New(kberr.KindInvalidInput, "knowledge base name must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return kb.KnowledgeBase{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id := r.findByNameLocked(name); id != "" {
		return kb.KnowledgeBase{}, kberr.Newf(kberr.KindConflict, "knowledge base name already in use: %s", name)
	}

	dim, err := r.resolve(cfg.EmbeddingModel)
	if err != nil {
		return kb.KnowledgeBase{}, err
	}

	k := kb.KnowledgeBase{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Config:      cfg,
	}

	s, err := OpenKBStore(ctx, r.paths.KBDir(k.ID), k.ID, cfg.EmbeddingModel, dim)
	if err != nil {
		return kb.KnowledgeBase{}, err
	}
	if err := s.Meta.InitKB(k); err != nil {
		_ = s.Close()
		_ = os.RemoveAll(r.paths.KBDir(k.ID))
		return kb.KnowledgeBase{}, err
	}

	r.stores[k.ID] = s
	slog.Info("knowledge base created", slog.String("kb_id", k.ID), slog.String("name", name))
	return k, nil
}

// findByNameLocked returns the id of the KB with the given name, or "".
func (r *Registry) findByNameLocked(name string) string {
	for id, s := range r.stores {
		k, err := s.Meta.LoadKB()
		if err == nil && k.Name == name {
			return id
		}
	}
	return ""
}

// Store returns the open store for a KB.
func (r *Registry) Store(kbID string) (*KBStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err, ok := r.degraded[kbID]; ok {
		return nil, kberr.Wrap(kberr.KindIndexCorrupt, "knowledge base is degraded", err)
	}
	s, ok := r.stores[kbID]
	if !ok {
		return nil, kberr.Newf(kberr.KindNotFound, "knowledge base not found: %s", kbID)
	}
	return s, nil
}

// Get loads one knowledge base.
func (r *Registry) Get(kbID string) (kb.KnowledgeBase, error) {
	s, err := r.Store(kbID)
	if err != nil {
		return kb.KnowledgeBase{}, err
	}
	return s.Meta.LoadKB()
}

// FindByName resolves a KB by display name.
func (r *Registry) FindByName(name string) (kb.KnowledgeBase, error) {
	r.mu.RLock()
	id := r.findByNameLocked(name)
	r.mu.RUnlock()
	if id == "" {
		return kb.KnowledgeBase{}, kberr.Newf(kberr.KindNotFound, "knowledge base not found: %s", name)
	}
	return r.Get(id)
}

// List returns all healthy knowledge bases ordered by creation time.
func (r *Registry) List() ([]kb.KnowledgeBase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]kb.KnowledgeBase, 0, len(r.stores))
	for _, s := range r.stores {
		k, err := s.Meta.LoadKB()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DegradedIDs lists KBs that failed to open.
func (r *Registry) DegradedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.degraded))
	for id := range r.degraded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateInfo renames a KB and/or changes its description. The id is
// stable across renames.
func (r *Registry) UpdateInfo(kbID, name, description string) (kb.KnowledgeBase, error) {
	if name == "" {
		return kb.KnowledgeBase{}, kberr.New(kberr.KindInvalidInput, "knowledge base name must not be empty")
	}
	s, err := r.Store(kbID)
	if err != nil {
		return kb.KnowledgeBase{}, err
	}

	r.mu.Lock()
	if other := r.findByNameLocked(name); other != "" && other != kbID {
		r.mu.Unlock()
		return kb.KnowledgeBase{}, kberr.Newf(kberr.KindConflict, "knowledge base name already in use: %s", name)
	}
	err = s.Meta.UpdateKBInfo(name, description)
	r.mu.Unlock()
	if err != nil {
		return kb.KnowledgeBase{}, err
	}
	return s.Meta.LoadKB()
}

// UpdateConfig validates and stores a new configuration, returning the
// updated KB and whether the change invalidates stored embeddings.
func (r *Registry) UpdateConfig(kbID string, cfg kb.KBConfig) (kb.KnowledgeBase, bool, error) {
	if err := cfg.Validate(); err != nil {
		return kb.KnowledgeBase{}, false, err
	}
	s, err := r.Store(kbID)
	if err != nil {
		return kb.KnowledgeBase{}, false, err
	}
	old, err := s.Meta.LoadKB()
	if err != nil {
		return kb.KnowledgeBase{}, false, err
	}
	if _, err := r.resolve(cfg.EmbeddingModel); err != nil {
		return kb.KnowledgeBase{}, false, err
	}
	if err := s.Meta.UpdateKBConfig(cfg); err != nil {
		return kb.KnowledgeBase{}, false, err
	}
	updated, err := s.Meta.LoadKB()
	if err != nil {
		return kb.KnowledgeBase{}, false, err
	}
	return updated, cfg.RequiresReindex(old.Config), nil
}

// Delete closes a KB and removes its directory with blobs, metadata,
// and both indices.
func (r *Registry) Delete(kbID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.degraded[kbID]; ok {
		delete(r.degraded, kbID)
		if err := os.RemoveAll(r.paths.KBDir(kbID)); err != nil {
			return kberr.Wrap(kberr.KindStorageFailed, "remove kb directory", err)
		}
		return nil
	}

	s, ok := r.stores[kbID]
	if !ok {
		return kberr.Newf(kberr.KindNotFound, "knowledge base not found: %s", kbID)
	}
	delete(r.stores, kbID)
	if err := s.Close(); err != nil {
		slog.Warn("close before delete failed", slog.String("kb_id", kbID), slog.String("error", err.Error()))
	}
	if err := os.RemoveAll(r.paths.KBDir(kbID)); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "remove kb directory", err)
	}
	slog.Info("knowledge base deleted", slog.String("kb_id", kbID))
	return nil
}

// Stats summarizes one KB.
func (r *Registry) Stats(kbID string) (kb.Stats, error) {
	s, err := r.Store(kbID)
	if err != nil {
		return kb.Stats{}, err
	}
	return s.Meta.Stats()
}

// Close closes every open store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.stores, id)
	}
	return firstErr
}
