// Package service assembles the backend: configuration, stores,
// pipelines, search, reindexing, and the tool server fleet, behind a
// single-instance lock on the data root.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/kbmcp/internal/config"
	"github.com/Aman-CERP/kbmcp/internal/embed"
	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/ingest"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/reindex"
	"github.com/Aman-CERP/kbmcp/internal/search"
	"github.com/Aman-CERP/kbmcp/internal/store"
	"github.com/Aman-CERP/kbmcp/internal/supervisor"
)

// Options configures service startup.
type Options struct {
	Root string

	// OllamaHost overrides the embedding service address. Empty means
	// the default localhost address.
	OllamaHost string

	// ForceStatic skips the embedding service entirely and uses the
	// built-in static embedder. Useful for tests and offline machines.
	ForceStatic bool
}

// Service owns every long-lived component of the backend.
type Service struct {
	Paths  config.Paths
	Config config.Config

	Embedders  *embed.Factory
	Registry   *store.Registry
	Pipeline   *ingest.Pipeline
	Engine     *search.Engine
	Reindexer  *reindex.Controller
	Supervisor *supervisor.Supervisor

	lock *flock.Flock
}

// Open builds the full component graph. It fails fast when another
// instance already holds the data root.
func Open(ctx context.Context, opts Options) (*Service, error) {
	paths := config.NewPaths(opts.Root)
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "create data root", err)
	}

	cfg, err := config.Load(opts.Root)
	if err != nil {
		return nil, err
	}

	lock := flock.New(paths.LockFile())
	held, err := lock.TryLock()
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "acquire instance lock", err)
	}
	if !held {
		return nil, kberr.New(kberr.KindConflict, "another instance is already running on this data root").
			WithDetail("lock_file", paths.LockFile())
	}

	s := &Service{Paths: paths, Config: cfg, lock: lock}
	if err := s.build(ctx, opts); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, opts Options) error {
	s.Embedders = embed.NewFactory(embed.FactoryConfig{
		OllamaHost:  opts.OllamaHost,
		ForceStatic: opts.ForceStatic,
	})

	registry, err := store.OpenRegistry(ctx, s.Paths, s.Embedders.Dimensions)
	if err != nil {
		_ = s.Embedders.Close()
		return err
	}
	s.Registry = registry

	counter := embed.NewTokenCounter()
	s.Pipeline = ingest.New(registry, s.Embedders, counter)
	s.Engine = search.NewEngine(registry, s.Embedders)
	s.Reindexer = reindex.NewController(registry, s.Embedders, counter)

	sup, err := supervisor.New(supervisor.Options{
		RecordsPath: s.Paths.ToolServersFile(),
		PortStart:   s.Config.MCP.StartPort,
		PortMax:     s.Config.MCP.MaxPort,
		BackendAddr: fmt.Sprintf("127.0.0.1:%d", s.Config.Backend.Port),
		LogsDir:     s.Paths.LogsDir(),
	})
	if err != nil {
		_ = registry.Close()
		_ = s.Embedders.Close()
		return err
	}
	s.Supervisor = sup

	if degraded := registry.DegradedIDs(); len(degraded) > 0 {
		slog.Warn("some knowledge bases failed to open", slog.Int("count", len(degraded)))
	}
	return nil
}

// Start brings up the tool server fleet.
func (s *Service) Start(ctx context.Context) {
	s.Supervisor.StartEnabled(ctx)
}

// Close shuts components down in reverse dependency order.
func (s *Service) Close() error {
	s.Supervisor.StopAll()
	err := s.Registry.Close()
	if cerr := s.Embedders.Close(); err == nil {
		err = cerr
	}
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

// CreateKB creates a knowledge base and gives it a dedicated tool
// server, disabled until the operator turns it on.
func (s *Service) CreateKB(ctx context.Context, name, description string, cfg kb.KBConfig) (kb.KnowledgeBase, error) {
	base, err := s.Registry.Create(ctx, name, description, cfg)
	if err != nil {
		return kb.KnowledgeBase{}, err
	}
	if _, err := s.Supervisor.OnKBCreated(ctx, base.ID, base.Name); err != nil {
		slog.Warn("default tool server not created",
			slog.String("kb_id", base.ID), slog.String("error", err.Error()))
	}
	return base, nil
}

// UpdateKBInfo renames a knowledge base and refreshes any running tool
// servers that expose it.
func (s *Service) UpdateKBInfo(ctx context.Context, kbID, name, description string) (kb.KnowledgeBase, error) {
	base, err := s.Registry.UpdateInfo(kbID, name, description)
	if err != nil {
		return kb.KnowledgeBase{}, err
	}
	s.Supervisor.OnKBRenamed(ctx, kbID)
	return base, nil
}

// DeleteKB removes a knowledge base and detaches it from the fleet.
func (s *Service) DeleteKB(ctx context.Context, kbID string) error {
	if err := s.Registry.Delete(kbID); err != nil {
		return err
	}
	s.Supervisor.OnKBDeleted(ctx, kbID)
	return nil
}
