package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbmcp/internal/config"
	"github.com/Aman-CERP/kbmcp/internal/embed"
	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/ingest"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/store"
)

type engineFixture struct {
	engine   *Engine
	pipeline *ingest.Pipeline
	registry *store.Registry
	base     kb.KnowledgeBase
}

func newEngineFixture(t *testing.T, cfg kb.KBConfig) *engineFixture {
	t.Helper()

	factory := embed.NewFactory(embed.FactoryConfig{ForceStatic: true})
	t.Cleanup(func() { _ = factory.Close() })

	registry, err := store.OpenRegistry(context.Background(), config.NewPaths(t.TempDir()), factory.Dimensions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	base, err := registry.Create(context.Background(), "library", "", cfg)
	require.NoError(t, err)

	return &engineFixture{
		engine:   NewEngine(registry, factory),
		pipeline: ingest.New(registry, factory, embed.ApproxTokenCounter{}),
		registry: registry,
		base:     base,
	}
}

func (f *engineFixture) upload(t *testing.T, filename, content string) kb.Document {
	t.Helper()
	doc, err := f.pipeline.Upload(context.Background(), f.base.ID, filename, []byte(content), nil)
	require.NoError(t, err)
	return doc
}

func hybridConfig() kb.KBConfig {
	cfg := kb.DefaultConfig()
	cfg.HybridSearch = true
	return cfg
}

func TestQueryVectorOnly(t *testing.T) {
	cfg := kb.DefaultConfig()
	cfg.HybridSearch = false
	f := newEngineFixture(t, cfg)

	doc := f.upload(t, "pumps.txt", "Centrifugal pump impeller balancing procedure.")
	f.upload(t, "other.txt", "Completely unrelated cooking instructions.")

	resp, err := f.engine.Query(context.Background(), f.base.ID, "pump impeller balancing", 5)
	require.NoError(t, err)

	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, doc.ID, top.DocumentID)
	assert.Equal(t, "pumps.txt", top.Filename)
	assert.Equal(t, "text", top.FileType)
	assert.Equal(t, 0, top.ChunkIndex)
	assert.GreaterOrEqual(t, top.Score, 0.0)
	assert.LessOrEqual(t, top.Score, 1.0)
	assert.Greater(t, resp.ElapsedSeconds, 0.0)
	assert.Equal(t, len(resp.Results), resp.Total)
}

func TestQueryHybridPrefersExactTerms(t *testing.T) {
	f := newEngineFixture(t, hybridConfig())

	target := f.upload(t, "rfc.txt", "The flux capacitor requires 1.21 gigawatts of power.")
	f.upload(t, "a.txt", "General notes about electrical systems and power supplies.")
	f.upload(t, "b.txt", "More notes about wiring, breakers, and capacitors.")

	resp, err := f.engine.Query(context.Background(), f.base.ID, "flux capacitor gigawatts", 3)
	require.NoError(t, err)

	require.NotEmpty(t, resp.Results)
	assert.Equal(t, target.ID, resp.Results[0].DocumentID)
}

func TestQueryRetrievalParamsApplyWithoutReindex(t *testing.T) {
	f := newEngineFixture(t, hybridConfig())
	f.upload(t, "doc.txt", "Searchable content about pipeline inspection robots.")

	cfg := f.base.Config
	cfg.HybridSearch = true
	cfg.VectorWeight = 0.9
	_, requiresReindex, err := f.registry.UpdateConfig(f.base.ID, cfg)
	require.NoError(t, err)
	assert.False(t, requiresReindex)

	resp, err := f.engine.Query(context.Background(), f.base.ID, "pipeline inspection", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestQueryValidation(t *testing.T) {
	f := newEngineFixture(t, kb.DefaultConfig())

	_, err := f.engine.Query(context.Background(), f.base.ID, "", 5)
	assert.Equal(t, kberr.KindInvalidInput, kberr.KindOf(err))

	_, err = f.engine.Query(context.Background(), "missing-kb", "query", 5)
	assert.Equal(t, kberr.KindNotFound, kberr.KindOf(err))
}

func TestQueryEmptyKB(t *testing.T) {
	f := newEngineFixture(t, hybridConfig())

	resp, err := f.engine.Query(context.Background(), f.base.ID, "anything at all", 5)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.Total)
}

func TestQueryLimit(t *testing.T) {
	f := newEngineFixture(t, hybridConfig())
	for _, name := range []string{"one", "two", "three", "four"} {
		f.upload(t, name+".txt", "Shared subject matter about turbine blades, file "+name+".")
	}

	resp, err := f.engine.Query(context.Background(), f.base.ID, "turbine blades", 2)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestFindSimilar(t *testing.T) {
	f := newEngineFixture(t, hybridConfig())

	source := f.upload(t, "source.txt", "Annual maintenance schedule for wind turbines.")
	related := f.upload(t, "related.txt", "Wind turbine gearbox maintenance intervals.")
	f.upload(t, "unrelated.txt", "Office kitchen cleaning rota.")

	resp, err := f.engine.FindSimilar(context.Background(), f.base.ID, source.ID, 5)
	require.NoError(t, err)

	require.NotEmpty(t, resp.Results)
	seen := make(map[string]int)
	for _, r := range resp.Results {
		assert.NotEqual(t, source.ID, r.DocumentID, "source document must be excluded")
		seen[r.DocumentID]++
	}
	for docID, n := range seen {
		assert.Equal(t, 1, n, "document %s appears more than once", docID)
	}
	assert.Equal(t, related.ID, resp.Results[0].DocumentID)
}

func TestFindSimilarUnknownDocument(t *testing.T) {
	f := newEngineFixture(t, hybridConfig())

	_, err := f.engine.FindSimilar(context.Background(), f.base.ID, "no-such-doc", 5)
	assert.Equal(t, kberr.KindNotFound, kberr.KindOf(err))
}
