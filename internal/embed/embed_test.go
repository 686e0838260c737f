package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder("static", 0)
	defer e.Close()

	a, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 256)
	assert.InDelta(t, 1.0, vectorNorm(a), 1e-5)
}

func TestStaticEmbedderEmptyTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder("static", 0)
	defer e.Close()

	v, err := e.Embed(context.Background(), "   \n ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 256), v)
}

func TestStaticEmbedderSimilarTextsCloser(t *testing.T) {
	e := NewStaticEmbedder("static", 0)
	defer e.Close()

	base, err := e.Embed(context.Background(), "database replication strategies")
	require.NoError(t, err)
	near, err := e.Embed(context.Background(), "database replication tuning")
	require.NoError(t, err)
	far, err := e.Embed(context.Background(), "banana bread recipe")
	require.NoError(t, err)

	dot := func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	}
	assert.Greater(t, dot(base, near), dot(base, far))
}

func TestStaticEmbedderEmulatesModelDimensions(t *testing.T) {
	e := NewStaticEmbedder("all-MiniLM-L6-v2", 384)
	defer e.Close()

	assert.Equal(t, 384, e.Dimensions())
	assert.Equal(t, "all-MiniLM-L6-v2", e.ModelName())

	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 384)
}

func TestStaticEmbedderClosed(t *testing.T) {
	e := NewStaticEmbedder("static", 0)
	require.NoError(t, e.Close())

	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
}

// countingEmbedder tracks how many texts reach the inner embedder.
type countingEmbedder struct {
	*StaticEmbedder
	embedded atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedded.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.embedded.Add(int64(len(texts)))
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedderHitsCache(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder("static", 0)}
	c := NewCachedEmbedder(inner, 10)
	defer c.Close()

	first, err := c.Embed(context.Background(), "repeated query")
	require.NoError(t, err)
	second, err := c.Embed(context.Background(), "repeated query")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.embedded.Load())
}

func TestCachedEmbedderBatchPartialHit(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder("static", 0)}
	c := NewCachedEmbedder(inner, 10)
	defer c.Close()

	_, err := c.Embed(context.Background(), "alpha")
	require.NoError(t, err)

	results, err := c.EmbedBatch(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)

	require.Len(t, results, 3)
	for _, v := range results {
		assert.Len(t, v, 256)
	}
	// alpha was cached; only beta and gamma hit the inner embedder.
	assert.Equal(t, int64(3), inner.embedded.Load())
}

func newMockOllama(t *testing.T, dims int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{{"name": "nomic-embed-text:latest"}},
			})
		case "/api/embed":
			if calls != nil {
				calls.Add(1)
			}
			var req struct {
				Input any `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			count := 1
			if list, ok := req.Input.([]any); ok {
				count = len(list)
			}
			embeddings := make([][]float64, count)
			for i := range embeddings {
				vec := make([]float64, dims)
				vec[i%dims] = 1
				embeddings[i] = vec
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestOllamaEmbedderBatch(t *testing.T) {
	var calls atomic.Int64
	srv := newMockOllama(t, 768, &calls)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:  srv.URL,
		Model: "nomic-embed-text",
	})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 768, e.Dimensions())
	assert.True(t, e.Available(context.Background()))

	results, err := e.EmbedBatch(context.Background(), []string{"one", "", "three"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, make([]float32, 768), results[1])
	assert.InDelta(t, 1.0, vectorNorm(results[0]), 1e-5)
	assert.Equal(t, int64(1), calls.Load())
}

func TestOllamaEmbedderSplitsLargeBatches(t *testing.T) {
	var calls atomic.Int64
	srv := newMockOllama(t, 384, &calls)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:      srv.URL,
		Model:     "all-MiniLM-L6-v2",
		BatchSize: 2,
	})
	require.NoError(t, err)
	defer e.Close()

	results, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, results, 5)
	assert.Equal(t, int64(3), calls.Load())
}

func TestOllamaEmbedderServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:  srv.URL,
		Model: "nomic-embed-text",
	})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, kberr.KindEmbeddingFailed, kberr.KindOf(err))
	assert.True(t, kberr.IsRetryable(err))
}

func TestOllamaEmbedderUnreachable(t *testing.T) {
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:  "http://127.0.0.1:1",
		Model: "nomic-embed-text",
	})
	require.NoError(t, err)
	defer e.Close()

	assert.False(t, e.Available(context.Background()))
	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, kberr.IsRetryable(err))
}

func TestFactoryForcedStatic(t *testing.T) {
	f := NewFactory(FactoryConfig{ForceStatic: true})
	defer f.Close()

	e, err := f.ForModel(context.Background(), "all-MiniLM-L6-v2")
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimensions())
	assert.Equal(t, "all-MiniLM-L6-v2", e.ModelName())

	again, err := f.ForModel(context.Background(), "all-MiniLM-L6-v2")
	require.NoError(t, err)
	assert.Same(t, e, again)
}

func TestFactoryUnknownModelWithoutService(t *testing.T) {
	f := NewFactory(FactoryConfig{OllamaHost: "http://127.0.0.1:1"})
	defer f.Close()

	_, err := f.ForModel(context.Background(), "some-unknown-model")
	require.Error(t, err)
	assert.Equal(t, kberr.KindEmbeddingFailed, kberr.KindOf(err))
}

func TestFactoryDimensions(t *testing.T) {
	f := NewFactory(FactoryConfig{ForceStatic: true})
	defer f.Close()

	dims, err := f.Dimensions("nomic-embed-text")
	require.NoError(t, err)
	assert.Equal(t, 768, dims)
}

func TestApproxTokenCounter(t *testing.T) {
	c := ApproxTokenCounter{}

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 2, c.Count("hello world"))
	// Punctuation counts as separate tokens, like BPE tends to.
	assert.Equal(t, 4, c.Count("hello, world!"))
	assert.Greater(t, c.Count("a longer sentence with several words"), c.Count("short one"))
}
