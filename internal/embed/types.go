// Package embed generates vector embeddings for chunk text. The Ollama
// embedder talks to a local Ollama daemon; the static embedder is a
// deterministic hash-based fallback that needs no external service.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is how many texts go into one embedding request.
	DefaultBatchSize = 32

	// MaxBatchSize caps batch size to prevent memory exhaustion.
	MaxBatchSize = 256

	// DefaultBatchTimeout bounds a single embedding batch.
	DefaultBatchTimeout = 60 * time.Second

	// DefaultCacheSize is the number of query embeddings kept in the LRU.
	DefaultCacheSize = 1000
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// order. Empty texts map to zero vectors.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder is ready to serve.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// modelDimensions maps known embedding models to their output
// dimensionality, so knowledge bases can be opened and their indices
// validated without a round trip to the embedding service.
var modelDimensions = map[string]int{
	"all-MiniLM-L6-v2":       384,
	"all-minilm":             384,
	"all-mpnet-base-v2":      768,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"bge-m3":                 1024,
	"snowflake-arctic-embed": 1024,
	"static":                 256,
}

// KnownDimensions looks up the dimensionality of a model by name.
func KnownDimensions(model string) (int, bool) {
	dims, ok := modelDimensions[model]
	return dims, ok
}

// normalizeVector scales a vector to unit length. Zero vectors pass
// through unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
