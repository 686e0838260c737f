// Package store implements per-knowledge-base persistence: raw blobs,
// the metadata database (documents, chunks, vector rows), the HNSW
// vector index, and the BM25 lexical index.
//
// The metadata database is the single source of truth for chunk text and
// embeddings; both indices can be rebuilt from it when missing or
// corrupted. Indices hold only chunk ids and what they need for scoring.
package store

import (
	"context"
	"fmt"
)

// VectorHit is one vector search result.
type VectorHit struct {
	ChunkID string
	// Score is cosine similarity mapped to [0,1].
	Score float32
}

// LexicalHit is one BM25 search result.
type LexicalHit struct {
	ChunkID string
	Score   float64
}

// VectorIndex is the per-KB dense index. Implementations must be safe
// for concurrent readers with one writer.
type VectorIndex interface {
	Add(ctx context.Context, chunkIDs []string, vectors [][]float32) error
	DeleteByDocument(ctx context.Context, docID string) error
	Search(ctx context.Context, query []float32, k int) ([]VectorHit, error)
	Count() int
	Save() error
	Close() error
}

// LexicalIndex is the per-KB BM25 index over chunk text. K1 and b are
// query-time parameters so retrieval tuning applies without a reindex.
type LexicalIndex interface {
	Add(ctx context.Context, chunks []IndexableChunk) error
	DeleteByDocument(ctx context.Context, docID string) error
	Search(ctx context.Context, query string, k int, k1, b float64) ([]LexicalHit, error)
	Count() int
	Close() error
}

// IndexableChunk is what the lexical index needs from a chunk.
type IndexableChunk struct {
	ChunkID    string
	DocumentID string
	Text       string
}

// ErrDimensionMismatch is returned when a vector's dimension does not
// match the index configuration.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
