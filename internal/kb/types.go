// Package kb defines the core domain types shared across the platform:
// knowledge bases, their configuration, documents, and chunks.
package kb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// KnowledgeBase is a logically isolated collection of documents plus its
// own indices and configuration. The ID is stable across renames.
type KnowledgeBase struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// Generation increments on every successful reindex; readers use it
	// to detect staleness.
	Generation uint64   `json:"generation"`
	Config     KBConfig `json:"config"`
}

// KBConfig is the per-knowledge-base configuration. Changing
// EmbeddingModel, ChunkSize, ChunkOverlap, or OverlapEnabled invalidates
// stored embeddings and requires a full reindex; the retrieval-only
// parameters apply immediately.
type KBConfig struct {
	EmbeddingModel string `json:"embedding_model"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	OverlapEnabled bool   `json:"overlap_enabled"`

	// Retrieval-only parameters.
	HybridSearch bool    `json:"hybrid_search"`
	VectorWeight float64 `json:"vector_weight"`
	BM25K1       float64 `json:"bm25_k1"`
	BM25B        float64 `json:"bm25_b"`
}

// DefaultConfig returns the configuration new knowledge bases start with.
func DefaultConfig() KBConfig {
	return KBConfig{
		EmbeddingModel: "all-MiniLM-L6-v2",
		ChunkSize:      500,
		ChunkOverlap:   50,
		OverlapEnabled: true,
		HybridSearch:   false,
		VectorWeight:   0.5,
		BM25K1:         1.5,
		BM25B:          0.75,
	}
}

// Validate checks configuration bounds.
func (c KBConfig) Validate() error {
	if c.EmbeddingModel == "" {
		return kberr.New(kberr.KindInvalidInput, "embedding model must not be empty")
	}
	if c.ChunkSize < 1 {
		return kberr.Newf(kberr.KindInvalidInput, "chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return kberr.Newf(kberr.KindInvalidInput, "chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap)
	}
	if c.VectorWeight < 0 || c.VectorWeight > 1 {
		return kberr.Newf(kberr.KindInvalidInput, "vector_weight must be in [0,1], got %g", c.VectorWeight)
	}
	if c.BM25K1 < 0 {
		return kberr.Newf(kberr.KindInvalidInput, "bm25_k1 must be >= 0, got %g", c.BM25K1)
	}
	if c.BM25B < 0 || c.BM25B > 1 {
		return kberr.Newf(kberr.KindInvalidInput, "bm25_b must be in [0,1], got %g", c.BM25B)
	}
	return nil
}

// RequiresReindex reports whether switching from old to c invalidates
// stored chunks or embeddings.
func (c KBConfig) RequiresReindex(old KBConfig) bool {
	return c.EmbeddingModel != old.EmbeddingModel ||
		c.ChunkSize != old.ChunkSize ||
		c.ChunkOverlap != old.ChunkOverlap ||
		c.OverlapEnabled != old.OverlapEnabled
}

// Format is the detected document format tag.
type Format string

const (
	FormatText  Format = "text"
	FormatPDF   Format = "pdf"
	FormatDOCX  Format = "docx"
	FormatImage Format = "image"
	FormatOther Format = "other"
)

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusExtracting DocumentStatus = "extracting"
	StatusEmbedding  DocumentStatus = "embedding"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Document is one ingested file. A document is created atomically with
// its chunks; failed ingestion leaves no partial document behind.
type Document struct {
	ID           string         `json:"id"`
	KBID         string         `json:"kb_id"`
	Filename     string         `json:"filename"`
	StoredPath   string         `json:"stored_path"`
	Format       Format         `json:"format"`
	SizeBytes    int64          `json:"size_bytes"`
	CreatedAt    time.Time      `json:"created_at"`
	ChunkCount   int            `json:"chunk_count"`
	Status       DocumentStatus `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
}

// Chunk is the unit of embedding and retrieval. Sequence indices are
// dense and 0-based within a document; mutation means delete-all then
// reinsert.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Seq        int    `json:"seq"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`

	// Extraction hints; zero means unknown.
	Page      int `json:"page,omitempty"`
	Paragraph int `json:"paragraph,omitempty"`
}

// chunkIDSep joins a document id and a sequence index into a chunk id.
const chunkIDSep = "_chunk_"

// ChunkID builds the canonical chunk id for (document, seq).
func ChunkID(docID string, seq int) string {
	return fmt.Sprintf("%s%s%d", docID, chunkIDSep, seq)
}

// ParseChunkID splits a chunk id into its document id and sequence index.
func ParseChunkID(chunkID string) (docID string, seq int, err error) {
	i := strings.LastIndex(chunkID, chunkIDSep)
	if i < 0 {
		return "", 0, kberr.Newf(kberr.KindInvalidInput, "malformed chunk id: %q", chunkID)
	}
	seq, err = strconv.Atoi(chunkID[i+len(chunkIDSep):])
	if err != nil {
		return "", 0, kberr.Newf(kberr.KindInvalidInput, "malformed chunk id: %q", chunkID)
	}
	return chunkID[:i], seq, nil
}

// Stats summarizes a knowledge base for the UI and the info tool.
type Stats struct {
	FileCount      int            `json:"file_count"`
	TotalSizeBytes int64          `json:"total_size"`
	TotalChunks    int            `json:"total_chunks"`
	FileTypes      map[string]int `json:"file_types"`
}
