package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// KBStore bundles everything one knowledge base persists: blobs, the
// metadata database, and both indices. It owns the KB-level write lock
// (ingestion, deletion, and reindex serialize on it; queries do not) and
// the index swap performed at the end of a reindex.
type KBStore struct {
	ID  string
	dir string
	dim int

	Meta  *MetaDB
	Blobs *BlobStore

	// mu guards the index handles, which are replaced wholesale by the
	// reindex swap. The indices themselves are internally synchronized.
	mu      sync.RWMutex
	vector  VectorIndex
	lexical LexicalIndex

	// queryMu gates queries against the reindex commit. A query holds
	// the read side across retrieval and hydration; the commit takes
	// the write side around the metadata rewrites and the index swap,
	// so a query observes either the old snapshot or the new one.
	queryMu sync.RWMutex

	// writeMu is the KB write lock.
	writeMu sync.Mutex

	reindexing atomic.Bool
}

// OpenKBStore opens one KB directory, repairing interrupted commits and
// rebuilding missing or corrupted indices from the metadata store.
// dim is the embedding dimension of the KB's current model.
func OpenKBStore(ctx context.Context, dir, kbID, model string, dim int) (*KBStore, error) {
	meta, err := OpenMetaDB(filepath.Join(dir, "meta.db"), kbID)
	if err != nil {
		return nil, err
	}

	removedBlobs, err := meta.Repair(ctx)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	blobs, err := NewBlobStore(filepath.Join(dir, "blobs"))
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	// Sweep blobs nothing references (crash between blob write and
	// metadata commit, or documents removed by repair).
	docs, err := meta.ListDocuments()
	if err != nil {
		_ = meta.Close()
		return nil, err
	}
	referenced := make(map[string]bool, len(docs))
	for _, d := range docs {
		referenced[d.StoredPath] = true
	}
	for _, stale := range removedBlobs {
		delete(referenced, stale)
	}
	if removed, err := blobs.Sweep(referenced); err != nil {
		slog.Warn("blob sweep failed", slog.String("kb_id", kbID), slog.String("error", err.Error()))
	} else if len(removed) > 0 {
		slog.Info("swept orphaned blobs", slog.String("kb_id", kbID), slog.Int("count", len(removed)))
	}

	s := &KBStore{
		ID:    kbID,
		dir:   dir,
		dim:   dim,
		Meta:  meta,
		Blobs: blobs,
	}

	if err := s.openIndices(ctx, model); err != nil {
		_ = meta.Close()
		return nil, err
	}
	return s, nil
}

// VectorPath is the live vector index location.
func (s *KBStore) VectorPath() string { return filepath.Join(s.dir, "vector.idx") }

// LexicalPath is the live lexical index location.
func (s *KBStore) LexicalPath() string { return filepath.Join(s.dir, "lexical.idx") }

// Dir returns the KB directory.
func (s *KBStore) Dir() string { return s.dir }

// Dim returns the embedding dimension the vector index was opened with.
func (s *KBStore) Dim() int { return s.dim }

// openIndices loads both indices, falling back to a rebuild from the
// metadata store when an index is missing, corrupt, or out of sync.
func (s *KBStore) openIndices(ctx context.Context, model string) error {
	vector, err := OpenHNSWIndex(s.VectorPath(), s.dim)
	if err != nil {
		if !kberr.IsKind(err, kberr.KindIndexCorrupt) {
			return err
		}
		slog.Warn("vector index corrupt, rebuilding",
			slog.String("kb_id", s.ID), slog.String("error", err.Error()))
		if err := RemoveHNSWFiles(s.VectorPath()); err != nil {
			return err
		}
		vector = NewHNSWIndex(s.VectorPath(), s.dim)
	}

	vectorRows, err := s.Meta.VectorCount(model)
	if err != nil {
		return err
	}
	if vector.Count() != vectorRows {
		slog.Info("rebuilding vector index from metadata",
			slog.String("kb_id", s.ID), slog.Int("index", vector.Count()), slog.Int("rows", vectorRows))
		_ = vector.Close()
		if err := RemoveHNSWFiles(s.VectorPath()); err != nil {
			return err
		}
		vector = NewHNSWIndex(s.VectorPath(), s.dim)
		err = s.Meta.VectorsByModel(model, func(chunkID string, vec []float32) error {
			return vector.Add(ctx, []string{chunkID}, [][]float32{vec})
		})
		if err != nil {
			return err
		}
		if err := vector.Save(); err != nil {
			return err
		}
	}

	lexical, err := OpenLexicalIndex(s.LexicalPath())
	if err != nil {
		return err
	}
	chunkCount, err := s.Meta.ChunkCount()
	if err != nil {
		return err
	}
	if lexical.Count() != chunkCount {
		slog.Info("rebuilding lexical index from metadata",
			slog.String("kb_id", s.ID), slog.Int("index", lexical.Count()), slog.Int("chunks", chunkCount))
		_ = lexical.Close()
		if err := RemoveLexicalFiles(s.LexicalPath()); err != nil {
			return err
		}
		if lexical, err = OpenLexicalIndex(s.LexicalPath()); err != nil {
			return err
		}
		chunks, err := s.Meta.AllChunks()
		if err != nil {
			return err
		}
		indexable := make([]IndexableChunk, len(chunks))
		for i, c := range chunks {
			indexable[i] = IndexableChunk{ChunkID: c.ID, DocumentID: c.DocumentID, Text: c.Text}
		}
		if err := lexical.Add(ctx, indexable); err != nil {
			return err
		}
	}

	s.vector = vector
	s.lexical = lexical
	return nil
}

// LockWrites takes the KB write lock.
func (s *KBStore) LockWrites() { s.writeMu.Lock() }

// UnlockWrites releases the KB write lock.
func (s *KBStore) UnlockWrites() { s.writeMu.Unlock() }

// BeginReindex marks the KB as reindexing. Returns conflict if a
// reindex is already in flight.
func (s *KBStore) BeginReindex() error {
	if !s.reindexing.CompareAndSwap(false, true) {
		return kberr.Newf(kberr.KindConflict, "reindex already in progress for %s", s.ID)
	}
	return nil
}

// EndReindex clears the reindexing mark.
func (s *KBStore) EndReindex() { s.reindexing.Store(false) }

// Reindexing reports whether a reindex is in flight. Writes are
// rejected while it is.
func (s *KBStore) Reindexing() bool { return s.reindexing.Load() }

// AddToIndices installs a committed document's chunks into both
// indices and persists the vector index.
func (s *KBStore) AddToIndices(ctx context.Context, chunks []kb.Chunk, vectors [][]float32) error {
	s.mu.RLock()
	vector, lexical := s.vector, s.lexical
	s.mu.RUnlock()

	chunkIDs := make([]string, len(chunks))
	indexable := make([]IndexableChunk, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
		indexable[i] = IndexableChunk{ChunkID: c.ID, DocumentID: c.DocumentID, Text: c.Text}
	}

	if err := vector.Add(ctx, chunkIDs, vectors); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "add vectors to index", err)
	}
	if err := lexical.Add(ctx, indexable); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "add chunks to lexical index", err)
	}
	if err := vector.Save(); err != nil {
		return err
	}
	return nil
}

// RemoveDocumentFromIndices drops a document's chunks from both indices.
func (s *KBStore) RemoveDocumentFromIndices(ctx context.Context, docID string) error {
	s.mu.RLock()
	vector, lexical := s.vector, s.lexical
	s.mu.RUnlock()

	if err := vector.DeleteByDocument(ctx, docID); err != nil {
		return err
	}
	if err := lexical.DeleteByDocument(ctx, docID); err != nil {
		return err
	}
	return vector.Save()
}

// BeginQuery pins the current snapshot, indices and metadata together,
// for the duration of one query. A reindex commit waits for pinned
// queries to drain before it rewrites anything, so the handles a
// pinned query searches are never retired under it. Pair every
// BeginQuery with EndQuery.
func (s *KBStore) BeginQuery() { s.queryMu.RLock() }

// EndQuery releases the pin taken by BeginQuery.
func (s *KBStore) EndQuery() { s.queryMu.RUnlock() }

// VectorSearch queries the live vector index. Callers racing a reindex
// commit should hold the query gate (BeginQuery) so the handle is not
// retired mid-search.
func (s *KBStore) VectorSearch(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	s.mu.RLock()
	vector := s.vector
	s.mu.RUnlock()
	return vector.Search(ctx, query, k)
}

// LexicalSearch queries the live lexical index with per-query BM25
// parameters.
func (s *KBStore) LexicalSearch(ctx context.Context, query string, k int, k1, b float64) ([]LexicalHit, error) {
	s.mu.RLock()
	lexical := s.lexical
	s.mu.RUnlock()
	return lexical.Search(ctx, query, k, k1, b)
}

// VectorCount returns the live vector index size.
func (s *KBStore) VectorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vector.Count()
}

// LexicalCount returns the live lexical index size.
func (s *KBStore) LexicalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lexical.Count()
}

// ShadowVectorPath is where a reindex builds its replacement vector index.
func (s *KBStore) ShadowVectorPath() string { return s.VectorPath() + ".shadow" }

// ShadowLexicalPath is where a reindex builds its replacement lexical index.
func (s *KBStore) ShadowLexicalPath() string { return s.LexicalPath() + ".shadow" }

// CommitAndSwap finalizes a reindex. It waits for in-flight queries to
// drain, applies the staged metadata rewrites via commit, then retires
// the live indices and promotes the shadow files. The shadow indices
// must already be saved and closed. New queries block until the swap
// completes, so the rewritten metadata and the new indices become
// visible together and a query never mixes the two generations. dim is
// the dimension of the new model.
func (s *KBStore) CommitAndSwap(ctx context.Context, dim int, commit func() error) error {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()

	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.vector.Close()
	_ = s.lexical.Close()

	if err := RemoveHNSWFiles(s.VectorPath()); err != nil {
		return err
	}
	if err := RenameHNSWFiles(s.ShadowVectorPath(), s.VectorPath()); err != nil {
		return err
	}
	if err := RemoveLexicalFiles(s.LexicalPath()); err != nil {
		return err
	}
	if err := RenameLexicalFiles(s.ShadowLexicalPath(), s.LexicalPath()); err != nil {
		return err
	}

	vector, err := OpenHNSWIndex(s.VectorPath(), dim)
	if err != nil {
		return err
	}
	lexical, err := OpenLexicalIndex(s.LexicalPath())
	if err != nil {
		return err
	}
	s.vector = vector
	s.lexical = lexical
	s.dim = dim
	return nil
}

// DiscardShadow removes any shadow index files left by an aborted
// reindex.
func (s *KBStore) DiscardShadow() {
	_ = RemoveHNSWFiles(s.ShadowVectorPath())
	_ = RemoveLexicalFiles(s.ShadowLexicalPath())
}

// Close closes everything.
func (s *KBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vector != nil {
		_ = s.vector.Save()
		_ = s.vector.Close()
	}
	if s.lexical != nil {
		_ = s.lexical.Close()
	}
	return s.Meta.Close()
}
