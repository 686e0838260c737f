// Package ingest runs documents through the pipeline: store the
// original bytes, extract text, chunk, embed, then commit metadata and
// update both indices. Chunks and vectors reach the metadata store
// only after every one of them is computed, so a document is either
// fully searchable or not searchable at all.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/kbmcp/internal/chunk"
	"github.com/Aman-CERP/kbmcp/internal/embed"
	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/extract"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/store"
)

// Phase names reported through progress callbacks.
const (
	PhaseExtracting = "extracting"
	PhaseEmbedding  = "embedding"
	PhaseIndexing   = "indexing"
)

// Progress reports pipeline position for one document.
type Progress struct {
	Phase   string  `json:"phase"`
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// ProgressFunc receives progress updates. May be nil.
type ProgressFunc func(Progress)

// Pipeline ingests documents into knowledge bases.
type Pipeline struct {
	registry  *store.Registry
	embedders *embed.Factory
	counter   embed.TokenCounter
}

// New creates a pipeline.
func New(registry *store.Registry, embedders *embed.Factory, counter embed.TokenCounter) *Pipeline {
	return &Pipeline{
		registry:  registry,
		embedders: embedders,
		counter:   counter,
	}
}

// Upload stores and processes one document. The returned record
// reflects the final status; a processing failure also returns the
// error that caused it, with the document left in status failed and no
// chunks committed.
func (p *Pipeline) Upload(ctx context.Context, kbID, filename string, data []byte, onProgress ProgressFunc) (kb.Document, error) {
	if filename == "" {
		return kb.Document{}, kberr.New(kberr.KindInvalidInput, "filename is required")
	}
	if len(data) == 0 {
		return kb.Document{}, kberr.New(kberr.KindInvalidInput, "document is empty")
	}

	st, info, err := p.kbForWrite(kbID)
	if err != nil {
		return kb.Document{}, err
	}

	st.LockWrites()
	defer st.UnlockWrites()
	if st.Reindexing() {
		return kb.Document{}, reindexInProgress(kbID)
	}

	format := extract.DetectFormat(data, filename)
	docID := uuid.NewString()

	storedPath, err := st.Blobs.Put(docID, filename, data)
	if err != nil {
		return kb.Document{}, err
	}

	doc := kb.Document{
		ID:         docID,
		KBID:       kbID,
		Filename:   filename,
		StoredPath: storedPath,
		Format:     format,
		SizeBytes:  int64(len(data)),
		CreatedAt:  time.Now().UTC(),
		Status:     kb.StatusPending,
	}
	if err := st.Meta.CreateDocument(doc); err != nil {
		_ = st.Blobs.Delete(storedPath)
		return kb.Document{}, err
	}

	return p.process(ctx, st, info.Config, doc, data, onProgress)
}

// Reprocess re-runs the pipeline on a stored document, replacing its
// chunks and vectors under the current knowledge base config.
func (p *Pipeline) Reprocess(ctx context.Context, kbID, docID string, onProgress ProgressFunc) (kb.Document, error) {
	st, info, err := p.kbForWrite(kbID)
	if err != nil {
		return kb.Document{}, err
	}

	st.LockWrites()
	defer st.UnlockWrites()
	if st.Reindexing() {
		return kb.Document{}, reindexInProgress(kbID)
	}

	doc, err := st.Meta.GetDocument(docID)
	if err != nil {
		return kb.Document{}, err
	}
	data, err := st.Blobs.Read(doc.StoredPath)
	if err != nil {
		return kb.Document{}, kberr.Wrap(kberr.KindStorageFailed, "read original document", err)
	}

	if err := st.RemoveDocumentFromIndices(ctx, docID); err != nil {
		return kb.Document{}, err
	}
	return p.process(ctx, st, info.Config, doc, data, onProgress)
}

// Delete removes a document, its chunks, its index entries, and the
// stored original.
func (p *Pipeline) Delete(ctx context.Context, kbID, docID string) error {
	st, _, err := p.kbForWrite(kbID)
	if err != nil {
		return err
	}

	st.LockWrites()
	defer st.UnlockWrites()
	if st.Reindexing() {
		return reindexInProgress(kbID)
	}

	doc, err := st.Meta.GetDocument(docID)
	if err != nil {
		return err
	}
	if err := st.Meta.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if err := st.RemoveDocumentFromIndices(ctx, docID); err != nil {
		return err
	}
	return st.Blobs.Delete(doc.StoredPath)
}

// Item is one document destined for a knowledge base.
type Item struct {
	KBID     string
	Filename string
	Data     []byte
}

// UploadBatch ingests documents into one or more knowledge bases.
// Distinct knowledge bases proceed in parallel; documents within one
// knowledge base are processed in order. Results line up with items;
// a failed item carries a zero Document and its error is returned
// after the whole batch has been attempted.
func (p *Pipeline) UploadBatch(ctx context.Context, items []Item, onProgress ProgressFunc) ([]kb.Document, error) {
	results := make([]kb.Document, len(items))
	errs := make([]error, len(items))

	byKB := make(map[string][]int)
	for i, item := range items {
		byKB[item.KBID] = append(byKB[item.KBID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, indices := range byKB {
		g.Go(func() error {
			for _, i := range indices {
				doc, err := p.Upload(gctx, items[i].KBID, items[i].Filename, items[i].Data, onProgress)
				results[i] = doc
				errs[i] = err
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (p *Pipeline) kbForWrite(kbID string) (*store.KBStore, kb.KnowledgeBase, error) {
	st, err := p.registry.Store(kbID)
	if err != nil {
		return nil, kb.KnowledgeBase{}, err
	}
	info, err := p.registry.Get(kbID)
	if err != nil {
		return nil, kb.KnowledgeBase{}, err
	}
	return st, info, nil
}

func reindexInProgress(kbID string) error {
	return kberr.New(kberr.KindConflict, "knowledge base is reindexing, writes are rejected").
		WithDetail("kb_id", kbID)
}

// process runs extract → chunk → embed → index → commit. The indices
// are updated before the metadata commit: if the commit fails the
// index entries are rolled back, and a crash in between is healed on
// reopen when index counts disagree with the metadata store.
func (p *Pipeline) process(ctx context.Context, st *store.KBStore, cfg kb.KBConfig, doc kb.Document, data []byte, onProgress ProgressFunc) (kb.Document, error) {
	chunks, vectors, err := p.compute(ctx, st, cfg, doc, data, onProgress)
	if err != nil {
		return p.markFailed(ctx, st, cfg.EmbeddingModel, doc, err)
	}

	report(onProgress, Progress{Phase: PhaseIndexing, Current: len(chunks), Total: len(chunks), Percent: 100})

	if err := st.AddToIndices(ctx, chunks, vectors); err != nil {
		return p.markFailed(ctx, st, cfg.EmbeddingModel, doc, err)
	}
	doc.ChunkCount = len(chunks)
	doc.Status = kb.StatusReady
	doc.StatusReason = ""
	if err := st.Meta.CommitDocument(ctx, doc, chunks, vectors, cfg.EmbeddingModel); err != nil {
		if rmErr := st.RemoveDocumentFromIndices(ctx, doc.ID); rmErr != nil {
			slog.Error("rollback of index entries failed, indices will self-heal on reopen",
				slog.String("doc_id", doc.ID), slog.String("error", rmErr.Error()))
		}
		return p.markFailed(ctx, st, cfg.EmbeddingModel, doc, err)
	}
	return doc, nil
}

func (p *Pipeline) compute(ctx context.Context, st *store.KBStore, cfg kb.KBConfig, doc kb.Document, data []byte, onProgress ProgressFunc) ([]kb.Chunk, [][]float32, error) {
	if err := st.Meta.UpdateDocumentStatus(doc.ID, kb.StatusExtracting, ""); err != nil {
		return nil, nil, err
	}

	onEmbedding := func() error {
		return st.Meta.UpdateDocumentStatus(doc.ID, kb.StatusEmbedding, "")
	}
	return Compute(ctx, p.embedders, p.counter, cfg, doc, data, onEmbedding, onProgress)
}

// Compute runs extract → chunk → embed for one document without
// touching any store. The reindex controller uses it to rebuild
// shadow indices with the same semantics as ingestion. onEmbedding,
// when non-nil, fires between chunking and embedding.
func Compute(ctx context.Context, embedders *embed.Factory, counter embed.TokenCounter, cfg kb.KBConfig, doc kb.Document, data []byte, onEmbedding func() error, onProgress ProgressFunc) ([]kb.Chunk, [][]float32, error) {
	report(onProgress, Progress{Phase: PhaseExtracting})

	extractor, err := extract.ForFormat(doc.Format)
	if err != nil {
		return nil, nil, err
	}
	var segments []extract.Segment
	err = extractor.Extract(ctx, data, func(s extract.Segment) error {
		segments = append(segments, s)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	chunker, err := chunk.New(counter, chunk.Options{
		MaxTokens:      cfg.ChunkSize,
		OverlapTokens:  cfg.ChunkOverlap,
		OverlapEnabled: cfg.OverlapEnabled,
	})
	if err != nil {
		return nil, nil, err
	}
	chunks, err := chunker.Chunk(ctx, doc.ID, segments)
	if err != nil {
		return nil, nil, err
	}

	if onEmbedding != nil {
		if err := onEmbedding(); err != nil {
			return nil, nil, err
		}
	}
	vectors, err := embedChunks(ctx, embedders, cfg.EmbeddingModel, chunks, onProgress)
	if err != nil {
		return nil, nil, err
	}
	return chunks, vectors, nil
}

// embedChunks embeds chunk text in batches, retrying transient
// embedding failures with backoff.
func embedChunks(ctx context.Context, embedders *embed.Factory, model string, chunks []kb.Chunk, onProgress ProgressFunc) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	embedder, err := embedders.ForModel(ctx, model)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embed.DefaultBatchSize {
		end := min(start+embed.DefaultBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}

		batch, err := kberr.RetryWithResult(ctx, kberr.DefaultRetryConfig(), func() ([][]float32, error) {
			return embedder.EmbedBatch(ctx, texts)
		})
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)

		report(onProgress, Progress{
			Phase:   PhaseEmbedding,
			Current: end,
			Total:   len(chunks),
			Percent: float64(end) / float64(len(chunks)) * 100,
		})
	}
	return vectors, nil
}

// markFailed records the failure on the document and purges any chunk
// or vector rows left from a previous successful run, so a failed
// document is never searchable. Status and chunk purge land in one
// transaction; a crash cannot leave the document looking ready.
func (p *Pipeline) markFailed(ctx context.Context, st *store.KBStore, model string, doc kb.Document, cause error) (kb.Document, error) {
	doc.ChunkCount = 0
	doc.Status = kb.StatusFailed
	doc.StatusReason = cause.Error()
	if err := st.Meta.CommitDocument(ctx, doc, nil, nil, model); err != nil {
		slog.Error("failed to record document failure",
			slog.String("doc_id", doc.ID), slog.String("error", err.Error()))
	}
	if err := st.RemoveDocumentFromIndices(ctx, doc.ID); err != nil {
		slog.Error("failed to purge index entries of failed document",
			slog.String("doc_id", doc.ID), slog.String("error", err.Error()))
	}
	return doc, cause
}

func report(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}
