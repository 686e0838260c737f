package reindex

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Aman-CERP/kbmcp/internal/embed"
	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/ingest"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/store"
)

// Controller runs reindex jobs, one at a time per knowledge base.
type Controller struct {
	registry  *store.Registry
	embedders *embed.Factory
	counter   embed.TokenCounter

	mu       sync.Mutex
	trackers map[string]*tracker
	done     map[string]chan struct{}
}

// NewController creates a controller.
func NewController(registry *store.Registry, embedders *embed.Factory, counter embed.TokenCounter) *Controller {
	return &Controller{
		registry:  registry,
		embedders: embedders,
		counter:   counter,
		trackers:  make(map[string]*tracker),
		done:      make(map[string]chan struct{}),
	}
}

// Start launches a reindex in the background. It returns conflict if
// one is already running for this knowledge base.
func (c *Controller) Start(ctx context.Context, kbID string) error {
	st, err := c.registry.Store(kbID)
	if err != nil {
		return err
	}
	if err := st.BeginReindex(); err != nil {
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.done[kbID] = done
	c.mu.Unlock()

	// The job must outlive the request that started it.
	jobCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(done)
		defer st.EndReindex()
		if err := c.run(jobCtx, kbID, st); err != nil {
			slog.Error("reindex failed", slog.String("kb_id", kbID), slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Run reindexes synchronously. Same conflict semantics as Start.
func (c *Controller) Run(ctx context.Context, kbID string) error {
	st, err := c.registry.Store(kbID)
	if err != nil {
		return err
	}
	if err := st.BeginReindex(); err != nil {
		return err
	}
	defer st.EndReindex()
	return c.run(ctx, kbID, st)
}

// Progress reports the latest run's state. The second return is false
// when no reindex has been started for this knowledge base.
func (c *Controller) Progress(kbID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[kbID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Wait blocks until a background run started with Start finishes.
func (c *Controller) Wait(kbID string) {
	c.mu.Lock()
	done := c.done[kbID]
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// docResult is one document's rebuilt state, staged until every
// document has been processed.
type docResult struct {
	doc     kb.Document
	chunks  []kb.Chunk
	vectors [][]float32
	err     error
}

// run rebuilds shadow indices from the stored originals under the
// current config, then commits: per-document metadata rewrites, index
// swap, and generation bump, all inside the store's query gate so they
// become visible together. Writes are rejected for the whole run;
// queries are only blocked during that final commit.
func (c *Controller) run(ctx context.Context, kbID string, st *store.KBStore) (err error) {
	info, err := c.registry.Get(kbID)
	if err != nil {
		return err
	}
	cfg := info.Config

	dims, err := c.embedders.Dimensions(cfg.EmbeddingModel)
	if err != nil {
		return err
	}

	// Drain in-flight writes before snapshotting the document list;
	// new writes see the reindex flag and are rejected.
	st.LockWrites()
	docs, err := st.Meta.ListDocuments()
	st.UnlockWrites()
	if err != nil {
		return err
	}
	var targets []kb.Document
	for _, doc := range docs {
		if doc.Status == kb.StatusReady || doc.Status == kb.StatusFailed {
			targets = append(targets, doc)
		}
	}

	t := newTracker(len(targets))
	c.mu.Lock()
	c.trackers[kbID] = t
	c.mu.Unlock()

	defer func() {
		if err != nil {
			t.fail(err)
			st.DiscardShadow()
		}
	}()

	st.DiscardShadow()
	shadowVec := store.NewHNSWIndex(st.ShadowVectorPath(), dims)
	shadowLex, err := store.OpenLexicalIndex(st.ShadowLexicalPath())
	if err != nil {
		return err
	}
	closeShadow := func() {
		_ = shadowVec.Close()
		_ = shadowLex.Close()
	}

	results := make([]docResult, 0, len(targets))
	for _, doc := range targets {
		if err := ctx.Err(); err != nil {
			closeShadow()
			return err
		}
		t.startFile(doc.Filename)
		res := c.rebuildDocument(ctx, st, cfg, doc, t)
		if res.err == nil && len(res.chunks) > 0 {
			ids := make([]string, len(res.chunks))
			texts := make([]store.IndexableChunk, len(res.chunks))
			for i, ch := range res.chunks {
				ids[i] = ch.ID
				texts[i] = store.IndexableChunk{ChunkID: ch.ID, DocumentID: ch.DocumentID, Text: ch.Text}
			}
			if err := shadowVec.Add(ctx, ids, res.vectors); err != nil {
				closeShadow()
				return err
			}
			if err := shadowLex.Add(ctx, texts); err != nil {
				closeShadow()
				return err
			}
		}
		results = append(results, res)
		t.finishFile(res.err == nil)
		if res.err != nil {
			slog.Warn("document failed during reindex",
				slog.String("doc_id", res.doc.ID), slog.String("error", res.err.Error()))
		}
	}

	if err := shadowVec.Save(); err != nil {
		closeShadow()
		return err
	}
	_ = shadowVec.Close()
	if err := shadowLex.Close(); err != nil {
		return err
	}

	// The metadata rewrites and the index swap land inside the same
	// query gate, so a query sees the old snapshot or the new one,
	// never a mix. A crash in between is healed on reopen, when index
	// counts disagree with the metadata store and both indices rebuild
	// from it.
	err = st.CommitAndSwap(ctx, dims, func() error {
		for _, res := range results {
			if err := c.commitDocument(ctx, st, cfg, res); err != nil {
				return err
			}
		}
		_, err := st.Meta.IncrementGeneration()
		return err
	})
	if err != nil {
		return err
	}

	t.complete()
	slog.Info("reindex completed", slog.String("kb_id", kbID),
		slog.Int("documents", len(targets)))
	return nil
}

func (c *Controller) rebuildDocument(ctx context.Context, st *store.KBStore, cfg kb.KBConfig, doc kb.Document, t *tracker) docResult {
	data, err := st.Blobs.Read(doc.StoredPath)
	if err != nil {
		return docResult{doc: doc, err: kberr.Wrap(kberr.KindStorageFailed, "read original document", err)}
	}

	chunks, vectors, err := ingest.Compute(ctx, c.embedders, c.counter, cfg, doc, data, nil,
		func(p ingest.Progress) { t.fileProgress(p.Percent) })
	if err != nil {
		return docResult{doc: doc, err: err}
	}
	return docResult{doc: doc, chunks: chunks, vectors: vectors}
}

// commitDocument rewrites one document's chunk and vector rows. Failed
// documents lose their rows and carry the failure reason, in the same
// transaction as the status change.
func (c *Controller) commitDocument(ctx context.Context, st *store.KBStore, cfg kb.KBConfig, res docResult) error {
	doc := res.doc
	if res.err != nil {
		doc.ChunkCount = 0
		doc.Status = kb.StatusFailed
		doc.StatusReason = res.err.Error()
		return st.Meta.CommitDocument(ctx, doc, nil, nil, cfg.EmbeddingModel)
	}

	doc.ChunkCount = len(res.chunks)
	doc.Status = kb.StatusReady
	doc.StatusReason = ""
	return st.Meta.CommitDocument(ctx, doc, res.chunks, res.vectors, cfg.EmbeddingModel)
}
