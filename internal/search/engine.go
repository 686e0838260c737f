package search

import (
	"context"
	"time"

	"github.com/Aman-CERP/kbmcp/internal/embed"
	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/store"
)

const (
	// DefaultLimit applies when the caller asks for zero results.
	DefaultLimit = 10

	// MaxLimit caps one query's result count.
	MaxLimit = 100

	// minCandidates floors the per-index candidate pool so small k
	// still sees enough of each index for fusion to matter.
	minCandidates = 20
)

// Result is one search hit, hydrated with chunk and document fields.
type Result struct {
	Content    string  `json:"content"`
	Filename   string  `json:"filename"`
	FileType   string  `json:"file_type"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
	DocumentID string  `json:"document_id"`
}

// Response carries the hits plus query timing.
type Response struct {
	Results        []Result `json:"results"`
	Total          int      `json:"total"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
}

// Engine answers queries against knowledge bases.
type Engine struct {
	registry  *store.Registry
	embedders *embed.Factory
}

// NewEngine creates a search engine.
func NewEngine(registry *store.Registry, embedders *embed.Factory) *Engine {
	return &Engine{registry: registry, embedders: embedders}
}

// Query runs a search. With hybrid search enabled both indices are
// consulted and fused under the knowledge base's current weights;
// otherwise results come from the vector index alone. Retrieval
// parameter changes (alpha, k1, b) apply immediately, no reindex.
func (e *Engine) Query(ctx context.Context, kbID, query string, limit int) (*Response, error) {
	started := time.Now()

	if query == "" {
		return nil, kberr.New(kberr.KindInvalidInput, "query is required")
	}
	limit = clampLimit(limit)

	st, info, err := e.kbForRead(kbID)
	if err != nil {
		return nil, err
	}

	// Pin one snapshot for retrieval plus hydration: a reindex commit
	// landing mid-query must not swap indices or rewrite chunk rows
	// under us.
	st.BeginQuery()
	defer st.EndQuery()

	fused, err := e.retrieve(ctx, st, info.Config, query, limit, nil)
	if err != nil {
		return nil, err
	}
	if len(fused) > limit {
		fused = fused[:limit]
	}

	results, err := e.hydrate(st, fused)
	if err != nil {
		return nil, err
	}
	return &Response{
		Results:        results,
		Total:          len(results),
		ElapsedSeconds: time.Since(started).Seconds(),
	}, nil
}

// FindSimilar returns documents related to the given one, using its
// first chunk as the query. The source document is excluded and each
// document appears at most once, represented by its best chunk.
func (e *Engine) FindSimilar(ctx context.Context, kbID, docID string, limit int) (*Response, error) {
	started := time.Now()
	limit = clampLimit(limit)

	st, info, err := e.kbForRead(kbID)
	if err != nil {
		return nil, err
	}

	st.BeginQuery()
	defer st.EndQuery()

	chunks, err := st.Meta.ChunksByDocument(docID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		if _, err := st.Meta.GetDocument(docID); err != nil {
			return nil, err
		}
		return &Response{Results: []Result{}, ElapsedSeconds: time.Since(started).Seconds()}, nil
	}

	exclude := map[string]bool{docID: true}
	fused, err := e.retrieve(ctx, st, info.Config, chunks[0].Text, limit, exclude)
	if err != nil {
		return nil, err
	}

	// Collapse to one hit per document, keeping the best-ranked chunk.
	seen := make(map[string]bool)
	var perDoc []FusedResult
	for _, r := range fused {
		owner, _, err := kb.ParseChunkID(r.ChunkID)
		if err != nil || seen[owner] {
			continue
		}
		seen[owner] = true
		perDoc = append(perDoc, r)
		if len(perDoc) == limit {
			break
		}
	}

	results, err := e.hydrate(st, perDoc)
	if err != nil {
		return nil, err
	}
	return &Response{
		Results:        results,
		Total:          len(results),
		ElapsedSeconds: time.Since(started).Seconds(),
	}, nil
}

func (e *Engine) kbForRead(kbID string) (*store.KBStore, kb.KnowledgeBase, error) {
	st, err := e.registry.Store(kbID)
	if err != nil {
		return nil, kb.KnowledgeBase{}, err
	}
	info, err := e.registry.Get(kbID)
	if err != nil {
		return nil, kb.KnowledgeBase{}, err
	}
	return st, info, nil
}

// retrieve produces ranked fused candidates, over-fetching when an
// exclusion set may swallow some of them.
func (e *Engine) retrieve(ctx context.Context, st *store.KBStore, cfg kb.KBConfig, query string, limit int, excludeDocs map[string]bool) ([]FusedResult, error) {
	candidates := max(2*limit, minCandidates)
	if len(excludeDocs) > 0 {
		candidates += minCandidates
	}

	embedder, err := e.embedders.ForModel(ctx, cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	queryVec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	vecHits, err := st.VectorSearch(ctx, queryVec, candidates)
	if err != nil {
		return nil, err
	}
	vec := make([]scoredHit, len(vecHits))
	for i, h := range vecHits {
		vec[i] = scoredHit{chunkID: h.ChunkID, score: float64(h.Score)}
	}

	var fused []FusedResult
	if cfg.HybridSearch {
		lexHits, err := st.LexicalSearch(ctx, query, candidates, cfg.BM25K1, cfg.BM25B)
		if err != nil {
			return nil, err
		}
		lex := make([]scoredHit, len(lexHits))
		for i, h := range lexHits {
			lex[i] = scoredHit{chunkID: h.ChunkID, score: h.Score}
		}
		fused = Fuse(vec, lex, cfg.VectorWeight)
	} else {
		fused = make([]FusedResult, len(vec))
		for i, h := range vec {
			fused[i] = FusedResult{ChunkID: h.chunkID, Score: h.score, VecScore: h.score}
		}
	}

	if len(excludeDocs) == 0 {
		return fused, nil
	}
	filtered := fused[:0]
	for _, r := range fused {
		owner, _, err := kb.ParseChunkID(r.ChunkID)
		if err == nil && excludeDocs[owner] {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// hydrate joins fused candidates with their chunk text and document
// fields. Candidates whose chunk has vanished (deleted mid-query) are
// dropped rather than erroring.
func (e *Engine) hydrate(st *store.KBStore, fused []FusedResult) ([]Result, error) {
	if len(fused) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(fused))
	for i, r := range fused {
		ids[i] = r.ChunkID
	}
	chunks, err := st.Meta.ChunksByIDs(ids)
	if err != nil {
		return nil, err
	}

	docs := make(map[string]kb.Document)
	results := make([]Result, 0, len(fused))
	for _, r := range fused {
		ch, ok := chunks[r.ChunkID]
		if !ok {
			continue
		}
		doc, ok := docs[ch.DocumentID]
		if !ok {
			var err error
			doc, err = st.Meta.GetDocument(ch.DocumentID)
			if err != nil {
				continue
			}
			docs[ch.DocumentID] = doc
		}
		results = append(results, Result{
			Content:    ch.Text,
			Filename:   doc.Filename,
			FileType:   string(doc.Format),
			Score:      r.Score,
			ChunkIndex: ch.Seq,
			DocumentID: ch.DocumentID,
		})
	}
	return results, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
