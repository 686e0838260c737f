package store

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbmcp/internal/kb"
)

const testModel = "test-model"

func openTestKBStore(t *testing.T) *KBStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenKBStore(context.Background(), dir, "kb-test", testModel, 4)
	require.NoError(t, err)
	require.NoError(t, s.Meta.InitKB(kb.KnowledgeBase{
		ID: "kb-test", Name: "kb1", CreatedAt: time.Now().UTC(), Config: kb.DefaultConfig(),
	}))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func commitTestDocument(t *testing.T, s *KBStore, docID, text string) []kb.Chunk {
	t.Helper()
	doc := kb.Document{
		ID: docID, KBID: "kb-test", Filename: docID + ".txt",
		StoredPath: docID + ".txt", Format: kb.FormatText,
		SizeBytes: int64(len(text)), CreatedAt: time.Now().UTC(), Status: kb.StatusPending,
	}
	require.NoError(t, s.Meta.CreateDocument(doc))
	chunks := []kb.Chunk{{
		ID: kb.ChunkID(docID, 0), DocumentID: docID, Seq: 0, Text: text, TokenCount: 5,
	}}
	vectors := [][]float32{{1, 0, 0, 0}}
	require.NoError(t, s.Meta.CommitDocument(context.Background(), doc, chunks, vectors, testModel))
	require.NoError(t, s.AddToIndices(context.Background(), chunks, vectors))
	return chunks
}

func TestKBStoreIndexLifecycle(t *testing.T) {
	s := openTestKBStore(t)
	commitTestDocument(t, s, "doc-1", "the quick brown fox")

	hits, err := s.VectorSearch(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	lhits, err := s.LexicalSearch(context.Background(), "fox", 5, 1.5, 0.75)
	require.NoError(t, err)
	require.Len(t, lhits, 1)

	require.NoError(t, s.RemoveDocumentFromIndices(context.Background(), "doc-1"))
	assert.Zero(t, s.VectorCount())
	assert.Zero(t, s.LexicalCount())
}

func TestKBStoreRebuildsIndicesAfterLoss(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenKBStore(context.Background(), dir, "kb-test", testModel, 4)
	require.NoError(t, err)
	require.NoError(t, s.Meta.InitKB(kb.KnowledgeBase{
		ID: "kb-test", Name: "kb1", CreatedAt: time.Now().UTC(), Config: kb.DefaultConfig(),
	}))
	commitTestDocument(t, s, "doc-1", "the quick brown fox")
	require.NoError(t, s.Close())

	// Simulate losing both index files.
	require.NoError(t, RemoveHNSWFiles(s.VectorPath()))
	require.NoError(t, RemoveLexicalFiles(s.LexicalPath()))

	reopened, err := OpenKBStore(context.Background(), dir, "kb-test", testModel, 4)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.VectorCount())
	assert.Equal(t, 1, reopened.LexicalCount())

	hits, err := reopened.LexicalSearch(context.Background(), "fox", 5, 1.5, 0.75)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestKBStoreRepairsInterruptedIngestOnOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenKBStore(context.Background(), dir, "kb-test", testModel, 4)
	require.NoError(t, err)
	require.NoError(t, s.Meta.InitKB(kb.KnowledgeBase{
		ID: "kb-test", Name: "kb1", CreatedAt: time.Now().UTC(), Config: kb.DefaultConfig(),
	}))

	// Blob written and document left mid-pipeline, as after a crash.
	stored, err := s.Blobs.Put("doc-crash", "crash.txt", []byte("half done"))
	require.NoError(t, err)
	require.NoError(t, s.Meta.CreateDocument(kb.Document{
		ID: "doc-crash", KBID: "kb-test", Filename: "crash.txt", StoredPath: stored,
		Format: kb.FormatText, SizeBytes: 9, CreatedAt: time.Now().UTC(), Status: kb.StatusExtracting,
	}))
	require.NoError(t, s.Close())

	reopened, err := OpenKBStore(context.Background(), dir, "kb-test", testModel, 4)
	require.NoError(t, err)
	defer reopened.Close()

	docs, err := reopened.Meta.ListDocuments()
	require.NoError(t, err)
	assert.Empty(t, docs)

	blobs, err := reopened.Blobs.List()
	require.NoError(t, err)
	assert.Empty(t, blobs, "orphaned blob should be swept")
}

func TestKBStoreBeginReindexConflicts(t *testing.T) {
	s := openTestKBStore(t)
	require.NoError(t, s.BeginReindex())
	assert.True(t, s.Reindexing())

	err := s.BeginReindex()
	require.Error(t, err)

	s.EndReindex()
	assert.False(t, s.Reindexing())
	require.NoError(t, s.BeginReindex())
	s.EndReindex()
}

// buildTestShadow writes a two-chunk shadow index pair for doc-1.
func buildTestShadow(t *testing.T, s *KBStore) {
	t.Helper()
	shadowVec := NewHNSWIndex(s.ShadowVectorPath(), 4)
	require.NoError(t, shadowVec.Add(context.Background(),
		[]string{kb.ChunkID("doc-1", 0), kb.ChunkID("doc-1", 1)},
		[][]float32{{0, 1, 0, 0}, {0, 0, 1, 0}}))
	require.NoError(t, shadowVec.Save())
	require.NoError(t, shadowVec.Close())

	shadowLex, err := OpenLexicalIndex(s.ShadowLexicalPath())
	require.NoError(t, err)
	require.NoError(t, shadowLex.Add(context.Background(), []IndexableChunk{
		{ChunkID: kb.ChunkID("doc-1", 0), DocumentID: "doc-1", Text: "rechunked fox text"},
		{ChunkID: kb.ChunkID("doc-1", 1), DocumentID: "doc-1", Text: "second shadow chunk"},
	}))
	require.NoError(t, shadowLex.Close())
}

func TestKBStoreCommitAndSwap(t *testing.T) {
	s := openTestKBStore(t)
	commitTestDocument(t, s, "doc-1", "the quick brown fox")
	buildTestShadow(t, s)

	committed := false
	require.NoError(t, s.CommitAndSwap(context.Background(), 4, func() error {
		committed = true
		// The old indices are still live while the commit runs.
		assert.Equal(t, 1, s.LexicalCount())
		return nil
	}))
	assert.True(t, committed)
	assert.Equal(t, 2, s.VectorCount())
	assert.Equal(t, 2, s.LexicalCount())

	// Shadow files are gone after promotion.
	_, err := os.Stat(s.ShadowVectorPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.ShadowLexicalPath())
	assert.True(t, os.IsNotExist(err))
}

func TestCommitAndSwapWaitsForPinnedQueries(t *testing.T) {
	s := openTestKBStore(t)
	commitTestDocument(t, s, "doc-1", "the quick brown fox")
	buildTestShadow(t, s)

	s.BeginQuery()

	var commitRan atomic.Bool
	swapped := make(chan struct{})
	go func() {
		defer close(swapped)
		_ = s.CommitAndSwap(context.Background(), 4, func() error {
			commitRan.Store(true)
			return nil
		})
	}()

	// The commit must not start while a query holds the gate, and the
	// pinned query keeps seeing the old snapshot.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, commitRan.Load())
	hits, err := s.LexicalSearch(context.Background(), "fox", 5, 1.5, 0.75)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	s.EndQuery()
	<-swapped
	assert.True(t, commitRan.Load())
	assert.Equal(t, 2, s.LexicalCount())
}
