package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLexical(t *testing.T) *SQLiteLexicalIndex {
	t.Helper()
	idx, err := OpenLexicalIndex(filepath.Join(t.TempDir(), "lexical.idx"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func sampleChunks() []IndexableChunk {
	return []IndexableChunk{
		{ChunkID: "d1_chunk_0", DocumentID: "d1", Text: "The quick brown fox jumps over the lazy dog."},
		{ChunkID: "d1_chunk_1", DocumentID: "d1", Text: "A fox is a small canine."},
		{ChunkID: "d2_chunk_0", DocumentID: "d2", Text: "Cats sleep most of the day."},
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, Tokenize("The quick, BROWN fox!"))
	assert.Empty(t, Tokenize("  ...  "))
	assert.Equal(t, []string{"rfc", "8259", "json"}, Tokenize("RFC-8259 (JSON)"))
}

func TestLexicalSearchRanksByBM25(t *testing.T) {
	idx := openTestLexical(t)
	require.NoError(t, idx.Add(context.Background(), sampleChunks()))
	assert.Equal(t, 3, idx.Count())

	hits, err := idx.Search(context.Background(), "lazy dog", 10, 1.5, 0.75)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "d1_chunk_0", hits[0].ChunkID)
	assert.Greater(t, hits[0].Score, 0.0)

	// "fox" appears in two chunks of d1, none of d2.
	hits, err = idx.Search(context.Background(), "fox", 10, 1.5, 0.75)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, "d2_chunk_0", h.ChunkID)
	}
}

func TestLexicalSearchNoMatches(t *testing.T) {
	idx := openTestLexical(t)
	require.NoError(t, idx.Add(context.Background(), sampleChunks()))

	hits, err := idx.Search(context.Background(), "zebra", 5, 1.5, 0.75)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalQueryTimeParameters(t *testing.T) {
	idx := openTestLexical(t)
	require.NoError(t, idx.Add(context.Background(), []IndexableChunk{
		{ChunkID: "a_chunk_0", DocumentID: "a", Text: "fox fox fox fox fox"},
		{ChunkID: "b_chunk_0", DocumentID: "b", Text: "fox den in the forest near the river bank today"},
	}))

	// k1 = 0 makes term frequency irrelevant: scores collapse to idf.
	flat, err := idx.Search(context.Background(), "fox", 10, 0, 0)
	require.NoError(t, err)
	require.Len(t, flat, 2)
	assert.InDelta(t, flat[0].Score, flat[1].Score, 1e-9)

	// Higher k1 rewards repeated terms.
	tfHeavy, err := idx.Search(context.Background(), "fox", 10, 2.0, 0)
	require.NoError(t, err)
	assert.Equal(t, "a_chunk_0", tfHeavy[0].ChunkID)
	assert.Greater(t, tfHeavy[0].Score, tfHeavy[1].Score)
}

func TestLexicalDeleteByDocument(t *testing.T) {
	idx := openTestLexical(t)
	require.NoError(t, idx.Add(context.Background(), sampleChunks()))

	require.NoError(t, idx.DeleteByDocument(context.Background(), "d1"))
	assert.Equal(t, 1, idx.Count())

	hits, err := idx.Search(context.Background(), "fox", 10, 1.5, 0.75)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexical.idx")
	idx, err := OpenLexicalIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), sampleChunks()))
	require.NoError(t, idx.Close())

	reopened, err := OpenLexicalIndex(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 3, reopened.Count())

	hits, err := reopened.Search(context.Background(), "lazy dog", 5, 1.5, 0.75)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "d1_chunk_0", hits[0].ChunkID)
}

func TestLexicalCorruptFileIsCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexical.idx")
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o644))

	idx, err := OpenLexicalIndex(path)
	require.NoError(t, err)
	defer idx.Close()
	assert.Zero(t, idx.Count())
}

func TestLexicalReplaceChunk(t *testing.T) {
	idx := openTestLexical(t)
	require.NoError(t, idx.Add(context.Background(), []IndexableChunk{
		{ChunkID: "d1_chunk_0", DocumentID: "d1", Text: "old content about trains"},
	}))
	require.NoError(t, idx.Add(context.Background(), []IndexableChunk{
		{ChunkID: "d1_chunk_0", DocumentID: "d1", Text: "new content about boats"},
	}))
	assert.Equal(t, 1, idx.Count())

	hits, err := idx.Search(context.Background(), "trains", 5, 1.5, 0.75)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(context.Background(), "boats", 5, 1.5, 0.75)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
