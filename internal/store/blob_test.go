package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobName(t *testing.T) {
	name := BlobName("3f2a9b10-1111-2222-3333-444455556666", "report.pdf")
	assert.Equal(t, "report_3f2a9b10.pdf", name)

	// No extension.
	assert.Equal(t, "notes_3f2a9b10", BlobName("3f2a9b10-1111-2222-3333-444455556666", "notes"))
}

func TestBlobPutReadDelete(t *testing.T) {
	b, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	stored, err := b.Put("doc-1", "hello.txt", []byte("The quick brown fox"))
	require.NoError(t, err)

	data, err := b.Read(stored)
	require.NoError(t, err)
	assert.Equal(t, "The quick brown fox", string(data))

	require.NoError(t, b.Delete(stored))
	_, err = b.Read(stored)
	assert.Error(t, err)

	// Deleting twice is fine.
	assert.NoError(t, b.Delete(stored))
}

func TestBlobSweepRemovesUnreferenced(t *testing.T) {
	b, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	kept, err := b.Put("doc-1", "keep.txt", []byte("keep"))
	require.NoError(t, err)
	orphan, err := b.Put("doc-2", "orphan.txt", []byte("orphan"))
	require.NoError(t, err)

	removed, err := b.Sweep(map[string]bool{kept: true})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, removed)

	names, err := b.List()
	require.NoError(t, err)
	assert.Equal(t, []string{kept}, names)
}
