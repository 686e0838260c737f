package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// BlobStore keeps the raw uploaded bytes of one knowledge base. Each
// document is written once under a name derived from its id, so a blob
// can be located (and orphans detected) from metadata alone.
type BlobStore struct {
	dir string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "create blob directory", err)
	}
	return &BlobStore{dir: dir}, nil
}

// BlobName derives the stored file name for a document:
// <stem>_<first 8 chars of doc id><ext>.
func BlobName(docID, filename string) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filepath.Base(filename), ext)
	if stem == "" {
		stem = "upload"
	}
	tag := strings.ReplaceAll(docID, "-", "")
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return fmt.Sprintf("%s_%s%s", stem, tag, ext)
}

// Put writes the blob atomically (tmp + rename) and returns the path
// relative to the blob directory.
func (b *BlobStore) Put(docID, filename string, data []byte) (string, error) {
	name := BlobName(docID, filename)
	final := filepath.Join(b.dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", kberr.Wrap(kberr.KindStorageFailed, "write blob", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", kberr.Wrap(kberr.KindStorageFailed, "install blob", err)
	}
	return name, nil
}

// Open returns a reader for a stored blob.
func (b *BlobStore) Open(storedPath string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(b.dir, storedPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kberr.Newf(kberr.KindNotFound, "blob not found: %s", storedPath)
		}
		return nil, kberr.Wrap(kberr.KindStorageFailed, "open blob", err)
	}
	return f, nil
}

// Read returns the full contents of a stored blob.
func (b *BlobStore) Read(storedPath string) ([]byte, error) {
	r, err := b.Open(storedPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "read blob", err)
	}
	return data, nil
}

// Delete removes a stored blob. Missing blobs are not an error.
func (b *BlobStore) Delete(storedPath string) error {
	err := os.Remove(filepath.Join(b.dir, storedPath))
	if err != nil && !os.IsNotExist(err) {
		return kberr.Wrap(kberr.KindStorageFailed, "delete blob", err)
	}
	return nil
}

// List returns the stored names of all blobs.
func (b *BlobStore) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "list blobs", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Sweep deletes blobs not referenced by any document row. A crash
// between blob write and metadata commit leaves such orphans behind.
func (b *BlobStore) Sweep(referenced map[string]bool) (removed []string, err error) {
	names, err := b.List()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if referenced[name] {
			continue
		}
		if err := b.Delete(name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
