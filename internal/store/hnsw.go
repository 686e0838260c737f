package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// HNSWIndex implements VectorIndex on the coder/hnsw graph. Chunk ids
// are mapped to internal uint64 keys; deletion is lazy (mappings are
// dropped, graph nodes stay until the index is rebuilt) because removing
// graph nodes directly is unreliable in the underlying library.
type HNSWIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	path  string
	dim   int

	idMap   map[string]uint64 // chunk id -> internal key
	keyMap  map[uint64]string // internal key -> chunk id
	byDoc   map[string]map[string]struct{}
	nextKey uint64

	closed bool
}

// hnswSidecar persists the id mappings next to the exported graph.
type hnswSidecar struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// NewHNSWIndex creates an empty index for vectors of the given dimension,
// persisted at path (plus a ".meta" sidecar).
func NewHNSWIndex(path string, dim int) *HNSWIndex {
	return &HNSWIndex{
		graph:  newGraph(),
		path:   path,
		dim:    dim,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		byDoc:  make(map[string]map[string]struct{}),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// OpenHNSWIndex loads a persisted index. A missing file yields an empty
// index; a file that fails to decode yields index_corrupt so the caller
// can rebuild from the metadata store.
func OpenHNSWIndex(path string, dim int) (*HNSWIndex, error) {
	idx := NewHNSWIndex(path, dim)

	meta, err := os.Open(path + ".meta")
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "open vector index sidecar", err)
	}
	defer meta.Close()

	var sidecar hnswSidecar
	if err := gob.NewDecoder(meta).Decode(&sidecar); err != nil {
		return nil, kberr.Wrap(kberr.KindIndexCorrupt, "decode vector index sidecar", err)
	}
	if sidecar.Dimensions != dim {
		return nil, kberr.Newf(kberr.KindIndexCorrupt,
			"vector index dimension %d does not match model dimension %d", sidecar.Dimensions, dim)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kberr.New(kberr.KindIndexCorrupt, "vector index file missing but sidecar present")
		}
		return nil, kberr.Wrap(kberr.KindStorageFailed, "open vector index", err)
	}
	defer file.Close()

	// Import requires an io.ByteReader.
	if err := idx.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, kberr.Wrap(kberr.KindIndexCorrupt, "import vector index", err)
	}

	idx.idMap = sidecar.IDMap
	idx.nextKey = sidecar.NextKey
	for id, key := range idx.idMap {
		idx.keyMap[key] = id
		idx.trackDoc(id)
	}
	return idx, nil
}

// trackDoc records chunk id under its owning document for delete-by-document.
func (s *HNSWIndex) trackDoc(chunkID string) {
	docID, _, err := kb.ParseChunkID(chunkID)
	if err != nil {
		return
	}
	set, ok := s.byDoc[docID]
	if !ok {
		set = make(map[string]struct{})
		s.byDoc[docID] = set
	}
	set[chunkID] = struct{}{}
}

// Add inserts vectors keyed by chunk id. Existing ids are replaced via
// lazy deletion. Vectors are normalized before insertion.
func (s *HNSWIndex) Add(ctx context.Context, chunkIDs []string, vectors [][]float32) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if len(chunkIDs) != len(vectors) {
		return kberr.Newf(kberr.KindInternal, "ids and vectors length mismatch: %d vs %d", len(chunkIDs), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kberr.New(kberr.KindStorageFailed, "vector index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.dim {
			return ErrDimensionMismatch{Expected: s.dim, Got: len(v)}
		}
	}

	for i, id := range chunkIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
		s.trackDoc(id)
	}
	return nil
}

// DeleteByDocument lazily removes every vector of a document.
func (s *HNSWIndex) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kberr.New(kberr.KindStorageFailed, "vector index is closed")
	}
	for chunkID := range s.byDoc[docID] {
		if key, exists := s.idMap[chunkID]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, chunkID)
		}
	}
	delete(s.byDoc, docID)
	return nil
}

// Search returns the top-k chunks by cosine similarity. Lazily deleted
// nodes are filtered out, so the graph is oversampled to compensate.
// Ties break by chunk id ascending for stable ordering.
func (s *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kberr.New(kberr.KindStorageFailed, "vector index is closed")
	}
	if len(query) != s.dim {
		return nil, ErrDimensionMismatch{Expected: s.dim, Got: len(query)}
	}
	if s.graph.Len() == 0 || k <= 0 {
		return []VectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	// Oversample to cover orphaned nodes left by lazy deletion.
	fetch := k + (s.graph.Len() - len(s.idMap))
	nodes := s.graph.Search(q, fetch)

	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue
		}
		distance := s.graph.Distance(q, node.Value)
		hits = append(hits, VectorHit{ChunkID: id, Score: cosineDistanceToScore(distance)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count returns the number of live vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Save persists the graph and sidecar atomically (temp file + rename).
func (s *HNSWIndex) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kberr.New(kberr.KindStorageFailed, "vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "create index directory", err)
	}

	tmp := s.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "create vector index file", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return kberr.Wrap(kberr.KindStorageFailed, "export vector index", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return kberr.Wrap(kberr.KindStorageFailed, "close vector index file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return kberr.Wrap(kberr.KindStorageFailed, "install vector index file", err)
	}

	metaTmp := s.path + ".meta.tmp"
	metaFile, err := os.Create(metaTmp)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "create sidecar file", err)
	}
	sidecar := hnswSidecar{IDMap: s.idMap, NextKey: s.nextKey, Dimensions: s.dim}
	if err := gob.NewEncoder(metaFile).Encode(sidecar); err != nil {
		metaFile.Close()
		os.Remove(metaTmp)
		return kberr.Wrap(kberr.KindStorageFailed, "encode sidecar", err)
	}
	if err := metaFile.Close(); err != nil {
		os.Remove(metaTmp)
		return kberr.Wrap(kberr.KindStorageFailed, "close sidecar file", err)
	}
	if err := os.Rename(metaTmp, s.path+".meta"); err != nil {
		os.Remove(metaTmp)
		return kberr.Wrap(kberr.KindStorageFailed, "install sidecar file", err)
	}
	return nil
}

// Close releases the graph. The index must be saved first if its
// contents are to survive.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// RemoveHNSWFiles deletes the on-disk artifacts of an index at path.
func RemoveHNSWFiles(path string) error {
	for _, p := range []string{path, path + ".meta"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return kberr.Wrap(kberr.KindStorageFailed, "remove vector index file", err)
		}
	}
	return nil
}

// RenameHNSWFiles atomically moves an index (graph + sidecar) to a new
// path. Used by the reindex swap.
func RenameHNSWFiles(oldPath, newPath string) error {
	if err := os.Rename(oldPath+".meta", newPath+".meta"); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "rename vector index sidecar", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "rename vector index", err)
	}
	return nil
}

var _ VectorIndex = (*HNSWIndex)(nil)

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// cosineDistanceToScore maps cosine distance (0..2) to similarity (0..1).
func cosineDistanceToScore(distance float32) float32 {
	return 1.0 - distance/2.0
}
