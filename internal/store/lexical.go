package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// SQLiteLexicalIndex implements LexicalIndex with postings persisted in
// SQLite and scoring done in Go. Keeping k1 and b out of the stored
// representation lets retrieval tuning apply per query without a
// reindex, which FTS engines that bake scoring into the index cannot do.
//
// The postings are mirrored in memory at open; SQLite is the durable
// copy, memory serves searches.
type SQLiteLexicalIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool

	postings  map[string]map[string]int // term -> chunk id -> tf
	lengths   map[string]int            // chunk id -> token count
	chunkDoc  map[string]string         // chunk id -> document id
	docChunks map[string]map[string]struct{}
	totalLen  int64
}

const lexicalSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS chunk_stats (
	chunk_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	length INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chunk_stats_by_doc ON chunk_stats(doc_id);

CREATE TABLE IF NOT EXISTS postings (
	term TEXT NOT NULL,
	chunk_id TEXT NOT NULL,
	tf INTEGER NOT NULL,
	PRIMARY KEY (term, chunk_id)
);
CREATE INDEX IF NOT EXISTS postings_by_chunk ON postings(chunk_id);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// validateLexicalIntegrity checks the index database before opening.
func validateLexicalIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='postings'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("postings table missing")
	}
	return nil
}

// OpenLexicalIndex opens (or creates) the BM25 index at path. A corrupt
// file is cleared and recreated empty; the caller detects the count
// mismatch against the metadata store and rebuilds from chunk text.
func OpenLexicalIndex(path string) (*SQLiteLexicalIndex, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, kberr.Wrap(kberr.KindStorageFailed, "create index directory", err)
		}
		if validErr := validateLexicalIntegrity(path); validErr != nil {
			slog.Warn("lexical index corrupted, clearing",
				slog.String("path", path), slog.String("error", validErr.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, kberr.Wrap(kberr.KindIndexCorrupt, "corrupt lexical index cannot be removed", removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
		}
	}

	dsn := path
	if path == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "open lexical index", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, kberr.Wrap(kberr.KindStorageFailed, "set pragma", err)
		}
	}

	if _, err := db.Exec(lexicalSchema); err != nil {
		_ = db.Close()
		return nil, kberr.Wrap(kberr.KindStorageFailed, "initialize lexical schema", err)
	}

	idx := &SQLiteLexicalIndex{
		db:        db,
		path:      path,
		postings:  make(map[string]map[string]int),
		lengths:   make(map[string]int),
		chunkDoc:  make(map[string]string),
		docChunks: make(map[string]map[string]struct{}),
	}
	if err := idx.loadIntoMemory(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// loadIntoMemory mirrors the persisted postings for query serving.
func (s *SQLiteLexicalIndex) loadIntoMemory() error {
	rows, err := s.db.Query(`SELECT chunk_id, doc_id, length FROM chunk_stats`)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "load chunk stats", err)
	}
	for rows.Next() {
		var chunkID, docID string
		var length int
		if err := rows.Scan(&chunkID, &docID, &length); err != nil {
			rows.Close()
			return kberr.Wrap(kberr.KindStorageFailed, "scan chunk stats", err)
		}
		s.trackChunk(chunkID, docID, length)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "iterate chunk stats", err)
	}

	prows, err := s.db.Query(`SELECT term, chunk_id, tf FROM postings`)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "load postings", err)
	}
	defer prows.Close()
	for prows.Next() {
		var term, chunkID string
		var tf int
		if err := prows.Scan(&term, &chunkID, &tf); err != nil {
			return kberr.Wrap(kberr.KindStorageFailed, "scan posting", err)
		}
		byChunk, ok := s.postings[term]
		if !ok {
			byChunk = make(map[string]int)
			s.postings[term] = byChunk
		}
		byChunk[chunkID] = tf
	}
	return prows.Err()
}

func (s *SQLiteLexicalIndex) trackChunk(chunkID, docID string, length int) {
	s.lengths[chunkID] = length
	s.chunkDoc[chunkID] = docID
	s.totalLen += int64(length)
	set, ok := s.docChunks[docID]
	if !ok {
		set = make(map[string]struct{})
		s.docChunks[docID] = set
	}
	set[chunkID] = struct{}{}
}

// Add indexes chunks; existing chunk ids are replaced.
func (s *SQLiteLexicalIndex) Add(ctx context.Context, chunks []IndexableChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kberr.New(kberr.KindStorageFailed, "lexical index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "begin index transaction", err)
	}
	defer tx.Rollback()

	delPostings, err := tx.Prepare(`DELETE FROM postings WHERE chunk_id = ?`)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "prepare postings delete", err)
	}
	defer delPostings.Close()
	insStats, err := tx.Prepare(`INSERT OR REPLACE INTO chunk_stats (chunk_id, doc_id, length) VALUES (?, ?, ?)`)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "prepare stats insert", err)
	}
	defer insStats.Close()
	insPosting, err := tx.Prepare(`INSERT INTO postings (term, chunk_id, tf) VALUES (?, ?, ?)`)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "prepare posting insert", err)
	}
	defer insPosting.Close()

	type pending struct {
		chunk  IndexableChunk
		tf     map[string]int
		length int
	}
	batch := make([]pending, 0, len(chunks))
	for _, c := range chunks {
		tf, length := termFrequencies(c.Text)
		batch = append(batch, pending{chunk: c, tf: tf, length: length})

		if _, err := delPostings.Exec(c.ChunkID); err != nil {
			return kberr.Wrap(kberr.KindStorageFailed, "delete stale postings", err)
		}
		if _, err := insStats.Exec(c.ChunkID, c.DocumentID, length); err != nil {
			return kberr.Wrap(kberr.KindStorageFailed, "insert chunk stats", err)
		}
		for term, n := range tf {
			if _, err := insPosting.Exec(term, c.ChunkID, n); err != nil {
				return kberr.Wrap(kberr.KindStorageFailed, "insert posting", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "commit index transaction", err)
	}

	// Persisted; now mirror in memory.
	for _, p := range batch {
		s.removeChunkLocked(p.chunk.ChunkID)
		s.trackChunk(p.chunk.ChunkID, p.chunk.DocumentID, p.length)
		for term, n := range p.tf {
			byChunk, ok := s.postings[term]
			if !ok {
				byChunk = make(map[string]int)
				s.postings[term] = byChunk
			}
			byChunk[p.chunk.ChunkID] = n
		}
	}
	return nil
}

// removeChunkLocked drops one chunk from the in-memory mirror.
func (s *SQLiteLexicalIndex) removeChunkLocked(chunkID string) {
	length, ok := s.lengths[chunkID]
	if !ok {
		return
	}
	s.totalLen -= int64(length)
	delete(s.lengths, chunkID)
	docID := s.chunkDoc[chunkID]
	delete(s.chunkDoc, chunkID)
	if set, ok := s.docChunks[docID]; ok {
		delete(set, chunkID)
		if len(set) == 0 {
			delete(s.docChunks, docID)
		}
	}
	for term, byChunk := range s.postings {
		if _, ok := byChunk[chunkID]; ok {
			delete(byChunk, chunkID)
			if len(byChunk) == 0 {
				delete(s.postings, term)
			}
		}
	}
}

// DeleteByDocument removes every chunk of a document.
func (s *SQLiteLexicalIndex) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kberr.New(kberr.KindStorageFailed, "lexical index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "begin delete transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM postings WHERE chunk_id IN (SELECT chunk_id FROM chunk_stats WHERE doc_id = ?)`, docID); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "delete postings", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunk_stats WHERE doc_id = ?`, docID); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "delete chunk stats", err)
	}
	if err := tx.Commit(); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "commit delete transaction", err)
	}

	chunkIDs := make([]string, 0, len(s.docChunks[docID]))
	for chunkID := range s.docChunks[docID] {
		chunkIDs = append(chunkIDs, chunkID)
	}
	for _, chunkID := range chunkIDs {
		s.removeChunkLocked(chunkID)
	}
	return nil
}

// Search scores the query with BM25 using the supplied k1 and b.
// Results are sorted score descending, ties broken by chunk id.
func (s *SQLiteLexicalIndex) Search(ctx context.Context, query string, k int, k1, b float64) ([]LexicalHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kberr.New(kberr.KindStorageFailed, "lexical index is closed")
	}
	if k <= 0 {
		return []LexicalHit{}, nil
	}

	terms := Tokenize(query)
	n := len(s.lengths)
	if len(terms) == 0 || n == 0 {
		return []LexicalHit{}, nil
	}
	avgLen := float64(s.totalLen) / float64(n)
	if avgLen == 0 {
		return []LexicalHit{}, nil
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		byChunk, ok := s.postings[term]
		if !ok {
			continue
		}
		df := float64(len(byChunk))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for chunkID, tf := range byChunk {
			norm := 1 - b + b*float64(s.lengths[chunkID])/avgLen
			scores[chunkID] += idf * float64(tf) * (k1 + 1) / (float64(tf) + k1*norm)
		}
	}

	hits := make([]LexicalHit, 0, len(scores))
	for chunkID, score := range scores {
		hits = append(hits, LexicalHit{ChunkID: chunkID, Score: score})
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

// Count returns the number of indexed chunks.
func (s *SQLiteLexicalIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lengths)
}

// Close closes the underlying database.
func (s *SQLiteLexicalIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RemoveLexicalFiles deletes the on-disk artifacts of an index at path.
func RemoveLexicalFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return kberr.Wrap(kberr.KindStorageFailed, "remove lexical index file", err)
		}
	}
	return nil
}

// RenameLexicalFiles moves a closed index database to a new path.
func RenameLexicalFiles(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "rename lexical index", err)
	}
	// WAL/SHM of the closed source must not shadow the new file.
	_ = os.Remove(oldPath + "-wal")
	_ = os.Remove(oldPath + "-shm")
	return nil
}

var _ LexicalIndex = (*SQLiteLexicalIndex)(nil)
