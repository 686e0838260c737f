package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// MetaDB is the per-KB metadata database (meta.db). It holds the KB row,
// documents, chunks, and vector rows, and is the source of truth both
// indices are rebuilt from.
type MetaDB struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	kbID   string
	closed bool
}

const metaSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS kb (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	generation INTEGER NOT NULL DEFAULT 0,
	config TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	stored_path TEXT NOT NULL,
	format TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	status_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	text TEXT NOT NULL,
	token_count INTEGER NOT NULL,
	page INTEGER NOT NULL DEFAULT 0,
	paragraph INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS chunks_by_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS vectors (
	chunk_id TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	dim INTEGER NOT NULL,
	vec BLOB NOT NULL
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// validateMetaIntegrity checks a metadata database before opening.
// Returns nil for a missing file (it will be created).
func validateMetaIntegrity(path string) error {
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
	return nil
}

// OpenMetaDB opens (or creates) the metadata database for one KB.
// Corruption is not auto-cleared: meta.db is the source of truth, so a
// corrupt file surfaces as index_corrupt and the KB is marked degraded
// by the caller.
func OpenMetaDB(path, kbID string) (*MetaDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "create kb directory", err)
	}
	if err := validateMetaIntegrity(path); err != nil {
		return nil, kberr.Wrap(kberr.KindIndexCorrupt, "metadata database failed validation", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "open metadata database", err)
	}

	// Single connection: one writer, WAL readers go through the same pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, kberr.Wrap(kberr.KindStorageFailed, "set pragma", err)
		}
	}

	if _, err := db.Exec(metaSchema); err != nil {
		_ = db.Close()
		return nil, kberr.Wrap(kberr.KindStorageFailed, "initialize metadata schema", err)
	}

	return &MetaDB{db: db, path: path, kbID: kbID}, nil
}

// Close closes the database.
func (m *MetaDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Path returns the database file path.
func (m *MetaDB) Path() string { return m.path }

// --- KB row ---

// InitKB installs the KB row if the database is fresh.
func (m *MetaDB) InitKB(k kb.KnowledgeBase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := json.Marshal(k.Config)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, "marshal kb config", err)
	}
	_, err = m.db.Exec(
		`INSERT OR IGNORE INTO kb (id, name, description, created_at, generation, config)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.Description, k.CreatedAt.UTC().Format(time.RFC3339Nano), k.Generation, string(cfg))
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "insert kb row", err)
	}
	return nil
}

// LoadKB reads the KB row.
func (m *MetaDB) LoadKB() (kb.KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var k kb.KnowledgeBase
	var createdAt, cfg string
	err := m.db.QueryRow(
		`SELECT id, name, description, created_at, generation, config FROM kb LIMIT 1`).
		Scan(&k.ID, &k.Name, &k.Description, &createdAt, &k.Generation, &cfg)
	if err == sql.ErrNoRows {
		return k, kberr.New(kberr.KindNotFound, "knowledge base row missing")
	}
	if err != nil {
		return k, kberr.Wrap(kberr.KindStorageFailed, "load kb row", err)
	}
	if k.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return k, kberr.Wrap(kberr.KindStorageFailed, "parse kb created_at", err)
	}
	if err := json.Unmarshal([]byte(cfg), &k.Config); err != nil {
		return k, kberr.Wrap(kberr.KindStorageFailed, "parse kb config", err)
	}
	return k, nil
}

// UpdateKBInfo updates name and description.
func (m *MetaDB) UpdateKBInfo(name, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec(`UPDATE kb SET name = ?, description = ?`, name, description)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "update kb info", err)
	}
	return nil
}

// UpdateKBConfig replaces the stored configuration.
func (m *MetaDB) UpdateKBConfig(cfg kb.KBConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(cfg)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, "marshal kb config", err)
	}
	if _, err := m.db.Exec(`UPDATE kb SET config = ?`, string(data)); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "update kb config", err)
	}
	return nil
}

// IncrementGeneration bumps the reindex generation counter and returns
// the new value.
func (m *MetaDB) IncrementGeneration() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.db.Exec(`UPDATE kb SET generation = generation + 1`); err != nil {
		return 0, kberr.Wrap(kberr.KindStorageFailed, "increment generation", err)
	}
	var gen uint64
	if err := m.db.QueryRow(`SELECT generation FROM kb LIMIT 1`).Scan(&gen); err != nil {
		return 0, kberr.Wrap(kberr.KindStorageFailed, "read generation", err)
	}
	return gen, nil
}

// --- Documents ---

// CreateDocument inserts a new document row (normally status pending).
func (m *MetaDB) CreateDocument(doc kb.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec(
		`INSERT INTO documents (id, filename, stored_path, format, size_bytes, created_at, chunk_count, status, status_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.StoredPath, string(doc.Format), doc.SizeBytes,
		doc.CreatedAt.UTC().Format(time.RFC3339Nano), doc.ChunkCount, string(doc.Status), doc.StatusReason)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "insert document", err)
	}
	return nil
}

// UpdateDocumentStatus transitions a document's processing status.
func (m *MetaDB) UpdateDocumentStatus(docID string, status kb.DocumentStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, err := m.db.Exec(`UPDATE documents SET status = ?, status_reason = ? WHERE id = ?`,
		string(status), reason, docID)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "update document status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kberr.Newf(kberr.KindNotFound, "document not found: %s", docID)
	}
	return nil
}

// CommitDocument atomically installs a document's chunks and vectors
// and finalizes its status: failed with the document's status reason
// when doc carries status failed, ready otherwise. Any previous chunks
// and vectors of the document are replaced in the same transaction, so
// a crash leaves either the old complete state or the new one, and a
// failed document can never surface as ready.
func (m *MetaDB) CommitDocument(ctx context.Context, doc kb.Document, chunks []kb.Chunk, vectors [][]float32, model string) error {
	if len(vectors) != len(chunks) {
		return kberr.Newf(kberr.KindInternal, "chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "begin commit transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM vectors WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, doc.ID); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "clear old vectors", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "clear old chunks", err)
	}

	chunkStmt, err := tx.Prepare(
		`INSERT INTO chunks (id, document_id, seq, text, token_count, page, paragraph)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "prepare chunk insert", err)
	}
	defer chunkStmt.Close()

	vecStmt, err := tx.Prepare(`INSERT INTO vectors (chunk_id, model, dim, vec) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "prepare vector insert", err)
	}
	defer vecStmt.Close()

	for i, c := range chunks {
		if _, err := chunkStmt.Exec(c.ID, c.DocumentID, c.Seq, c.Text, c.TokenCount, c.Page, c.Paragraph); err != nil {
			return kberr.Wrap(kberr.KindStorageFailed, "insert chunk", err)
		}
		if _, err := vecStmt.Exec(c.ID, model, len(vectors[i]), encodeVector(vectors[i])); err != nil {
			return kberr.Wrap(kberr.KindStorageFailed, "insert vector", err)
		}
	}

	status, reason := kb.StatusReady, ""
	if doc.Status == kb.StatusFailed {
		status, reason = kb.StatusFailed, doc.StatusReason
	}
	res, err := tx.Exec(
		`UPDATE documents SET chunk_count = ?, status = ?, status_reason = ? WHERE id = ?`,
		len(chunks), string(status), reason, doc.ID)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "finalize document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kberr.Newf(kberr.KindNotFound, "document not found: %s", doc.ID)
	}

	if err := tx.Commit(); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "commit document", err)
	}
	return nil
}

// DeleteDocument removes the document row plus its chunks and vectors.
func (m *MetaDB) DeleteDocument(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "begin delete transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM vectors WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, docID); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "delete vectors", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "delete chunks", err)
	}
	res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, docID)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "delete document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kberr.Newf(kberr.KindNotFound, "document not found: %s", docID)
	}
	if err := tx.Commit(); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "commit delete", err)
	}
	return nil
}

// GetDocument loads one document.
func (m *MetaDB) GetDocument(docID string) (kb.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.QueryRow(
		`SELECT id, filename, stored_path, format, size_bytes, created_at, chunk_count, status, status_reason
		 FROM documents WHERE id = ?`, docID)
	doc, err := m.scanDocument(row)
	if err == sql.ErrNoRows {
		return doc, kberr.Newf(kberr.KindNotFound, "document not found: %s", docID)
	}
	if err != nil {
		return doc, kberr.Wrap(kberr.KindStorageFailed, "load document", err)
	}
	return doc, nil
}

// ListDocuments returns all documents ordered by ingest time.
func (m *MetaDB) ListDocuments() ([]kb.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(
		`SELECT id, filename, stored_path, format, size_bytes, created_at, chunk_count, status, status_reason
		 FROM documents ORDER BY created_at, id`)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "list documents", err)
	}
	defer rows.Close()

	var docs []kb.Document
	for rows.Next() {
		doc, err := m.scanDocument(rows)
		if err != nil {
			return nil, kberr.Wrap(kberr.KindStorageFailed, "scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (m *MetaDB) scanDocument(row rowScanner) (kb.Document, error) {
	var doc kb.Document
	var format, status, createdAt string
	err := row.Scan(&doc.ID, &doc.Filename, &doc.StoredPath, &format, &doc.SizeBytes,
		&createdAt, &doc.ChunkCount, &status, &doc.StatusReason)
	if err != nil {
		return doc, err
	}
	doc.KBID = m.kbID
	doc.Format = kb.Format(format)
	doc.Status = kb.DocumentStatus(status)
	doc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	return doc, err
}

// --- Chunks ---

// ChunksByDocument returns a document's chunks in sequence order.
func (m *MetaDB) ChunksByDocument(docID string) ([]kb.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryChunks(`SELECT id, document_id, seq, text, token_count, page, paragraph
		FROM chunks WHERE document_id = ? ORDER BY seq`, docID)
}

// ChunksByIDs hydrates chunks for search results. Missing ids are
// silently skipped; the result is keyed by chunk id.
func (m *MetaDB) ChunksByIDs(ids []string) (map[string]kb.Chunk, error) {
	if len(ids) == 0 {
		return map[string]kb.Chunk{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	chunks, err := m.queryChunks(
		`SELECT id, document_id, seq, text, token_count, page, paragraph
		 FROM chunks WHERE id IN (`+string(placeholders)+`)`, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]kb.Chunk, len(chunks))
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

// AllChunks returns every chunk in the KB, ordered by document then seq.
// Used for lexical index rebuild and reindex snapshots.
func (m *MetaDB) AllChunks() ([]kb.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryChunks(`SELECT id, document_id, seq, text, token_count, page, paragraph
		FROM chunks ORDER BY document_id, seq`)
}

func (m *MetaDB) queryChunks(query string, args ...any) ([]kb.Chunk, error) {
	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "query chunks", err)
	}
	defer rows.Close()

	var chunks []kb.Chunk
	for rows.Next() {
		var c kb.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Text, &c.TokenCount, &c.Page, &c.Paragraph); err != nil {
			return nil, kberr.Wrap(kberr.KindStorageFailed, "scan chunk", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkCount returns the number of chunks in the KB.
func (m *MetaDB) ChunkCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, kberr.Wrap(kberr.KindStorageFailed, "count chunks", err)
	}
	return n, nil
}

// --- Vectors ---

// VectorCount returns the number of vector rows for the given model.
func (m *MetaDB) VectorCount(model string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM vectors WHERE model = ?`, model).Scan(&n); err != nil {
		return 0, kberr.Wrap(kberr.KindStorageFailed, "count vectors", err)
	}
	return n, nil
}

// VectorsByModel streams (chunk id, vector) pairs for index rebuild.
func (m *MetaDB) VectorsByModel(model string, fn func(chunkID string, vec []float32) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(`SELECT chunk_id, dim, vec FROM vectors WHERE model = ? ORDER BY chunk_id`, model)
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "query vectors", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chunkID string
		var dim int
		var blob []byte
		if err := rows.Scan(&chunkID, &dim, &blob); err != nil {
			return kberr.Wrap(kberr.KindStorageFailed, "scan vector", err)
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return err
		}
		if err := fn(chunkID, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// --- Stats and repair ---

// Stats summarizes ready documents for the UI and the info tool.
func (m *MetaDB) Stats() (kb.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := kb.Stats{FileTypes: map[string]int{}}
	rows, err := m.db.Query(`SELECT format, size_bytes, chunk_count FROM documents WHERE status = ?`, string(kb.StatusReady))
	if err != nil {
		return stats, kberr.Wrap(kberr.KindStorageFailed, "query stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var format string
		var size int64
		var chunks int
		if err := rows.Scan(&format, &size, &chunks); err != nil {
			return stats, kberr.Wrap(kberr.KindStorageFailed, "scan stats", err)
		}
		stats.FileCount++
		stats.TotalSizeBytes += size
		stats.TotalChunks += chunks
		stats.FileTypes[format]++
	}
	return stats, rows.Err()
}

// Repair discards the debris of interrupted ingestions: documents stuck
// mid-pipeline are removed (their chunks and vectors with them), and
// chunk or vector rows whose parents are gone are dropped. Returns the
// stored paths of removed documents so the blob sweep can collect them.
func (m *MetaDB) Repair(ctx context.Context) (removedBlobs []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "begin repair", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, stored_path FROM documents WHERE status IN (?, ?, ?)`,
		string(kb.StatusPending), string(kb.StatusExtracting), string(kb.StatusEmbedding))
	if err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "find interrupted documents", err)
	}
	var staleIDs []string
	for rows.Next() {
		var id, stored string
		if err := rows.Scan(&id, &stored); err != nil {
			rows.Close()
			return nil, kberr.Wrap(kberr.KindStorageFailed, "scan interrupted document", err)
		}
		staleIDs = append(staleIDs, id)
		removedBlobs = append(removedBlobs, stored)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "iterate interrupted documents", err)
	}

	for _, id := range staleIDs {
		if _, err := tx.Exec(`DELETE FROM vectors WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, id); err != nil {
			return nil, kberr.Wrap(kberr.KindStorageFailed, "repair vectors", err)
		}
		if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
			return nil, kberr.Wrap(kberr.KindStorageFailed, "repair chunks", err)
		}
		if _, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id); err != nil {
			return nil, kberr.Wrap(kberr.KindStorageFailed, "repair documents", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id NOT IN (SELECT id FROM documents)`); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "drop orphan chunks", err)
	}
	if _, err := tx.Exec(`DELETE FROM vectors WHERE chunk_id NOT IN (SELECT id FROM chunks)`); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "drop orphan vectors", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, kberr.Wrap(kberr.KindStorageFailed, "commit repair", err)
	}
	if len(staleIDs) > 0 {
		slog.Warn("repaired interrupted ingestions",
			slog.String("kb_id", m.kbID), slog.Int("documents", len(staleIDs)))
	}
	return removedBlobs, nil
}

// --- Vector encoding ---

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// decodeVector unpacks a little-endian float32 blob.
func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, kberr.Newf(kberr.KindIndexCorrupt, "vector blob size %d does not match dim %d", len(blob), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
