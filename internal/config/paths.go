package config

import "path/filepath"

// Paths resolves every well-known location under a data root:
//
//	<root>/
//	  config.json
//	  config.yaml              (optional override)
//	  knowledge-bases/<kb-id>/ (blobs/, meta.db, vector.idx, lexical.idx)
//	  tool-servers.json
//	  logs/
//	  kbmcp.lock
type Paths struct {
	root string
}

// NewPaths returns a resolver rooted at the given directory.
func NewPaths(root string) Paths {
	return Paths{root: root}
}

// Root returns the data root itself.
func (p Paths) Root() string { return p.root }

// ConfigFile is <root>/config.json.
func (p Paths) ConfigFile() string { return filepath.Join(p.root, "config.json") }

// ConfigOverrideFile is <root>/config.yaml.
func (p Paths) ConfigOverrideFile() string { return filepath.Join(p.root, "config.yaml") }

// KnowledgeBasesDir holds one directory per knowledge base.
func (p Paths) KnowledgeBasesDir() string { return filepath.Join(p.root, "knowledge-bases") }

// KBDir is the exclusive directory of one knowledge base.
func (p Paths) KBDir(kbID string) string { return filepath.Join(p.KnowledgeBasesDir(), kbID) }

// BlobsDir holds the raw uploaded bytes of a knowledge base.
func (p Paths) BlobsDir(kbID string) string { return filepath.Join(p.KBDir(kbID), "blobs") }

// MetaDB is the per-KB metadata database.
func (p Paths) MetaDB(kbID string) string { return filepath.Join(p.KBDir(kbID), "meta.db") }

// VectorIndex is the per-KB vector index file.
func (p Paths) VectorIndex(kbID string) string { return filepath.Join(p.KBDir(kbID), "vector.idx") }

// LexicalIndex is the per-KB BM25 index file.
func (p Paths) LexicalIndex(kbID string) string { return filepath.Join(p.KBDir(kbID), "lexical.idx") }

// ToolServersFile persists the tool-server records.
func (p Paths) ToolServersFile() string { return filepath.Join(p.root, "tool-servers.json") }

// LogsDir holds rotating log files.
func (p Paths) LogsDir() string { return filepath.Join(p.root, "logs") }

// BackendLogFile is the main backend log.
func (p Paths) BackendLogFile() string { return filepath.Join(p.LogsDir(), "backend.log") }

// LockFile guards the data root against a second supervisor instance.
func (p Paths) LockFile() string { return filepath.Join(p.root, "kbmcp.lock") }
