package supervisor

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/google/renameio"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// RecordStore persists tool server records in tool-servers.json.
// Writes are atomic; loads normalize stale state (a record claiming
// running from a previous run of the backend is demoted to stopped,
// since no process from that run can have survived).
type RecordStore struct {
	path string

	mu      sync.RWMutex
	records map[string]ServerRecord
}

type recordsFile struct {
	Servers []ServerRecord `json:"servers"`
}

// OpenRecordStore loads the record file, creating an empty store when
// the file does not exist yet.
func OpenRecordStore(path string) (*RecordStore, error) {
	s := &RecordStore{path: path, records: make(map[string]ServerRecord)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RecordStore) load() error { return s.Reload(nil) }

// Reload re-reads the file, for picking up external edits. Records in
// the live set keep their in-memory status: the file cannot know
// process state, and our own atomic saves also land here via the
// directory watcher.
func (s *RecordStore) Reload(live map[string]bool) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "read tool server records", err)
	}

	var file recordsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "parse tool server records", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[string]ServerRecord, len(file.Servers))
	for _, r := range file.Servers {
		if live[r.ID] {
			if prev, ok := s.records[r.ID]; ok {
				r.Status = prev.Status
				r.LastError = prev.LastError
			}
		} else if r.Status == StatusRunning || r.Status == StatusStarting {
			r.Status = StatusStopped
		}
		fresh[r.ID] = r
	}
	s.records = fresh
	return nil
}

func (s *RecordStore) save() error {
	file := recordsFile{Servers: s.listLocked()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, "encode tool server records", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return kberr.Wrap(kberr.KindStorageFailed, "write tool server records", err)
	}
	return nil
}

func (s *RecordStore) listLocked() []ServerRecord {
	out := make([]ServerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Path returns the backing file path.
func (s *RecordStore) Path() string { return s.path }

// Get returns one record.
func (s *RecordStore) Get(id string) (ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return ServerRecord{}, kberr.New(kberr.KindNotFound, "tool server not found").WithDetail("server_id", id)
	}
	return r, nil
}

// List returns all records, oldest first.
func (s *RecordStore) List() []ServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

// Put inserts or replaces a record and persists.
func (s *RecordStore) Put(r ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return s.save()
}

// Delete removes a record and persists. Deleting an absent record is
// a not found error.
func (s *RecordStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return kberr.New(kberr.KindNotFound, "tool server not found").WithDetail("server_id", id)
	}
	delete(s.records, id)
	return s.save()
}

// SetStatus updates one record's status and last error.
func (s *RecordStore) SetStatus(id string, status ServerStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return kberr.New(kberr.KindNotFound, "tool server not found").WithDetail("server_id", id)
	}
	r.Status = status
	r.LastError = lastError
	s.records[id] = r
	return s.save()
}

// UsedPorts returns the ports currently assigned to records.
func (s *RecordStore) UsedPorts() map[int]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	used := make(map[int]bool, len(s.records))
	for _, r := range s.records {
		if r.Port > 0 {
			used[r.Port] = true
		}
	}
	return used
}

// FindByKB returns records serving the knowledge base.
func (s *RecordStore) FindByKB(kbID string) []ServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ServerRecord
	for _, r := range s.listLocked() {
		if r.ServesKB(kbID) {
			out = append(out, r)
		}
	}
	return out
}
