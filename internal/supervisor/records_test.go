package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

func newRecordStore(t *testing.T) *RecordStore {
	t.Helper()
	s, err := OpenRecordStore(filepath.Join(t.TempDir(), "tool-servers.json"))
	require.NoError(t, err)
	return s
}

func sampleRecord(id string, createdAt time.Time) ServerRecord {
	return ServerRecord{
		ID:        id,
		Name:      "server " + id,
		KBIDs:     []string{"kb-" + id},
		Port:      8100,
		Enabled:   true,
		Status:    StatusStopped,
		CreatedAt: createdAt,
	}
}

func TestRecordStoreRoundTrip(t *testing.T) {
	s := newRecordStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	older := sampleRecord("a", now.Add(-time.Hour))
	newer := sampleRecord("b", now)
	newer.Port = 8101
	newer.Overrides = Overrides{
		ServerInstructions:      "Search the wiki before answering.",
		SearchParamDescriptions: map[string]string{"query": "Terms to look for."},
	}
	require.NoError(t, s.Put(newer))
	require.NoError(t, s.Put(older))

	reopened, err := OpenRecordStore(s.Path())
	require.NoError(t, err)

	list := reopened.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID, "oldest first")
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "Search the wiki before answering.", list[1].Overrides.ServerInstructions)
	assert.Equal(t, "Terms to look for.", list[1].Overrides.SearchParamDescriptions["query"])
}

func TestOpenDemotesStaleRunningStatus(t *testing.T) {
	s := newRecordStore(t)

	r := sampleRecord("a", time.Now())
	r.Status = StatusRunning
	require.NoError(t, s.Put(r))
	r2 := sampleRecord("b", time.Now())
	r2.Status = StatusStarting
	require.NoError(t, s.Put(r2))

	reopened, err := OpenRecordStore(s.Path())
	require.NoError(t, err)
	for _, record := range reopened.List() {
		assert.Equal(t, StatusStopped, record.Status)
	}
}

func TestReloadPreservesLiveStatus(t *testing.T) {
	s := newRecordStore(t)

	r := sampleRecord("a", time.Now())
	require.NoError(t, s.Put(r))
	require.NoError(t, s.SetStatus("a", StatusRunning, ""))

	// Simulate an external edit that knows nothing about the process.
	external := sampleRecord("a", r.CreatedAt)
	external.Name = "renamed outside the api"
	data, err := json.Marshal(recordsFile{Servers: []ServerRecord{external}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o644))
	require.NoError(t, s.Reload(map[string]bool{"a": true}))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "renamed outside the api", got.Name)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestRecordStoreMissingFile(t *testing.T) {
	s := newRecordStore(t)
	assert.Empty(t, s.List())

	_, err := s.Get("nope")
	assert.Equal(t, kberr.KindNotFound, kberr.KindOf(err))
	assert.Equal(t, kberr.KindNotFound, kberr.KindOf(s.Delete("nope")))
}

func TestFindByKBAndUsedPorts(t *testing.T) {
	s := newRecordStore(t)

	a := sampleRecord("a", time.Now().Add(-time.Minute))
	a.KBIDs = []string{"kb1", "kb2"}
	b := sampleRecord("b", time.Now())
	b.KBIDs = []string{"kb2"}
	b.Port = 8105
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	matches := s.FindByKB("kb2")
	require.Len(t, matches, 2)
	assert.Len(t, s.FindByKB("kb1"), 1)
	assert.Empty(t, s.FindByKB("kb9"))

	used := s.UsedPorts()
	assert.True(t, used[8100])
	assert.True(t, used[8105])
}
