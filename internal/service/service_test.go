package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/supervisor"
)

func openService(t *testing.T, root string) *Service {
	t.Helper()
	s, err := Open(context.Background(), Options{Root: root, ForceStatic: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenHoldsInstanceLock(t *testing.T) {
	root := t.TempDir()
	openService(t, root)

	_, err := Open(context.Background(), Options{Root: root, ForceStatic: true})
	assert.Equal(t, kberr.KindConflict, kberr.KindOf(err))
}

func TestLockReleasedOnClose(t *testing.T) {
	root := t.TempDir()
	s, err := Open(context.Background(), Options{Root: root, ForceStatic: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	again, err := Open(context.Background(), Options{Root: root, ForceStatic: true})
	require.NoError(t, err)
	_ = again.Close()
}

func TestCreateKBProvisionsToolServer(t *testing.T) {
	s := openService(t, t.TempDir())

	base, err := s.CreateKB(context.Background(), "manuals", "appliance manuals", kb.DefaultConfig())
	require.NoError(t, err)

	servers := s.Supervisor.List()
	require.Len(t, servers, 1)
	assert.Equal(t, "manuals - assigned", servers[0].Name)
	assert.Equal(t, []string{base.ID}, servers[0].KBIDs)
	assert.True(t, servers[0].Managed)
	assert.False(t, servers[0].Enabled)
	assert.Equal(t, supervisor.StatusStopped, servers[0].Status)
	assert.Contains(t, servers[0].BaseURL, "/mcp")
}

func TestDeleteKBDetachesToolServers(t *testing.T) {
	s := openService(t, t.TempDir())

	base, err := s.CreateKB(context.Background(), "manuals", "", kb.DefaultConfig())
	require.NoError(t, err)
	dedicated := s.Supervisor.List()[0]

	shared, err := s.Supervisor.Create(context.Background(), "everything", []string{base.ID, "other-kb"}, 0, false, supervisor.Overrides{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteKB(context.Background(), base.ID))

	_, err = s.Registry.Get(base.ID)
	assert.Equal(t, kberr.KindNotFound, kberr.KindOf(err))

	_, err = s.Supervisor.Get(dedicated.ID)
	assert.Equal(t, kberr.KindNotFound, kberr.KindOf(err))

	kept, err := s.Supervisor.Get(shared.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-kb"}, kept.KBIDs)
}

func TestUpdateKBInfoRenames(t *testing.T) {
	s := openService(t, t.TempDir())

	base, err := s.CreateKB(context.Background(), "manuals", "", kb.DefaultConfig())
	require.NoError(t, err)

	renamed, err := s.UpdateKBInfo(context.Background(), base.ID, "handbooks", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "handbooks", renamed.Name)
	assert.Equal(t, base.ID, renamed.ID)
}

func TestServiceSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s := openService(t, root)

	base, err := s.CreateKB(context.Background(), "manuals", "", kb.DefaultConfig())
	require.NoError(t, err)
	_, err = s.Pipeline.Upload(context.Background(), base.ID, "guide.txt", []byte("How to descale the machine."), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(context.Background(), Options{Root: root, ForceStatic: true})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Registry.Get(base.ID)
	require.NoError(t, err)
	assert.Equal(t, "manuals", got.Name)

	resp, err := reopened.Engine.Query(context.Background(), base.ID, "descale machine", 5)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
}
