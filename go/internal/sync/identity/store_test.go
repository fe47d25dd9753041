package identity

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok, "fresh store holds no triple")

	id := Identity{SessionID: "sess-1", ClientID: "client-1", Role: RoleOperator}
	require.NoError(t, s.Save(id))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	id := Identity{SessionID: "sess-1", ClientID: "client-1", Role: RoleViewer}
	require.NoError(t, s.Save(id))
	device, err := s.DeviceID()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := OpenFileStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	device2, err := s2.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, device, device2, "device id is stable across restarts")
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Save(Identity{SessionID: "old", ClientID: "old-c", Role: RoleViewer}))
	next := Identity{SessionID: "new", ClientID: "new-c", Role: RoleOperator}
	require.NoError(t, s.Save(next))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next, got)
}

func TestFileStoreRefusesPartialSave(t *testing.T) {
	s, _ := openTestStore(t)

	assert.Error(t, s.Save(Identity{SessionID: "sess-1"}))
	assert.Error(t, s.Save(Identity{SessionID: "sess-1", ClientID: "c"}))

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreClearsPartialTripleOnLoad(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Save(Identity{SessionID: "sess-1", ClientID: "client-1", Role: RoleOperator}))

	// Simulate a crash that left only part of the triple behind.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM identity WHERE key = 'role'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok, "partial triple reads as absent")

	// The remnants are gone as well.
	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM identity WHERE key IN ('session_id', 'client_id', 'role')`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestFileStoreClearKeepsDeviceID(t *testing.T) {
	s, _ := openTestStore(t)

	device, err := s.DeviceID()
	require.NoError(t, err)
	require.NotEmpty(t, device)

	require.NoError(t, s.Save(Identity{SessionID: "sess-1", ClientID: "client-1", Role: RoleOperator}))
	require.NoError(t, s.Clear())

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	device2, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, device, device2, "clearing the triple never touches the device id")
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.Save(Identity{SessionID: "only-session"}))

	id := Identity{SessionID: "sess-1", ClientID: "client-1", Role: RoleViewer}
	require.NoError(t, s.Save(id))
	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	require.NoError(t, s.Clear())
	_, ok, err = s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	device, err := s.DeviceID()
	require.NoError(t, err)
	device2, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, device, device2)
}
