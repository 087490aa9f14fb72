package state

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetBackupHash("users/alice/snapshotInfo.json", "abc123"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "abc123", s2.BackupHash("users/alice/snapshotInfo.json"))
}

func TestBackupHash_RoundTrip(t *testing.T) {
	s := testDB(t)

	assert.Empty(t, s.BackupHash("missing"))

	require.NoError(t, s.SetBackupHash("a.json", "h1"))
	require.NoError(t, s.SetBackupHash("b.json", "h2"))
	assert.Equal(t, "h1", s.BackupHash("a.json"))

	hashes, err := s.BackupHashes()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.json": "h1", "b.json": "h2"}, hashes)

	require.NoError(t, s.RemoveBackupHash("a.json"))
	assert.Empty(t, s.BackupHash("a.json"))
}

func TestSyncLog_NewestFirst(t *testing.T) {
	s := testDB(t)

	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendSyncLog(SyncLogEntry{
			Time:   base + int64(i),
			Type:   "upload",
			File:   fmt.Sprintf("file-%d.json", i),
			Status: "success",
		}))
	}

	entries, err := s.SyncLog()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "file-2.json", entries[0].File)
	assert.Equal(t, "file-0.json", entries[2].File)
	assert.Equal(t, "upload", entries[0].Type)
	assert.Equal(t, "success", entries[0].Status)
}

func TestSyncLog_PrunesBeyondLimit(t *testing.T) {
	s := testDB(t)

	for i := 0; i < syncLogLimit+20; i++ {
		require.NoError(t, s.AppendSyncLog(SyncLogEntry{
			Time:   int64(i),
			Type:   "upload",
			File:   fmt.Sprintf("file-%d.json", i),
			Status: "success",
		}))
	}

	entries, err := s.SyncLog()
	require.NoError(t, err)
	require.Len(t, entries, syncLogLimit)
	assert.Equal(t, fmt.Sprintf("file-%d.json", syncLogLimit+19), entries[0].File)
	assert.Equal(t, "file-20.json", entries[len(entries)-1].File)
}
