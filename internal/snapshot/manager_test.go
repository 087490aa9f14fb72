package snapshot_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melosync/melosync/internal/fsjson"
	"github.com/melosync/melosync/internal/list"
	"github.com/melosync/melosync/internal/snapshot"
)

func newManager(t *testing.T, maxKeep int) (*snapshot.Manager, *list.Store, string) {
	t.Helper()
	dir := t.TempDir()
	live := list.NewStore()
	mgr, err := snapshot.NewManager(dir, live, maxKeep)
	require.NoError(t, err)
	return mgr, live, dir
}

func addSong(t *testing.T, live *list.Store, id string) {
	t.Helper()
	require.NoError(t, live.MusicsAdd(list.LoveListID, []list.SongInfo{{ID: id, Name: id}}, list.InsertBottom))
}

func TestCommitIsIdempotent(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")

	first, err := mgr.Commit()
	require.NoError(t, err)
	assert.Equal(t, snapshot.CommitCreated, first.Kind)

	second, err := mgr.Commit()
	require.NoError(t, err)
	assert.Equal(t, snapshot.CommitUnchanged, second.Kind)
	assert.Equal(t, first.Digest, second.Digest)

	info := mgr.InfoView()
	assert.Empty(t, info.List)
}

func TestCommitPushesPreviousLatestToHistory(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	first, err := mgr.Commit()
	require.NoError(t, err)

	addSong(t, live, "b")
	second, err := mgr.Commit()
	require.NoError(t, err)
	require.Equal(t, snapshot.CommitCreated, second.Kind)

	info := mgr.InfoView()
	assert.Equal(t, second.Digest, info.Latest)
	require.Len(t, info.List, 1)
	assert.Equal(t, first.Digest, info.List[0])
}

func TestCommitDetectsRevert(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	first, err := mgr.Commit()
	require.NoError(t, err)

	addSong(t, live, "b")
	second, err := mgr.Commit()
	require.NoError(t, err)

	// Undo on the device brings the data back to the first state.
	require.NoError(t, live.MusicsRemove(list.LoveListID, []string{"b"}))
	third, err := mgr.Commit()
	require.NoError(t, err)

	assert.Equal(t, snapshot.CommitReverted, third.Kind)
	assert.Equal(t, first.Digest, third.Digest)

	info := mgr.InfoView()
	assert.Equal(t, first.Digest, info.Latest)
	// The reverted digest left the history; only the second remains.
	require.Len(t, info.List, 1)
	assert.Equal(t, second.Digest, info.List[0])
}

func TestHistoryBoundPrunesOldestBlobs(t *testing.T) {
	t.Parallel()

	const maxKeep = 3
	mgr, live, dir := newManager(t, maxKeep)

	var digests []string
	for i := 0; i < 6; i++ {
		addSong(t, live, string(rune('a'+i)))
		res, err := mgr.Commit()
		require.NoError(t, err)
		digests = append(digests, res.Digest)
	}

	info := mgr.InfoView()
	require.Len(t, info.List, maxKeep)
	// Newest history entries survive.
	assert.Equal(t, digests[4], info.List[0])
	assert.Equal(t, digests[2], info.List[2])

	// The pruned blobs are gone from disk.
	for _, old := range digests[:2] {
		_, err := mgr.Load(old)
		assert.ErrorIs(t, err, snapshot.ErrNotFound)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	assert.Len(t, entries, maxKeep+1)
}

func TestRestoreClearsDevicePointers(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	first, err := mgr.Commit()
	require.NoError(t, err)
	addSong(t, live, "b")
	_, err = mgr.Commit()
	require.NoError(t, err)

	require.NoError(t, mgr.SetDevicePointer("phone", first.Digest))

	require.NoError(t, mgr.Restore(first.Digest))

	info := mgr.InfoView()
	assert.Equal(t, first.Digest, info.Latest)
	assert.Empty(t, info.Devices)
	assert.Empty(t, live.Snapshot().LoveList[1:], "live data restored to single-song state")
	assert.Equal(t, "a", live.Snapshot().LoveList[0].ID)
}

func TestApplyKeepsIndexConsistentOnPersistFailure(t *testing.T) {
	t.Parallel()

	mgr, live, dir := newManager(t, 10)
	addSong(t, live, "a")
	first, err := mgr.Commit()
	require.NoError(t, err)

	// Block index writes: a directory in the file's place makes the
	// rename in fsjson.Write fail for any uid.
	infoPath := filepath.Join(dir, "snapshotInfo.json")
	require.NoError(t, os.Remove(infoPath))
	require.NoError(t, os.Mkdir(infoPath, 0o700))

	_, err = mgr.Apply(func(st *list.Store) error {
		return st.MusicsAdd(list.LoveListID, []list.SongInfo{{ID: "b", Name: "b"}}, list.InsertBottom)
	})
	require.Error(t, err)

	// The failed commit must not leak into the index: the current digest
	// is still the committed one and the history did not grow.
	info := mgr.InfoView()
	assert.Equal(t, first.Digest, info.Latest)
	assert.Empty(t, info.List)
	key, err := mgr.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, first.Digest, key)

	// Live data rolled back with it.
	love := live.Snapshot().LoveList
	require.Len(t, love, 1)
	assert.Equal(t, "a", love[0].ID)

	// Once the index is writable again the same mutation commits cleanly.
	require.NoError(t, os.Remove(infoPath))
	res, err := mgr.Apply(func(st *list.Store) error {
		return st.MusicsAdd(list.LoveListID, []list.SongInfo{{ID: "b", Name: "b"}}, list.InsertBottom)
	})
	require.NoError(t, err)
	assert.Equal(t, snapshot.CommitCreated, res.Kind)
	assert.Equal(t, []string{first.Digest}, mgr.InfoView().List)
}

func TestClearDevicePointers(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	res, err := mgr.Commit()
	require.NoError(t, err)

	require.NoError(t, mgr.SetDevicePointer("phone", res.Digest))
	require.NoError(t, mgr.SetDevicePointer("desktop", res.Digest))

	require.NoError(t, mgr.ClearDevicePointers())
	assert.Empty(t, mgr.DevicePointer("phone"))
	assert.Empty(t, mgr.DevicePointer("desktop"))
}

func TestRestoreUnknownDigest(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newManager(t, 10)
	require.ErrorIs(t, mgr.Restore("0123456789abcdef0123456789abcdef"), snapshot.ErrNotFound)
}

func TestRemoveRefusesLatest(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	res, err := mgr.Commit()
	require.NoError(t, err)

	require.ErrorIs(t, mgr.Remove(res.Digest), snapshot.ErrLatestSnapshot)
}

func TestRemoveHistoricalVersion(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	first, err := mgr.Commit()
	require.NoError(t, err)
	addSong(t, live, "b")
	_, err = mgr.Commit()
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(first.Digest))
	assert.Empty(t, mgr.InfoView().List)
	_, err = mgr.Load(first.Digest)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestCurrentKeyCommitsWhenEmpty(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newManager(t, 10)
	key, err := mgr.CurrentKey()
	require.NoError(t, err)
	require.NotEmpty(t, key)

	again, err := mgr.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestManagerReloadsStateAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	live := list.NewStore()
	mgr, err := snapshot.NewManager(dir, live, 10)
	require.NoError(t, err)
	addSong(t, live, "a")
	res, err := mgr.Commit()
	require.NoError(t, err)
	require.NoError(t, mgr.SetDevicePointer("phone", res.Digest))

	fresh := list.NewStore()
	reloaded, err := snapshot.NewManager(dir, fresh, 10)
	require.NoError(t, err)

	assert.Equal(t, res.Digest, reloaded.InfoView().Latest)
	assert.Equal(t, res.Digest, reloaded.DevicePointer("phone"))
	require.Len(t, fresh.Snapshot().LoveList, 1)
	assert.Equal(t, "a", fresh.Snapshot().LoveList[0].ID)
}

func TestSaveWithTimeBackdatesFile(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newManager(t, 10)
	blob, err := json.Marshal(list.Empty())
	require.NoError(t, err)
	digest := snapshot.Digest(blob)
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, mgr.SaveWithTime(digest, blob, stamp))

	metas, err := mgr.ListMeta()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, digest, metas[0].Digest)
	assert.WithinDuration(t, stamp, metas[0].Time, time.Second)

	// Visible to the regular loader too.
	loaded, err := mgr.Load(digest)
	require.NoError(t, err)
	assert.Equal(t, blob, loaded)
}

func TestDiffBetweenVersions(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	first, err := mgr.Commit()
	require.NoError(t, err)
	addSong(t, live, "b")
	second, err := mgr.Commit()
	require.NoError(t, err)

	patch, err := mgr.Diff(first.Digest, second.Digest)
	require.NoError(t, err)
	assert.NotEmpty(t, patch)

	same, err := mgr.Diff(first.Digest, first.Digest)
	require.NoError(t, err)
	assert.Empty(t, same)
}

func TestApplyRollsBackOnMutationError(t *testing.T) {
	t.Parallel()

	mgr, live, _ := newManager(t, 10)
	addSong(t, live, "a")
	_, err := mgr.Commit()
	require.NoError(t, err)

	_, err = mgr.Apply(func(s *list.Store) error {
		return s.MusicsAdd("missing", []list.SongInfo{{ID: "x"}}, list.InsertBottom)
	})
	require.ErrorIs(t, err, list.ErrListNotFound)

	res, err := mgr.Commit()
	require.NoError(t, err)
	assert.Equal(t, snapshot.CommitUnchanged, res.Kind)
}

func TestInfoFileShape(t *testing.T) {
	t.Parallel()

	mgr, live, dir := newManager(t, 10)
	addSong(t, live, "a")
	res, err := mgr.Commit()
	require.NoError(t, err)
	require.NoError(t, mgr.SetDevicePointer("phone", res.Digest))

	var raw map[string]json.RawMessage
	require.NoError(t, fsjson.Read(filepath.Join(dir, "snapshotInfo.json"), &raw))
	assert.Contains(t, raw, "latest")
	assert.Contains(t, raw, "list")
	assert.Contains(t, raw, "time")
	assert.Contains(t, raw, "clients")
}
