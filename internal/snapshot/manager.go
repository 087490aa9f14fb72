package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/melosync/melosync/internal/fsjson"
	"github.com/melosync/melosync/internal/list"
)

// ErrLatestSnapshot is returned when removal targets the current version.
var ErrLatestSnapshot = fmt.Errorf("cannot remove latest snapshot")

const infoFileName = "snapshotInfo.json"

// Info is the persisted version index: the current digest, prior digests
// most-recent-first, the commit time, and the digest each device last
// confirmed.
type Info struct {
	Latest  string            `json:"latest"`
	List    []string          `json:"list"`
	Time    int64             `json:"time"`
	Devices map[string]string `json:"clients"`
}

// CommitKind says what a commit did.
type CommitKind int

const (
	// CommitUnchanged means the data already matched the current version.
	CommitUnchanged CommitKind = iota
	// CommitReverted means the data matched a historical version, which
	// became current again without growing the store.
	CommitReverted
	// CommitCreated means a new version was stored.
	CommitCreated
)

// CommitResult reports the outcome of a commit.
type CommitResult struct {
	Digest string
	Kind   CommitKind
}

// Manager owns one user's version history. The index is held in memory and
// written through on every change; a single mutex serializes all
// operations, so concurrent commits observe each other's results.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	live     *list.Store
	infoPath string
	info     Info
	maxKeep  int
	now      func() time.Time
}

// NewManager returns a manager rooted at dataPath operating on live. The
// current version, if any, is loaded into the live store. maxKeep bounds
// the history length, not counting the current version.
func NewManager(dataPath string, live *list.Store, maxKeep int) (*Manager, error) {
	m := &Manager{
		store:    NewStore(dataPath),
		live:     live,
		infoPath: filepath.Join(dataPath, infoFileName),
		maxKeep:  maxKeep,
		now:      time.Now,
	}
	if err := fsjson.Read(m.infoPath, &m.info); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading snapshot info: %w", err)
	}
	if m.info.List == nil {
		m.info.List = []string{}
	}
	if m.info.Devices == nil {
		m.info.Devices = map[string]string{}
	}
	if m.info.Latest != "" {
		blob, err := m.store.Load(m.info.Latest)
		if err != nil {
			return nil, fmt.Errorf("loading current snapshot: %w", err)
		}
		var data list.Data
		if err := json.Unmarshal(blob, &data); err != nil {
			return nil, fmt.Errorf("decoding current snapshot: %w", err)
		}
		live.Restore(data)
	}
	return m, nil
}

func (m *Manager) saveInfoLocked() error {
	if err := fsjson.Write(m.infoPath, m.info); err != nil {
		return fmt.Errorf("writing snapshot info: %w", err)
	}
	return nil
}

// Commit stores the live data as the current version if it changed.
// Matching a historical version moves that version back to current instead
// of storing a duplicate; the history never holds the same digest twice.
func (m *Manager) Commit() (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked()
}

func (m *Manager) commitLocked() (CommitResult, error) {
	blob, err := json.Marshal(m.live.Snapshot())
	if err != nil {
		return CommitResult{}, fmt.Errorf("encoding list data: %w", err)
	}
	digest := Digest(blob)
	if m.info.Latest == digest {
		return CommitResult{Digest: digest, Kind: CommitUnchanged}, nil
	}

	// Build the updated index on a copy, so a failed persist leaves the
	// in-memory index matching disk rather than half-applied.
	next := m.info
	next.List = append([]string(nil), m.info.List...)

	kind := CommitCreated
	saved := false
	if idx := indexOf(next.List, digest); idx >= 0 {
		next.List = append(next.List[:idx], next.List[idx+1:]...)
		kind = CommitReverted
	} else {
		if err := m.store.Save(digest, blob); err != nil {
			return CommitResult{}, err
		}
		saved = true
	}
	if next.Latest != "" {
		next.List = append([]string{next.Latest}, next.List...)
	}
	next.Latest = digest
	next.Time = m.now().UnixMilli()

	var pruned []string
	for len(next.List) > m.maxKeep {
		tail := next.List[len(next.List)-1]
		next.List = next.List[:len(next.List)-1]
		pruned = append(pruned, tail)
	}

	prev := m.info
	m.info = next
	if err := m.saveInfoLocked(); err != nil {
		m.info = prev
		if saved {
			m.store.Remove(digest)
		}
		return CommitResult{}, err
	}
	// Blobs are deleted only after the index no longer references them; a
	// failed delete leaves an unreferenced file, never a dangling entry.
	for _, tail := range pruned {
		m.store.Remove(tail)
	}
	return CommitResult{Digest: digest, Kind: kind}, nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// CurrentKey returns the current version digest, committing the live data
// first when no version exists yet.
func (m *Manager) CurrentKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.Latest != "" {
		return m.info.Latest, nil
	}
	res, err := m.commitLocked()
	if err != nil {
		return "", err
	}
	return res.Digest, nil
}

// Load returns the blob stored under digest.
func (m *Manager) Load(digest string) ([]byte, error) {
	return m.store.Load(digest)
}

// Restore makes digest the current version and loads it into the live
// store. Every device pointer is cleared so each device resyncs from
// scratch on its next connection.
func (m *Manager) Restore(digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, err := m.store.Load(digest)
	if err != nil {
		return err
	}
	var data list.Data
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("decoding snapshot %s: %w", digest, err)
	}
	m.live.Restore(data)
	m.info.Devices = map[string]string{}
	m.info.Latest = digest
	m.info.Time = m.now().UnixMilli()
	return m.saveInfoLocked()
}

// Remove deletes a historical version. The current version cannot be
// removed.
func (m *Manager) Remove(digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.Latest == digest {
		return ErrLatestSnapshot
	}
	if idx := indexOf(m.info.List, digest); idx >= 0 {
		m.info.List = append(m.info.List[:idx], m.info.List[idx+1:]...)
		if err := m.saveInfoLocked(); err != nil {
			return err
		}
	}
	return m.store.Remove(digest)
}

// ListMeta returns every stored version with size and time.
func (m *Manager) ListMeta() ([]Meta, error) {
	return m.store.StatAll()
}

// InfoView returns a copy of the version index.
func (m *Manager) InfoView() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.info
	out.List = append([]string(nil), m.info.List...)
	out.Devices = make(map[string]string, len(m.info.Devices))
	for k, v := range m.info.Devices {
		out.Devices[k] = v
	}
	return out
}

// DevicePointer returns the digest a device last confirmed, empty when the
// device is unknown.
func (m *Manager) DevicePointer(clientID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Devices[clientID]
}

// SetDevicePointer records that a device now holds digest.
func (m *Manager) SetDevicePointer(clientID, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.Devices[clientID] = digest
	return m.saveInfoLocked()
}

// RemoveDevice forgets a device's pointer.
func (m *Manager) RemoveDevice(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.info.Devices, clientID)
	return m.saveInfoLocked()
}

// ClearDevicePointers drops every device pointer, marking all devices
// stale.
func (m *Manager) ClearDevicePointers() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.Devices = map[string]string{}
	return m.saveInfoLocked()
}

// SaveWithTime stores a blob under digest and backdates its file time, for
// importing snapshots captured elsewhere.
func (m *Manager) SaveWithTime(digest string, blob []byte, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(digest, blob); err != nil {
		return err
	}
	if err := os.Chtimes(m.store.path(digest), t, t); err != nil {
		return fmt.Errorf("setting snapshot time %s: %w", digest, err)
	}
	return nil
}

// Apply runs mutate against the live store and commits the result. When
// persistence fails the live store is rolled back to its prior state so
// memory never diverges from disk.
func (m *Manager) Apply(mutate func(*list.Store) error) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.live.Snapshot()
	if err := mutate(m.live); err != nil {
		m.live.Restore(prev)
		return CommitResult{}, err
	}
	res, err := m.commitLocked()
	if err != nil {
		m.live.Restore(prev)
		return CommitResult{}, err
	}
	return res, nil
}
