// Package snapshot persists content-addressed versions of a user's list
// data and tracks which version each device has seen.
package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a snapshot digest has no stored blob.
var ErrNotFound = fmt.Errorf("snapshot not found")

const (
	snapshotDirName = "snapshots"
	snapshotPrefix  = "snapshot_"
	snapshotSuffix  = ".json"
)

// Digest returns the hex md5 of blob, the content address used for
// snapshot files.
func Digest(blob []byte) string {
	sum := md5.Sum(blob)
	return hex.EncodeToString(sum[:])
}

// Store reads and writes snapshot blobs under <dataPath>/snapshots/.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dataPath. The snapshots directory is
// created on first save.
func NewStore(dataPath string) *Store {
	return &Store{dir: filepath.Join(dataPath, snapshotDirName)}
}

func (s *Store) path(digest string) string {
	return filepath.Join(s.dir, snapshotPrefix+digest+snapshotSuffix)
}

// Save writes blob under its digest. Saving the same digest twice is a
// no-op rewrite of identical content.
func (s *Store) Save(digest string, blob []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "temp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot %s: %w", digest, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting snapshot permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path(digest)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming snapshot %s: %w", digest, err)
	}
	return nil
}

// Load returns the blob stored under digest, or ErrNotFound.
func (s *Store) Load(digest string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", digest, err)
	}
	return blob, nil
}

// Remove deletes the blob stored under digest. Missing blobs are not an
// error; the history pruner may race manual cleanup.
func (s *Store) Remove(digest string) error {
	if err := os.Remove(s.path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot %s: %w", digest, err)
	}
	return nil
}

// Meta describes one stored snapshot.
type Meta struct {
	Digest string    `json:"digest"`
	Size   int64     `json:"size"`
	Time   time.Time `json:"time"`
}

// StatAll lists every stored snapshot with size and modification time.
func (s *Store) StatAll() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var metas []Meta
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat snapshot %s: %w", name, err)
		}
		metas = append(metas, Meta{
			Digest: strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix),
			Size:   info.Size(),
			Time:   info.ModTime(),
		})
	}
	return metas, nil
}
