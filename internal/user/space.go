package user

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/melosync/melosync/internal/fsjson"
	"github.com/melosync/melosync/internal/list"
	"github.com/melosync/melosync/internal/snapshot"
)

const dislikeFileName = "dislike.txt"

// Space is the loaded working set for one account: the live list data,
// its version history, the device keys, and the dislike rules.
type Space struct {
	User User

	dataPath string

	Lists     *list.Store
	Snapshots *snapshot.Manager
	Keys      *KeyStore

	dislikeMu sync.Mutex
}

func openSpace(u User, dataPath string, maxSnapshotNum int) (*Space, error) {
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("creating user data path: %w", err)
	}

	lists := list.NewStore()
	if u.MaxSnapshotNum > 0 {
		maxSnapshotNum = u.MaxSnapshotNum
	}
	snapshots, err := snapshot.NewManager(dataPath, lists, maxSnapshotNum)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot manager for %s: %w", u.Name, err)
	}
	keys, err := loadKeyStore(dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening key store for %s: %w", u.Name, err)
	}

	return &Space{
		User:      u,
		dataPath:  dataPath,
		Lists:     lists,
		Snapshots: snapshots,
		Keys:      keys,
	}, nil
}

// DataPath returns the root of the user's on-disk data.
func (s *Space) DataPath() string {
	return s.dataPath
}

// InsertPosition returns where this user's new songs land by default.
func (s *Space) InsertPosition() list.InsertPosition {
	if s.User.AddMusicLocation == "top" {
		return list.InsertTop
	}
	return list.InsertBottom
}

// DislikeRules returns the user's dislike rules text. No version history
// is kept for rules; the newest write wins.
func (s *Space) DislikeRules() (string, error) {
	s.dislikeMu.Lock()
	defer s.dislikeMu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dataPath, dislikeFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading dislike rules: %w", err)
	}
	return string(data), nil
}

// SetDislikeRules replaces the user's dislike rules text.
func (s *Space) SetDislikeRules(rules string) error {
	s.dislikeMu.Lock()
	defer s.dislikeMu.Unlock()
	if err := fsjson.WriteRaw(filepath.Join(s.dataPath, dislikeFileName), []byte(rules)); err != nil {
		return fmt.Errorf("writing dislike rules: %w", err)
	}
	return nil
}

// Devices lists every device bound to this account.
func (s *Space) Devices() []KeyInfo {
	return s.Keys.All()
}

// RemoveDevice forgets a device's key and its version pointer.
func (s *Space) RemoveDevice(clientID string) error {
	if err := s.Keys.Remove(clientID); err != nil {
		return err
	}
	return s.Snapshots.RemoveDevice(clientID)
}
