// Package state persists backup bookkeeping in a bbolt database: the
// remote content hash for every uploaded file and a bounded log of backup
// activity. The database lives outside the data directory so the backup
// scanner never uploads its own state.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the directory holding the
	// state database.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// syncLogLimit bounds the retained backup log entries.
	syncLogLimit = 100
)

var (
	backupHashBucket = []byte("backup_hashes")
	backupLogBucket  = []byte("backup_log")
)

// SyncLogEntry is one line of backup activity history: the operation
// (upload, download, backup, restore), the file it touched, and whether
// it succeeded.
type SyncLogEntry struct {
	Time    int64  `json:"time"`
	Type    string `json:"type"`
	File    string `json:"file"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// State wraps a bbolt database for all persistent backup state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(backupHashBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(backupLogBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// BackupHash returns the recorded remote hash for a relative path, or
// empty string when the path was never uploaded.
func (s *State) BackupHash(path string) string {
	var hash string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(backupHashBucket).Get([]byte(path))
		if v != nil {
			hash = string(v)
		}

		return nil
	})

	return hash
}

// SetBackupHash records the remote hash for a relative path.
func (s *State) SetBackupHash(path, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(backupHashBucket).Put([]byte(path), []byte(hash))
	})
}

// RemoveBackupHash forgets the recorded hash for a relative path.
func (s *State) RemoveBackupHash(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(backupHashBucket).Delete([]byte(path))
	})
}

// BackupHashes returns every recorded path → hash pair.
func (s *State) BackupHashes() (map[string]string, error) {
	hashes := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(backupHashBucket).ForEach(func(k, v []byte) error {
			hashes[string(k)] = string(v)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading backup hashes: %w", err)
	}

	return hashes, nil
}

// AppendSyncLog adds an entry to the backup log, pruning the oldest
// entries beyond the retention limit.
func (s *State) AppendSyncLog(entry SyncLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(backupLogBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		c := b.Cursor()
		count := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			count++
			if count > syncLogLimit {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// SyncLog returns the retained backup log, newest first.
func (s *State) SyncLog() ([]SyncLogEntry, error) {
	var entries []SyncLogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(backupLogBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry SyncLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			entries = append(entries, entry)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading sync log: %w", err)
	}

	return entries, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}
