package user

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/melosync/melosync/internal/fsjson"
)

const devicesFileName = "devices.json"

// KeyInfo binds one device to an account: the device key it encrypts
// frames with and connection metadata for the admin surface.
type KeyInfo struct {
	ClientID        string `json:"clientId"`
	Key             string `json:"key"`
	DeviceName      string `json:"deviceName"`
	IsMobile        bool   `json:"isMobile"`
	LastSyncDate    int64  `json:"lastSyncDate,omitempty"`
	LastConnectDate int64  `json:"lastConnectDate,omitempty"`
}

// KeyStore persists the devices of one account as devices.json in its
// data path. The map is held in memory and written through on change.
type KeyStore struct {
	mu   sync.Mutex
	path string
	keys map[string]KeyInfo
}

func loadKeyStore(dataPath string) (*KeyStore, error) {
	ks := &KeyStore{
		path: filepath.Join(dataPath, devicesFileName),
		keys: make(map[string]KeyInfo),
	}
	if err := fsjson.Read(ks.path, &ks.keys); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading devices file: %w", err)
	}
	if ks.keys == nil {
		ks.keys = make(map[string]KeyInfo)
	}
	return ks, nil
}

// Get returns the key info for a device.
func (ks *KeyStore) Get(clientID string) (KeyInfo, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	info, ok := ks.keys[clientID]
	return info, ok
}

// Save stores the key info for a device and persists the file.
func (ks *KeyStore) Save(info KeyInfo) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[info.ClientID] = info
	return ks.persistLocked()
}

// Remove forgets a device.
func (ks *KeyStore) Remove(clientID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.keys, clientID)
	return ks.persistLocked()
}

// All returns every registered device.
func (ks *KeyStore) All() []KeyInfo {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]KeyInfo, 0, len(ks.keys))
	for _, info := range ks.keys {
		out = append(out, info)
	}
	return out
}

func (ks *KeyStore) persistLocked() error {
	if err := fsjson.Write(ks.path, ks.keys); err != nil {
		return fmt.Errorf("writing devices file: %w", err)
	}
	return nil
}
