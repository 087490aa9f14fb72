package user

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// RegistryConfig holds the paths and defaults the registry needs.
type RegistryConfig struct {
	// DataDir is the server data root; user spaces live under
	// DataDir/users/<name>.
	DataDir string
	// UsersFile is the path of the users JSON array.
	UsersFile string
	// MaxSnapshotNum is the default history bound for users that do not
	// set their own.
	MaxSnapshotNum int
}

type spaceRef struct {
	space *Space
	refs  int
}

// Registry owns the account list and hands out loaded spaces. A space is
// opened on first acquire and dropped when the last holder releases it,
// so idle users cost nothing. The registry also maintains a clientId →
// user index for connections that do not name their user in the path.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu      sync.Mutex
	users   map[string]User
	spaces  map[string]*spaceRef
	clients map[string]string

	// onRemoved is called with the names of users that disappeared from
	// the users file on reload. Set before the watcher starts.
	onRemoved func(names []string)
}

// NewRegistry loads the users file and indexes the known devices of every
// account.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		users:   make(map[string]User),
		spaces:  make(map[string]*spaceRef),
		clients: make(map[string]string),
	}

	users, err := LoadUsers(cfg.UsersFile)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		r.users[u.Name] = u
	}

	// Index existing devices so root-path connections can resolve their
	// user without a path hint.
	for _, u := range users {
		ks, err := loadKeyStore(r.dataPath(u))
		if err != nil {
			return nil, err
		}
		for _, info := range ks.All() {
			r.clients[info.ClientID] = u.Name
		}
	}

	logger.Info("user registry loaded",
		slog.Int("users", len(r.users)),
		slog.Int("known_devices", len(r.clients)))

	return r, nil
}

// OnRemoved registers the callback fired when users disappear from the
// users file. Must be set before Watch starts.
func (r *Registry) OnRemoved(fn func(names []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemoved = fn
}

func (r *Registry) dataPath(u User) string {
	return filepath.Join(r.cfg.DataDir, "users", u.Dirname())
}

// Lookup returns the account with the given name.
func (r *Registry) Lookup(name string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[name]
	return u, ok
}

// Users returns every registered account.
func (r *Registry) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// UserForClient resolves a device to its account via the device index.
// Used when a connection does not name its user in the path.
func (r *Registry) UserForClient(clientID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.clients[clientID]
	if !ok {
		return User{}, false
	}
	u, ok := r.users[name]
	return u, ok
}

// BindClient records that a device belongs to an account. Called when a
// new device key is created during handshake.
func (r *Registry) BindClient(clientID, userName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = userName
}

// UnbindClient removes a device from the index.
func (r *Registry) UnbindClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Acquire returns the space for name, opening it on first use. Every
// Acquire must be paired with a Release.
func (r *Registry) Acquire(name string) (*Space, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}

	if ref, ok := r.spaces[name]; ok {
		ref.refs++
		return ref.space, nil
	}

	space, err := openSpace(u, r.dataPath(u), r.cfg.MaxSnapshotNum)
	if err != nil {
		return nil, err
	}
	r.spaces[name] = &spaceRef{space: space, refs: 1}
	r.logger.Debug("user space opened", slog.String("user", name))
	return space, nil
}

// Release drops one reference to the space for name, unloading it when
// the last holder leaves.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.spaces[name]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(r.spaces, name)
	r.logger.Debug("user space released", slog.String("user", name))
}

// Reload re-reads the users file, applying additions, password changes,
// and removals. Spaces of removed users are dropped and the removal
// callback fires so their sessions can be closed.
func (r *Registry) Reload() error {
	users, err := LoadUsers(r.cfg.UsersFile)
	if err != nil {
		return err
	}

	r.mu.Lock()
	fresh := make(map[string]User, len(users))
	for _, u := range users {
		fresh[u.Name] = u
	}

	var removed []string
	for name := range r.users {
		if _, ok := fresh[name]; !ok {
			removed = append(removed, name)
			delete(r.spaces, name)
			for clientID, owner := range r.clients {
				if owner == name {
					delete(r.clients, clientID)
				}
			}
		}
	}
	r.users = fresh
	onRemoved := r.onRemoved
	r.mu.Unlock()

	r.logger.Info("users file reloaded",
		slog.Int("users", len(fresh)),
		slog.Int("removed", len(removed)))

	if len(removed) > 0 && onRemoved != nil {
		onRemoved(removed)
	}
	return nil
}
