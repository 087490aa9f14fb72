package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/melosync/melosync/internal/user"
)

// heartbeatInterval is how often the hub pings every session. A session
// that did not answer the previous ping is terminated.
const heartbeatInterval = 30 * time.Second

// Hub tracks every live session and owns the cross-session policies:
// duplicate-device eviction, the heartbeat cycle, user-space release, and
// list-update fanout.
type Hub struct {
	registry *user.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates an empty hub over the user registry.
func NewHub(registry *user.Registry, logger *slog.Logger) *Hub {
	h := &Hub{
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	registry.OnRemoved(h.evictUsers)
	return h
}

// Admit registers a session and evicts any other session with the same
// clientId. At most one non-superseded session exists per device at any
// instant; a concurrent pair would race on its snapshot pointer.
func (h *Hub) Admit(s *Session) {
	h.mu.Lock()
	var displaced []*Session
	for _, other := range h.sessions {
		if other.ClientID() == s.ClientID() && other.ID != s.ID {
			displaced = append(displaced, other)
		}
	}
	h.sessions[s.ID] = s
	s.setState(StateReady)
	h.mu.Unlock()

	for _, other := range displaced {
		h.logger.Info("evicting superseded session",
			slog.String("client_id", other.ClientID()),
			slog.String("user", other.UserName))
		other.supersede()
		other.close(statusSuperseded, "superseded by newer connection")
	}
}

// Remove drops a closed session and returns its reference on the user's
// working set. The registry frees the working set when the last session
// of the user is gone; release and a simultaneous new connection for the
// same user are serialized by the registry.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	if h.sessions[s.ID] != s {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	h.mu.Unlock()

	h.registry.Release(s.UserName)
}

// sessionsOf returns the live sessions of one user.
func (h *Hub) sessionsOf(userName string) []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Session
	for _, s := range h.sessions {
		if s.UserName == userName {
			out = append(out, s)
		}
	}
	return out
}

// evictUsers closes every session of the named users. Wired to the
// registry's users-file watcher so removing an account disconnects its
// devices.
func (h *Hub) evictUsers(names []string) {
	removed := make(map[string]bool, len(names))
	for _, name := range names {
		removed[name] = true
	}
	h.mu.Lock()
	var evicted []*Session
	for _, s := range h.sessions {
		if removed[s.UserName] {
			evicted = append(evicted, s)
		}
	}
	h.mu.Unlock()

	for _, s := range evicted {
		h.logger.Info("closing session of removed user",
			slog.String("user", s.UserName),
			slog.String("client_id", s.ClientID()))
		s.close(websocket.StatusGoingAway, "account removed")
		h.Remove(s)
	}
}

// BroadcastListUpdate pushes the current list data to every other ready
// session of the same user. Pushes ride the "list" queue, so they order
// correctly against in-flight list calls per session.
func (h *Hub) BroadcastListUpdate(from *Session) {
	space := from.Space()
	data := space.Lists.Snapshot()
	digest, err := space.Snapshots.CurrentKey()
	if err != nil {
		h.logger.Warn("skipping list broadcast",
			slog.String("user", from.UserName),
			slog.String("error", err.Error()))
		return
	}

	for _, peer := range h.sessionsOf(from.UserName) {
		if peer.ID == from.ID || !peer.ModuleReady("list") {
			continue
		}
		go func(peer *Session) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := peer.conn.Notify(ctx, "list", "onListUpdate", data, digest); err != nil {
				h.logger.Warn("list push failed",
					slog.String("client_id", peer.ClientID()),
					slog.String("error", err.Error()))
			}
		}(peer)
	}
}

// RunHeartbeat pings every session on a fixed cycle until ctx is
// cancelled. One missed cycle is fatal for the connection.
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	// Pings wait for their pong, so they run concurrently: one slow
	// device must not stretch the cycle for the rest.
	var wg sync.WaitGroup
	for _, s := range sessions {
		if !s.checkAlive() {
			h.logger.Info("closing unresponsive session",
				slog.String("client_id", s.ClientID()),
				slog.String("user", s.UserName))
			s.close(websocket.StatusGoingAway, "heartbeat timeout")
			h.Remove(s)
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.ping(ctx); err != nil {
				h.logger.Debug("ping failed",
					slog.String("client_id", s.ClientID()),
					slog.String("error", err.Error()))
			}
		}(s)
	}
	wg.Wait()
}

// Devices lists the registered devices of a user for the admin surface.
func (h *Hub) Devices(userName string) ([]user.KeyInfo, error) {
	space, err := h.registry.Acquire(userName)
	if err != nil {
		return nil, err
	}
	defer h.registry.Release(userName)
	return space.Devices(), nil
}

// RemoveDevice deregisters a device: its live session is closed and its
// key material and snapshot pointer are deleted.
func (h *Hub) RemoveDevice(userName, clientID string) error {
	h.mu.Lock()
	var victims []*Session
	for _, s := range h.sessions {
		if s.UserName == userName && s.ClientID() == clientID {
			victims = append(victims, s)
		}
	}
	h.mu.Unlock()
	for _, s := range victims {
		s.close(websocket.StatusNormalClosure, "device removed")
		h.Remove(s)
	}

	space, err := h.registry.Acquire(userName)
	if err != nil {
		return err
	}
	defer h.registry.Release(userName)
	if err := space.RemoveDevice(clientID); err != nil {
		return fmt.Errorf("removing device %s: %w", clientID, err)
	}
	h.registry.UnbindClient(clientID)
	return nil
}
