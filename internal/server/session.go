package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/melosync/melosync/internal/rpc"
	"github.com/melosync/melosync/internal/user"
)

// SessionState is a point in the session lifecycle. States advance in one
// direction; no state is re-entered.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateReady
	StateSuperseded
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateSuperseded:
		return "superseded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// statusSuperseded is the close code sent to a connection displaced by a
// newer connection from the same device.
const statusSuperseded websocket.StatusCode = 4100

// wsPinger is the slice of the raw socket the session needs beyond the
// call layer: protocol pings and close codes.
type wsPinger interface {
	Ping(ctx context.Context) error
}

// Session is one live device connection. It exists from the socket
// upgrade until close; the hub guarantees at most one non-superseded
// session per clientId.
type Session struct {
	ID       string
	UserName string
	KeyInfo  user.KeyInfo

	space *user.Space
	conn  *rpc.Conn
	ws    wsPinger

	mu           sync.Mutex
	state        SessionState
	moduleReadys map[string]bool
	isAlive      bool
}

func newSession(userName string, info user.KeyInfo, space *user.Space) *Session {
	return &Session{
		ID:           uuid.NewString(),
		UserName:     userName,
		KeyInfo:      info,
		space:        space,
		state:        StateConnecting,
		moduleReadys: make(map[string]bool),
		isAlive:      true,
	}
}

// Space returns the user working set this session operates on.
func (s *Session) Space() *user.Space { return s.space }

// ClientID returns the stable device identifier.
func (s *Session) ClientID() string { return s.KeyInfo.ClientID }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// MarkReady records that the device finished initial sync for a module
// and may receive pushes on it.
func (s *Session) MarkReady(module string) {
	s.mu.Lock()
	s.moduleReadys[module] = true
	s.mu.Unlock()
}

// ModuleReady reports whether pushes on the module may be sent.
func (s *Session) ModuleReady(module string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.moduleReadys[module]
}

// supersede demotes the session: not ready, no module pushes. Called by
// the hub before closing a displaced connection.
func (s *Session) supersede() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateSuperseded
	}
	for module := range s.moduleReadys {
		s.moduleReadys[module] = false
	}
	s.mu.Unlock()
}

// markAlive records heartbeat activity. Any inbound traffic counts.
func (s *Session) markAlive() {
	s.mu.Lock()
	s.isAlive = true
	s.mu.Unlock()
}

// checkAlive consumes the liveness flag: it returns whether the device
// answered since the previous check and arms the next cycle.
func (s *Session) checkAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	alive := s.isAlive
	s.isAlive = false
	return alive
}

// ping sends a protocol-level ping, plus the application-level text ping
// for mobile devices whose runtime drops protocol frames. Ping blocks
// until the pong arrives, so a nil return is the device's answer — the
// transport swallows pongs before the read loop ever sees them.
func (s *Session) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.ws.Ping(ctx); err != nil {
		return err
	}
	s.markAlive()
	if s.KeyInfo.IsMobile {
		return s.conn.WriteText(ctx, "ping")
	}
	return nil
}

// close terminates the socket with the given code and moves the session
// to Closed. Safe to call more than once.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close(code, reason)
	}
}
