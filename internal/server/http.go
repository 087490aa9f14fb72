// Package server hosts the device-facing surface: the handshake HTTP
// endpoints, the WebSocket upgrade, the session hub, and the fixed RPC
// operation table.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/melosync/melosync/internal/auth"
	"github.com/melosync/melosync/internal/config"
	"github.com/melosync/melosync/internal/rpc"
	"github.com/melosync/melosync/internal/user"
)

// helloText is the fixed probe response devices use to recognize a sync
// server before handshaking.
const helloText = "Hello~::^-^::~"

// Server is the device-facing HTTP and WebSocket front end.
type Server struct {
	registry   *user.Registry
	hub        *Hub
	challenges *auth.ChallengeStore
	logger     *slog.Logger

	instanceID     string
	serverName     string
	enableUserPath bool
	enableRootPath bool
}

// New builds the server over a registry and hub.
func New(cfg *config.Config, registry *user.Registry, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		registry:       registry,
		hub:            hub,
		challenges:     auth.NewChallengeStore(),
		logger:         logger,
		instanceID:     uuid.NewString(),
		serverName:     cfg.ServerName,
		enableUserPath: cfg.EnableUserPath,
		enableRootPath: cfg.EnableRootPath,
	}
}

// Hub returns the session hub, for the heartbeat runner and the admin
// surface.
func (s *Server) Hub() *Hub { return s.hub }

// Mux builds the HTTP mux: probe, identity, challenge, and upgrade
// endpoints, each in a root-path and a user-path form.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hello", s.rootOnly(s.handleHello))
	mux.HandleFunc("GET /id", s.rootOnly(s.handleID))
	mux.HandleFunc("GET /challenge", s.rootOnly(s.handleChallenge))
	mux.HandleFunc("GET /ws", s.rootOnly(s.handleWS))

	mux.HandleFunc("GET /{user}/hello", s.userScoped(s.handleHello))
	mux.HandleFunc("GET /{user}/id", s.userScoped(s.handleID))
	mux.HandleFunc("GET /{user}/challenge", s.userScoped(s.handleChallenge))
	mux.HandleFunc("GET /{user}/ws", s.userScoped(s.handleWS))
	return mux
}

// rootOnly rejects root-path requests when the installation runs in
// user-path mode only.
func (s *Server) rootOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.enableRootPath {
			http.Error(w, "root path disabled", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// userScoped rejects user-path requests when that mode is disabled and
// 404s unknown user names before any handshake work.
func (s *Server) userScoped(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.enableUserPath {
			http.Error(w, "user path disabled", http.StatusForbidden)
			return
		}
		if _, ok := s.registry.Lookup(r.PathValue("user")); !ok {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, helloText)
}

func (s *Server) handleID(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"id": s.instanceID, "name": s.serverName})
}

// handleChallenge issues a short-lived handshake challenge. The target
// user comes from the path, or in root mode from the clientId of a
// returning device or the u query for a first connection.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	userName := r.PathValue("user")
	if userName == "" {
		if u, ok := s.registry.UserForClient(r.URL.Query().Get("i")); ok {
			userName = u.Name
		} else {
			userName = r.URL.Query().Get("u")
		}
	}
	if _, ok := s.registry.Lookup(userName); !ok {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	ch, err := s.challenges.Issue(userName)
	if err != nil {
		s.logger.Error("issuing challenge failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"id": ch.ID, "nonce": ch.Nonce})
}

// handleWS verifies the challenge proof, upgrades the socket, and runs
// the session until the connection ends. Query parameters: i clientId,
// c challenge id, p proof, d device name, m mobile flag.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("i")
	challengeID := q.Get("c")
	proof := q.Get("p")
	if clientID == "" || challengeID == "" || proof == "" {
		http.Error(w, "missing handshake parameters", http.StatusBadRequest)
		return
	}

	userName := r.PathValue("user")
	if userName == "" {
		var ok bool
		if userName, ok = s.challenges.User(challengeID); !ok {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
	}
	u, ok := s.registry.Lookup(userName)
	if !ok {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	verified, err := s.challenges.Verify(challengeID, clientID, proof, u.Password)
	if err != nil || verified != userName {
		s.logger.Warn("handshake rejected",
			slog.String("user", userName),
			slog.String("client_id", clientID))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	space, err := s.registry.Acquire(userName)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	info, err := s.deviceKey(space, u, clientID, q.Get("d"), q.Get("m") == "1")
	if err != nil {
		s.registry.Release(userName)
		s.logger.Error("loading device key failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	s.registry.BindClient(clientID, userName)

	key, err := base64.StdEncoding.DecodeString(info.Key)
	if err != nil {
		s.registry.Release(userName)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	cipher, err := auth.NewCipher(key)
	if err != nil {
		s.registry.Release(userName)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.registry.Release(userName)
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	sess := newSession(userName, info, space)
	sess.setState(StateAuthenticating)
	sess.ws = ws
	sess.conn = rpc.NewConn(ws, cipher, s.logger, rpc.Options{
		Owner:   sess,
		OnAlive: sess.markAlive,
		OnError: func(module, name string, err error) {
			s.logger.Warn("device call failed",
				slog.String("client_id", clientID),
				slog.String("module", module),
				slog.String("name", name),
				slog.String("error", err.Error()))
		},
	})
	s.registerHandlers(sess.conn)

	s.hub.Admit(sess)
	s.logger.Info("session ready",
		slog.String("user", userName),
		slog.String("client_id", clientID),
		slog.String("device", info.DeviceName))

	err = sess.conn.Run(r.Context())
	if errors.Is(err, rpc.ErrProtocol) {
		s.logger.Warn("closing session on protocol failure",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		sess.close(websocket.StatusProtocolError, "protocol failure")
	} else {
		sess.close(websocket.StatusNormalClosure, "")
	}
	s.hub.Remove(sess)
	s.logger.Info("session closed",
		slog.String("user", userName),
		slog.String("client_id", clientID))
}

// deviceKey loads the device's key material, deriving and persisting it
// on first connection. The connect time is recorded immediately, before
// the socket proves itself useful.
func (s *Server) deviceKey(space *user.Space, u user.User, clientID, deviceName string, isMobile bool) (user.KeyInfo, error) {
	info, ok := space.Keys.Get(clientID)
	if !ok {
		raw, err := auth.DeriveDeviceKey(u.Password, clientID)
		if err != nil {
			return user.KeyInfo{}, fmt.Errorf("deriving device key: %w", err)
		}
		info = user.KeyInfo{
			ClientID: clientID,
			Key:      base64.StdEncoding.EncodeToString(raw),
		}
		auth.ZeroKey(raw)
	}
	if deviceName != "" {
		info.DeviceName = deviceName
	}
	info.IsMobile = isMobile
	info.LastConnectDate = time.Now().UnixMilli()
	if err := space.Keys.Save(info); err != nil {
		return user.KeyInfo{}, fmt.Errorf("persisting device key: %w", err)
	}
	return info, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
