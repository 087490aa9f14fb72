package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melosync/melosync/internal/auth"
	"github.com/melosync/melosync/internal/config"
	"github.com/melosync/melosync/internal/list"
	"github.com/melosync/melosync/internal/logging"
	"github.com/melosync/melosync/internal/user"
)

const (
	testUser     = "alice"
	testPassword = "secret-passphrase"
)

type testEnv struct {
	srv  *Server
	hub  *Hub
	http *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	usersFile := filepath.Join(dir, "users.json")
	users := []user.User{{Name: testUser, Password: testPassword}}
	require.NoError(t, user.SaveUsers(usersFile, users))

	registry, err := user.NewRegistry(user.RegistryConfig{
		DataDir:        dir,
		UsersFile:      usersFile,
		MaxSnapshotNum: 10,
	}, logging.Discard())
	require.NoError(t, err)

	cfg := &config.Config{
		ServerName:     "melosync-test",
		EnableUserPath: true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	hub := NewHub(registry, logging.Discard())
	srv := New(cfg, registry, hub, logging.Discard())
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, hub: hub, http: ts}
}

func (e *testEnv) wsURL(path string) string {
	return strings.Replace(e.http.URL, "http", "ws", 1) + path
}

// wireEnv mirrors the call envelope for the client side of tests.
type wireEnv struct {
	T       string            `json:"t"`
	ID      string            `json:"id,omitempty"`
	Module  string            `json:"module,omitempty"`
	Name    string            `json:"name,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Message string            `json:"message,omitempty"`
}

// testClient drives the device side of the protocol: handshake, sealed
// envelopes, calls.
type testClient struct {
	t        *testing.T
	ws       *websocket.Conn
	cipher   *auth.Cipher
	clientID string
}

func dialClient(t *testing.T, e *testEnv, clientID string) *testClient {
	t.Helper()
	c, err := tryDialClient(t, e, clientID)
	require.NoError(t, err)
	return c
}

func tryDialClient(t *testing.T, e *testEnv, clientID string) (*testClient, error) {
	t.Helper()
	resp, err := http.Get(e.http.URL + "/" + testUser + "/challenge")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("challenge status %d", resp.StatusCode)
	}
	var ch struct {
		ID    string `json:"id"`
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, err
	}

	proof, err := auth.Proof(testPassword, ch.Nonce, ch.ID, clientID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := e.wsURL(fmt.Sprintf("/%s/ws?i=%s&c=%s&p=%s&d=test-device", testUser, clientID, ch.ID, proof))
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(32 * 1024 * 1024)

	key, err := auth.DeriveDeviceKey(testPassword, clientID)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	cipher, err := auth.NewCipher(key)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, err
	}

	c := &testClient{t: t, ws: ws, cipher: cipher, clientID: clientID}
	t.Cleanup(func() { c.ws.Close(websocket.StatusNormalClosure, "") })
	return c, nil
}

func (c *testClient) send(env wireEnv) {
	c.t.Helper()
	plain, err := json.Marshal(env)
	require.NoError(c.t, err)
	frame, err := c.cipher.Encrypt(plain)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.ws.Write(ctx, websocket.MessageBinary, frame))
}

func (c *testClient) recv() (wireEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := c.ws.Read(ctx)
	if err != nil {
		return wireEnv{}, err
	}
	plain, err := c.cipher.Decrypt(frame)
	if err != nil {
		return wireEnv{}, err
	}
	var env wireEnv
	if err := json.Unmarshal(plain, &env); err != nil {
		return wireEnv{}, err
	}
	return env, nil
}

// call performs one request/response round trip, skipping any pushes
// that arrive in between.
func (c *testClient) call(module, name string, args ...any) (json.RawMessage, error) {
	c.t.Helper()
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		require.NoError(c.t, err)
		raw[i] = data
	}
	id := uuid.NewString()
	c.send(wireEnv{T: "call", ID: id, Module: module, Name: name, Args: raw})

	for {
		env, err := c.recv()
		if err != nil {
			return nil, err
		}
		if env.ID != id {
			continue
		}
		if env.T == "error" {
			return nil, fmt.Errorf("remote error: %s", env.Message)
		}
		return env.Result, nil
	}
}

func TestHelloUserPath(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.http.URL + "/" + testUser + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, helloText, string(body))
}

func TestRootPathDisabledRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, path := range []string{"/hello", "/id", "/challenge", "/ws"} {
		resp, err := http.Get(e.http.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
}

func TestRootPathEnabled(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) { cfg.EnableRootPath = true })
	resp, err := http.Get(e.http.URL + "/hello")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(e.http.URL + "/id")
	require.NoError(t, err)
	defer resp.Body.Close()
	var id struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&id))
	assert.NotEmpty(t, id.ID)
	assert.Equal(t, "melosync-test", id.Name)
}

func TestChallengeUnknownUser(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.http.URL + "/nobody/challenge")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandshakeRejectsBadProof(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.http.URL + "/" + testUser + "/challenge")
	require.NoError(t, err)
	var ch struct {
		ID    string `json:"id"`
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ch))
	resp.Body.Close()

	resp, err = http.Get(e.http.URL + fmt.Sprintf("/%s/ws?i=dev1&c=%s&p=%s", testUser, ch.ID, "deadbeef"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChallengeIsSingleUse(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.http.URL + "/" + testUser + "/challenge")
	require.NoError(t, err)
	var ch struct {
		ID    string `json:"id"`
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ch))
	resp.Body.Close()

	proof, err := auth.Proof(testPassword, ch.Nonce, ch.ID, "dev1")
	require.NoError(t, err)

	url := fmt.Sprintf("%s/%s/ws?i=dev1&c=%s&p=%s", e.http.URL, testUser, ch.ID, proof)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, strings.Replace(url, "http", "ws", 1), nil)
	require.NoError(t, err)
	ws.Close(websocket.StatusNormalClosure, "")

	// Same challenge again: consumed, rejected.
	resp, err = http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")

	res, err := c.call("list", "getListData")
	require.NoError(t, err)
	var data list.Data
	require.NoError(t, json.Unmarshal(res, &data))
	assert.Empty(t, data.LoveList)

	data.LoveList = []list.SongInfo{{ID: "s1", Name: "Song One", Singer: "A"}}
	res, err = c.call("list", "setListData", data)
	require.NoError(t, err)
	var digest string
	require.NoError(t, json.Unmarshal(res, &digest))
	assert.NotEmpty(t, digest)

	res, err = c.call("list", "getVersionKey")
	require.NoError(t, err)
	var key string
	require.NoError(t, json.Unmarshal(res, &key))
	assert.Equal(t, digest, key)

	res, err = c.call("list", "getListData")
	require.NoError(t, err)
	var got list.Data
	require.NoError(t, json.Unmarshal(res, &got))
	assert.Equal(t, data.LoveList, got.LoveList)
}

func TestMusicsAddThroughCall(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")

	songs := []list.SongInfo{{ID: "s1", Name: "One"}, {ID: "s2", Name: "Two"}}
	res, err := c.call("list", "musicsAdd", list.LoveListID, songs)
	require.NoError(t, err)
	var digest string
	require.NoError(t, json.Unmarshal(res, &digest))
	assert.NotEmpty(t, digest)

	res, err = c.call("list", "getListData")
	require.NoError(t, err)
	var data list.Data
	require.NoError(t, json.Unmarshal(res, &data))
	require.Len(t, data.LoveList, 2)
}

func TestUnknownListRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")

	_, err := c.call("list", "musicsClear", "no-such-list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list not found")
}

func TestDislikeRules(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")

	res, err := c.call("dislike", "getRules")
	require.NoError(t, err)
	var rules string
	require.NoError(t, json.Unmarshal(res, &rules))
	assert.Empty(t, rules)

	_, err = c.call("dislike", "setRules", "songA@@singerB\nsongC")
	require.NoError(t, err)

	res, err = c.call("dislike", "getRules")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(res, &rules))
	assert.Equal(t, "songA@@singerB\nsongC", rules)
}

func TestDuplicateDeviceEviction(t *testing.T) {
	e := newTestEnv(t, nil)
	first := dialClient(t, e, "dev1")

	// Confirm the first session works before displacing it.
	_, err := first.call("list", "getVersionKey")
	require.NoError(t, err)

	second := dialClient(t, e, "dev1")
	_, err = second.call("list", "getVersionKey")
	require.NoError(t, err)

	// The first connection is closed with the superseded code.
	_, err = first.recv()
	require.Error(t, err)
	assert.Equal(t, statusSuperseded, websocket.CloseStatus(err))

	ready := 0
	for _, s := range e.hub.sessionsOf(testUser) {
		if s.State() == StateReady {
			ready++
		}
	}
	assert.Equal(t, 1, ready)
}

func TestMutationBroadcastsToOtherSessions(t *testing.T) {
	e := newTestEnv(t, nil)
	a := dialClient(t, e, "dev-a")
	b := dialClient(t, e, "dev-b")

	_, err := a.call("list", "ready")
	require.NoError(t, err)
	_, err = b.call("list", "ready")
	require.NoError(t, err)

	songs := []list.SongInfo{{ID: "s1", Name: "One"}}
	_, err = b.call("list", "musicsAdd", list.LoveListID, songs)
	require.NoError(t, err)

	env, err := a.recv()
	require.NoError(t, err)
	assert.Equal(t, "call", env.T)
	assert.Equal(t, "list", env.Module)
	assert.Equal(t, "onListUpdate", env.Name)
	assert.Empty(t, env.ID, "pushes are fire-and-forget")
	require.Len(t, env.Args, 2)

	var data list.Data
	require.NoError(t, json.Unmarshal(env.Args[0], &data))
	require.Len(t, data.LoveList, 1)
	assert.Equal(t, "s1", data.LoveList[0].ID)
}

func TestBroadcastSkipsNotReadySessions(t *testing.T) {
	e := newTestEnv(t, nil)
	a := dialClient(t, e, "dev-a")
	b := dialClient(t, e, "dev-b")

	// a never declares list readiness, so b's mutation must not be pushed.
	songs := []list.SongInfo{{ID: "s1", Name: "One"}}
	_, err := b.call("list", "musicsAdd", list.LoveListID, songs)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, _, err = a.ws.Read(ctx)
	require.Error(t, err, "no push expected for a not-ready session")
}

func TestUnknownOperationRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")

	_, err := c.call("list", "noSuchOp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation")
}

func TestTextPingAnswered(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.ws.Write(ctx, websocket.MessageText, []byte("ping")))
	typ, data, err := c.ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "pong", string(data))
}

// fakePinger answers or fails every protocol ping, standing in for the
// raw socket in heartbeat tests.
type fakePinger struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakePinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.err
}

func (f *fakePinger) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func admitWithPinger(t *testing.T, e *testEnv, p *fakePinger) *Session {
	t.Helper()
	space, err := e.srv.registry.Acquire(testUser)
	require.NoError(t, err)
	sess := newSession(testUser, user.KeyInfo{ClientID: "dev1"}, space)
	sess.ws = p
	e.hub.Admit(sess)
	return sess
}

func TestHeartbeatKeepsAnsweringSessionAlive(t *testing.T) {
	e := newTestEnv(t, nil)
	p := &fakePinger{}
	sess := admitWithPinger(t, e, p)

	// An idle device that answers every ping stays up across cycles.
	for range 3 {
		e.hub.heartbeat(context.Background())
	}

	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, 3, p.pings())
}

func TestHeartbeatClosesUnresponsiveSession(t *testing.T) {
	e := newTestEnv(t, nil)
	p := &fakePinger{err: fmt.Errorf("no pong")}
	sess := admitWithPinger(t, e, p)

	// First cycle: the connect itself counts as liveness, the ping fails.
	e.hub.heartbeat(context.Background())
	assert.Equal(t, StateReady, sess.State())

	// Second cycle: the missed ping is fatal.
	e.hub.heartbeat(context.Background())
	assert.Equal(t, StateClosed, sess.State())
	assert.Empty(t, e.hub.sessionsOf(testUser))
}

func TestDeviceAdminSurface(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")

	_, err := c.call("list", "getVersionKey")
	require.NoError(t, err)

	devices, err := e.hub.Devices(testUser)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev1", devices[0].ClientID)
	assert.Equal(t, "test-device", devices[0].DeviceName)
	assert.NotZero(t, devices[0].LastConnectDate)

	require.NoError(t, e.hub.RemoveDevice(testUser, "dev1"))

	// The live session is gone and the registration with it.
	_, err = c.recv()
	require.Error(t, err)

	devices, err = e.hub.Devices(testUser)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDeviceRecognizedAcrossReconnects(t *testing.T) {
	e := newTestEnv(t, nil)
	c := dialClient(t, e, "dev1")
	_, err := c.call("list", "getVersionKey")
	require.NoError(t, err)
	c.ws.Close(websocket.StatusNormalClosure, "")

	c2 := dialClient(t, e, "dev1")
	_, err = c2.call("list", "getVersionKey")
	require.NoError(t, err)

	devices, err := e.hub.Devices(testUser)
	require.NoError(t, err)
	require.Len(t, devices, 1, "reconnect must reuse the device registration")
}
