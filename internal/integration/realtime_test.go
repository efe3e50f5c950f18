package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codespace/internal/api"
	"codespace/internal/app"
	"codespace/internal/config"
	"codespace/internal/websocket"
	"codespace/pkg/protocol"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	app   *app.Application
	clock *clock
	base  string
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Execution.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.WebSocket.CloseGrace = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	application.Engine().SetClock(clk.Now)

	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	return &harness{app: application, clock: clk, base: application.GetAddr()}
}

func (h *harness) do(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+h.base+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(websocket.HeaderUserID, user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) createSession(t *testing.T, owner string, maxParticipants int) string {
	t.Helper()
	body := fmt.Sprintf(`{"display_name":%q,"max_participants":%d}`, owner, maxParticipants)
	resp := h.do(t, http.MethodPost, "/api/sessions", owner, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created.Session.SessionID
}

func (h *harness) connect(t *testing.T, sessionID, user string) *gws.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(websocket.HeaderUserID, user)
	header.Set(websocket.HeaderUserName, strings.ToUpper(user[:1])+user[1:])

	conn, _, err := gws.DefaultDialer.Dial("ws://"+h.base+"/ws/"+sessionID, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame map[string]any

func (f frame) Type() string { s, _ := f["type"].(string); return s }

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *gws.Conn, msgType string, timeout time.Duration) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)

		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type() == msgType {
			return f
		}
	}
}

func send(t *testing.T, conn *gws.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// Scenario: running python print(1) broadcasts "1\n" with no error.
func TestRealtime_ExecutePython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	h := newHarness(t, func(c *config.Config) {
		c.Execution.Enabled = true
		c.Execution.Workers = 1
	})
	sessionID := h.createSession(t, "alice", 0)

	alice := h.connect(t, sessionID, "alice")
	readUntil(t, alice, protocol.TypeInit, 5*time.Second)

	send(t, alice, map[string]any{"type": protocol.TypeCodeChange, "code": "print(1)"})
	send(t, alice, map[string]any{"type": protocol.TypeExecuteCode})

	result := readUntil(t, alice, protocol.TypeExecutionResult, 20*time.Second)
	assert.Equal(t, "1\n", result["output"])
	assert.Equal(t, "", result["error"])
	assert.Equal(t, "alice", result["userId"])
	assert.Equal(t, "success", result["status"])
}

// Scenario: once the timer is past due a guest edit is refused and the
// owner's edit still goes through.
func TestRealtime_TimerExpiryLocksGuests(t *testing.T) {
	h := newHarness(t, nil)
	sessionID := h.createSession(t, "alice", 0)

	alice := h.connect(t, sessionID, "alice")
	readUntil(t, alice, protocol.TypeInit, 5*time.Second)
	bob := h.connect(t, sessionID, "bob")
	readUntil(t, bob, protocol.TypeInit, 5*time.Second)

	resp := h.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/timer", "alice", `{"duration_minutes":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, bob, protocol.TypeTimerSet, 5*time.Second)

	h.clock.advance(2 * time.Minute)

	send(t, bob, map[string]any{"type": protocol.TypeCodeChange, "code": "guest edit"})
	locked := readUntil(t, bob, protocol.TypeSessionLocked, 5*time.Second)
	assert.Equal(t, "alice", locked["ownerId"])
	rejected := readUntil(t, bob, protocol.TypeError, 5*time.Second)
	assert.Equal(t, "session is locked", rejected["message"])

	readUntil(t, alice, protocol.TypeSessionLocked, 5*time.Second)
	send(t, alice, map[string]any{"type": protocol.TypeCodeChange, "code": "owner edit"})
	update := readUntil(t, bob, protocol.TypeCodeUpdate, 5*time.Second)
	assert.Equal(t, "owner edit", update["code"])
	assert.Equal(t, "alice", update["userId"])

	resp = h.do(t, http.MethodGet, "/api/sessions/"+sessionID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "owner edit", snap.Session.Code)
	assert.True(t, snap.Session.IsLocked)
}

// Scenario: a two-seat session admits the owner and one guest only.
func TestRealtime_FullSessionRejectsThirdUser(t *testing.T) {
	h := newHarness(t, nil)
	sessionID := h.createSession(t, "alice", 2)

	alice := h.connect(t, sessionID, "alice")
	readUntil(t, alice, protocol.TypeInit, 5*time.Second)
	bob := h.connect(t, sessionID, "bob")
	readUntil(t, bob, protocol.TypeInit, 5*time.Second)

	carol := h.connect(t, sessionID, "carol")
	require.NoError(t, carol.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := carol.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, websocket.CloseFull), "got %v", err)

	resp := h.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/join", "dave", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// Scenario: the last disconnect deletes the session.
func TestRealtime_DisconnectsEmptyTheSession(t *testing.T) {
	h := newHarness(t, nil)
	sessionID := h.createSession(t, "alice", 0)

	alice := h.connect(t, sessionID, "alice")
	readUntil(t, alice, protocol.TypeInit, 5*time.Second)
	bob := h.connect(t, sessionID, "bob")
	readUntil(t, bob, protocol.TypeInit, 5*time.Second)
	readUntil(t, alice, protocol.TypeParticipantJoined, 5*time.Second)

	require.NoError(t, alice.Close())
	left := readUntil(t, bob, protocol.TypeParticipantLeft, 5*time.Second)
	assert.Equal(t, "alice", left["userId"])

	resp := h.do(t, http.MethodGet, "/api/sessions/"+sessionID, "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "the session outlives its owner while a guest remains")

	require.NoError(t, bob.Close())
	assert.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/api/sessions/"+sessionID, "bob", "")
		return resp.StatusCode == http.StatusNotFound
	}, 5*time.Second, 20*time.Millisecond)
}

// A second tab for the same user keeps them present when the first closes.
func TestRealtime_SecondTabKeepsPresence(t *testing.T) {
	h := newHarness(t, nil)
	sessionID := h.createSession(t, "alice", 0)

	tab1 := h.connect(t, sessionID, "alice")
	readUntil(t, tab1, protocol.TypeInit, 5*time.Second)
	tab2 := h.connect(t, sessionID, "alice")
	readUntil(t, tab2, protocol.TypeInit, 5*time.Second)
	bob := h.connect(t, sessionID, "bob")
	readUntil(t, bob, protocol.TypeInit, 5*time.Second)

	require.NoError(t, tab1.Close())

	send(t, tab2, map[string]any{"type": protocol.TypeLanguageChange, "language": "go"})
	update := readUntil(t, bob, protocol.TypeLanguageUpdate, 5*time.Second)
	assert.Equal(t, "go", update["language"])

	resp := h.do(t, http.MethodGet, "/api/sessions/"+sessionID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Contains(t, snap.Session.Participants, "alice")
}

// Deleting over HTTP notifies connected clients and closes their sockets.
func TestRealtime_DeleteClosesClients(t *testing.T) {
	h := newHarness(t, nil)
	sessionID := h.createSession(t, "alice", 0)

	bob := h.connect(t, sessionID, "bob")
	readUntil(t, bob, protocol.TypeInit, 5*time.Second)

	resp := h.do(t, http.MethodDelete, "/api/sessions/"+sessionID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	deleted := readUntil(t, bob, protocol.TypeSessionDeleted, 5*time.Second)
	assert.Equal(t, sessionID, deleted["sessionId"])

	_, _, err := bob.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)
}
