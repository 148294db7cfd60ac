package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Teleroom/internal/adapters/auth"
	"github.com/dkeye/Teleroom/internal/app/orch"
	"github.com/dkeye/Teleroom/internal/config"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.MediaSession
	chats    []orch.ChatInput
	leaves   chan domain.UserID
	unqueued chan domain.UserID
}

func (f *fakeSessions) GetSession(_ context.Context, id domain.SessionID) (*domain.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeSessions) ListActiveSessionsForUser(_ context.Context, uid domain.UserID) ([]*domain.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.MediaSession
	for _, s := range f.sessions {
		if s.Status.Live() && s.HasParticipant(uid) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (f *fakeSessions) LeaveSession(_ context.Context, _ domain.SessionID, uid domain.UserID) error {
	f.leaves <- uid
	return nil
}

func (f *fakeSessions) LeaveWaitingRooms(_ context.Context, uid domain.UserID) []domain.SessionID {
	f.unqueued <- uid
	return nil
}

func (f *fakeSessions) SendChatMessage(_ context.Context, in orch.ChatInput) (*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, in)
	return &domain.ChatMessage{SessionID: in.SessionID, SenderID: in.SenderID, Content: in.Content}, nil
}

type harness struct {
	srv      *httptest.Server
	tokens   *auth.Tokens
	sessions *fakeSessions
	hub      *Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fs := &fakeSessions{
		sessions: map[domain.SessionID]*domain.MediaSession{
			"s1": {ID: "s1", Status: domain.StatusActive, StartedBy: "alice", Participants: []domain.UserID{"alice", "bob"}},
		},
		leaves:   make(chan domain.UserID, 8),
		unqueued: make(chan domain.UserID, 8),
	}
	tokens := auth.NewTokens("test-secret", time.Hour)
	hub := NewHub(nil)
	ctl := NewController(hub, fs, tokens, config.SignalConfig{QueueSize: 16, ChatRate: 5, ChatWindow: time.Second})

	r := gin.New()
	r.GET("/ws", ctl.HandleSignal)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, tokens: tokens, sessions: fs, hub: hub}
}

func (h *harness) dial(t *testing.T, uid domain.UserID) *websocket.Conn {
	t.Helper()
	tok, err := h.tokens.Issue(core.TokenClaims{UserID: uid, Scope: core.ScopeMedia})
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + tok
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestController_RejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestController_AutoJoinAndRelay(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "alice")
	assert.Equal(t, EvtRoomJoined, read(t, alice).Type)
	bob := h.dial(t, "bob")
	assert.Equal(t, EvtRoomJoined, read(t, bob).Type)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":         MsgOffer,
		"sessionId":    "s1",
		"userId":       "mallory",
		"targetUserId": "bob",
		"payload":      map[string]string{"sdp": "v=0"},
	}))
	env := read(t, bob)
	assert.Equal(t, MsgOffer, env.Type)
	assert.Equal(t, domain.UserID("alice"), env.UserID, "sender is the authenticated user")
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(env.Payload))
}

func TestController_PingAndUnknown(t *testing.T) {
	h := newHarness(t)
	carol := h.dial(t, "carol")

	require.NoError(t, carol.WriteJSON(map[string]any{"type": MsgPing}))
	assert.Equal(t, EvtPong, read(t, carol).Type)

	require.NoError(t, carol.WriteJSON(map[string]any{"type": "teleport"}))
	env := read(t, carol)
	assert.Equal(t, EvtError, env.Type)
	assert.Contains(t, string(env.Payload), "unknown_type")

	require.NoError(t, carol.WriteJSON(map[string]any{"type": MsgJoin, "sessionId": "s1"}))
	env = read(t, carol)
	assert.Equal(t, EvtError, env.Type)
	assert.Contains(t, string(env.Payload), "forbidden")
}

func TestController_ChatGoesThroughSessions(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "alice")
	read(t, alice)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":      MsgChat,
		"sessionId": "s1",
		"payload":   map[string]string{"content": "hello"},
	}))
	require.NoError(t, alice.WriteJSON(map[string]any{"type": MsgPing}))
	assert.Equal(t, EvtPong, read(t, alice).Type)

	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	require.Len(t, h.sessions.chats, 1)
	assert.Equal(t, "hello", h.sessions.chats[0].Content)
	assert.Equal(t, domain.UserID("alice"), h.sessions.chats[0].SenderID)
}

func TestController_DisconnectLeavesSessions(t *testing.T) {
	h := newHarness(t)
	bob := h.dial(t, "bob")
	read(t, bob)
	require.NoError(t, bob.Close())

	select {
	case uid := <-h.sessions.leaves:
		assert.Equal(t, domain.UserID("bob"), uid)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not leave the session")
	}
}

func TestController_DisconnectLeavesWaitingRooms(t *testing.T) {
	h := newHarness(t)
	// carol holds no relay room, so only the waiting-room sweep sees the disconnect.
	carol := h.dial(t, "carol")
	require.NoError(t, carol.Close())

	select {
	case uid := <-h.sessions.unqueued:
		assert.Equal(t, domain.UserID("carol"), uid)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not leave the waiting rooms")
	}
	assert.Empty(t, h.sessions.leaves)
}
