// Package signal is the websocket signaling relay: connection bookkeeping,
// session rooms and peer-to-peer message forwarding.
package signal

import (
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/dkeye/Teleroom/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Hub indexes live connections by id, by user and by session room. All
// methods are safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[domain.UserID][]*Conn
	rooms  map[domain.SessionID]map[string]*Conn
	joined map[string]map[domain.SessionID]struct{}

	policy app.Policy
	log    zerolog.Logger
}

func NewHub(policy app.Policy) *Hub {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Hub{
		conns:  make(map[string]*Conn),
		byUser: make(map[domain.UserID][]*Conn),
		rooms:  make(map[domain.SessionID]map[string]*Conn),
		joined: make(map[string]map[domain.SessionID]struct{}),
		policy: policy,
		log:    log.With().Str("module", "signal.hub").Logger(),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.byUser[c.UserID] = append(h.byUser[c.UserID], c)
	h.joined[c.ID] = make(map[domain.SessionID]struct{})
	h.mu.Unlock()
	metrics.SignalConnections.Inc()
	h.log.Info().Str("conn_id", c.ID).Str("user_id", string(c.UserID)).Msg("registered connection")
}

// Unregister removes c and returns the rooms it was in. last reports whether
// the user has no other live connection.
func (h *Hub) Unregister(c *Conn) (rooms []domain.SessionID, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return nil, false
	}
	delete(h.conns, c.ID)
	for sid := range h.joined[c.ID] {
		rooms = append(rooms, sid)
		h.dropFromRoom(sid, c.ID)
	}
	delete(h.joined, c.ID)

	others := slices.DeleteFunc(h.byUser[c.UserID], func(x *Conn) bool { return x.ID == c.ID })
	if len(others) == 0 {
		delete(h.byUser, c.UserID)
		last = true
	} else {
		h.byUser[c.UserID] = others
	}
	metrics.SignalConnections.Dec()
	h.log.Info().Str("conn_id", c.ID).Str("user_id", string(c.UserID)).Int("rooms", len(rooms)).Msg("unregistered connection")
	return rooms, last
}

func (h *Hub) dropFromRoom(sid domain.SessionID, connID string) {
	members := h.rooms[sid]
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, sid)
	}
}

// JoinRoom adds every connection of userID to the session room.
func (h *Hub) JoinRoom(userID domain.UserID, sessionID domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.byUser[userID] {
		h.joinLocked(c, sessionID)
	}
}

func (h *Hub) joinLocked(c *Conn, sessionID domain.SessionID) {
	members, ok := h.rooms[sessionID]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[sessionID] = members
	}
	members[c.ID] = c
	h.joined[c.ID][sessionID] = struct{}{}
	c.Transition(StateJoined)
}

func (h *Hub) LeaveRoom(userID domain.UserID, sessionID domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.byUser[userID] {
		h.dropFromRoom(sessionID, c.ID)
		delete(h.joined[c.ID], sessionID)
	}
}

func (h *Hub) InRoom(userID domain.UserID, sessionID domain.SessionID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[sessionID] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// RoomsOf lists the rooms userID has at least one connection in.
func (h *Hub) RoomsOf(userID domain.UserID) []domain.SessionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[domain.SessionID]struct{})
	for _, c := range h.byUser[userID] {
		for sid := range h.joined[c.ID] {
			seen[sid] = struct{}{}
		}
	}
	out := make([]domain.SessionID, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	return out
}

// CloseRoom forgets the room. Connections stay open.
func (h *Hub) CloseRoom(sessionID domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.rooms[sessionID] {
		delete(h.joined[id], sessionID)
	}
	delete(h.rooms, sessionID)
}

// Relay forwards a peer message to the target's latest connection. It
// reports false when the target is offline.
func (h *Hub) Relay(msgType string, from domain.UserID, sessionID domain.SessionID, target domain.UserID, payload []byte) bool {
	h.mu.RLock()
	conns := h.byUser[target]
	var dst *Conn
	if len(conns) > 0 {
		dst = conns[len(conns)-1]
	}
	h.mu.RUnlock()
	if dst == nil {
		return false
	}
	frame, err := encode(Envelope{
		Type:         msgType,
		SessionID:    sessionID,
		UserID:       from,
		TargetUserID: target,
		Payload:      payload,
	}, nil)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("encode relay frame")
		return false
	}
	h.deliver(dst, frame)
	return true
}

func (h *Hub) BroadcastToRoom(sessionID domain.SessionID, event string, data any, except domain.UserID) {
	frame, err := encode(Envelope{Type: event, SessionID: sessionID}, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[sessionID]))
	for _, c := range h.rooms[sessionID] {
		if except != "" && c.UserID == except {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, frame)
	}
}

func (h *Hub) BroadcastToUser(userID domain.UserID, event string, data any) {
	frame, err := encode(Envelope{Type: event, TargetUserID: userID}, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode user frame")
		return
	}
	h.mu.RLock()
	targets := slices.Clone(h.byUser[userID])
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, frame)
	}
}

// Send delivers an event to a single connection.
func (h *Hub) Send(c *Conn, env Envelope, data any) {
	frame, err := encode(env, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", env.Type).Msg("encode frame")
		return
	}
	h.deliver(c, frame)
}

func (h *Hub) deliver(c *Conn, frame []byte) {
	err := c.TrySend(frame)
	switch {
	case err == nil:
		c.drops.Store(0)
		return
	case errors.Is(err, ErrConnClosed):
		return
	}

	drops := int(c.drops.Add(1))
	action := h.policy.OnBackpressure(c.UserID, drops)
	metrics.SignalDroppedTotal.WithLabelValues(action.String()).Inc()
	if action == app.KickMember {
		h.log.Warn().Str("conn_id", c.ID).Str("user_id", string(c.UserID)).Int("drops", drops).Msg("slow connection kicked")
		// Closing the socket ends the read pump, which runs the disconnect path.
		c.Close()
	}
}
