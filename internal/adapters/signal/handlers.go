package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Teleroom/internal/app/orch"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/dkeye/Teleroom/internal/metrics"
)

type roomJoined struct {
	SessionID    domain.SessionID `json:"sessionId"`
	Participants []domain.UserID  `json:"participants"`
}

type peerEvent struct {
	UserID  domain.UserID   `json:"userId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chatPayload struct {
	Content string                 `json:"content"`
	Type    domain.ChatMessageType `json:"type,omitempty"`
	File    *domain.ChatFile       `json:"file,omitempty"`
}

func (ctl *Controller) handle(ctx context.Context, c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.log.Warn().Err(err).Str("conn_id", c.ID).Msg("bad json")
		ctl.sendError(c, "", "bad_payload", "malformed message")
		return
	}
	// The sender is always the authenticated user.
	env.UserID = c.UserID

	switch env.Type {
	case MsgJoin:
		ctl.handleJoin(ctx, c, env)
	case MsgLeave:
		ctl.handleLeave(ctx, c, env)
	case MsgOffer, MsgAnswer, MsgICECandidate:
		ctl.handlePeer(c, env)
	case MsgMediaStatus:
		ctl.handleRoomEvent(c, env, EvtPeerMediaStatus, nil)
	case MsgChat:
		ctl.handleChat(ctx, c, env)
	case MsgRaiseHand:
		ctl.handleRoomEvent(c, env, EvtPeerRaisedHand, ctl.hands)
	case MsgRecordingStatus:
		ctl.handleRoomEvent(c, env, EvtRecordingStatus, nil)
	case MsgPing:
		ctl.hub.Send(c, Envelope{Type: EvtPong}, nil)
	default:
		metrics.SignalMessagesTotal.WithLabelValues("unknown").Inc()
		ctl.log.Warn().Str("conn_id", c.ID).Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.SessionID, "unknown_type", "unknown message type "+env.Type)
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(env.Type).Inc()
}

func (ctl *Controller) handleJoin(ctx context.Context, c *Conn, env Envelope) {
	s, err := ctl.sessions.GetSession(ctx, env.SessionID)
	if err != nil {
		ctl.sendDomainError(c, env.SessionID, err)
		return
	}
	if !s.Status.Live() {
		ctl.sendError(c, s.ID, domain.KindInvalidState.String(), "session ended")
		return
	}
	if !s.HasParticipant(c.UserID) {
		ctl.sendError(c, s.ID, domain.KindForbidden.String(), "not a participant")
		return
	}
	ctl.hub.JoinRoom(c.UserID, s.ID)
	ctl.log.Info().Str("user_id", string(c.UserID)).Str("session_id", string(s.ID)).Msg("join")
	ctl.hub.Send(c, Envelope{Type: EvtRoomJoined, SessionID: s.ID}, roomJoined{SessionID: s.ID, Participants: s.Participants})
}

func (ctl *Controller) handleLeave(ctx context.Context, c *Conn, env Envelope) {
	ctl.hub.LeaveRoom(c.UserID, env.SessionID)
	if err := ctl.sessions.LeaveSession(ctx, env.SessionID, c.UserID); err != nil {
		ctl.sendDomainError(c, env.SessionID, err)
		return
	}
	ctl.log.Info().Str("user_id", string(c.UserID)).Str("session_id", string(env.SessionID)).Msg("leave")
	ctl.hub.Send(c, Envelope{Type: EvtRoomLeft, SessionID: env.SessionID}, nil)
}

// handlePeer forwards negotiation messages to the target peer only.
func (ctl *Controller) handlePeer(c *Conn, env Envelope) {
	if env.TargetUserID == "" {
		ctl.sendError(c, env.SessionID, "bad_payload", "targetUserId is required")
		return
	}
	if !ctl.hub.InRoom(c.UserID, env.SessionID) || !ctl.hub.InRoom(env.TargetUserID, env.SessionID) {
		ctl.sendError(c, env.SessionID, domain.KindForbidden.String(), "peer is not in this session")
		return
	}
	if !ctl.hub.Relay(env.Type, c.UserID, env.SessionID, env.TargetUserID, env.Payload) {
		ctl.log.Debug().Str("target", string(env.TargetUserID)).Str("type", env.Type).Msg("target offline")
	}
}

func (ctl *Controller) handleRoomEvent(c *Conn, env Envelope, event string, limiter *RateLimiter) {
	if limiter != nil && !limiter.Allow(c.UserID) {
		ctl.sendError(c, env.SessionID, domain.KindResourceExhausted.String(), "rate limited")
		return
	}
	if !ctl.hub.InRoom(c.UserID, env.SessionID) {
		ctl.sendError(c, env.SessionID, domain.KindForbidden.String(), "not in session room")
		return
	}
	ctl.hub.BroadcastToRoom(env.SessionID, event, peerEvent{UserID: c.UserID, Payload: env.Payload}, c.UserID)
}

func (ctl *Controller) handleChat(ctx context.Context, c *Conn, env Envelope) {
	if !ctl.chat.Allow(c.UserID) {
		ctl.sendError(c, env.SessionID, domain.KindResourceExhausted.String(), "rate limited")
		return
	}
	var p chatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.sendError(c, env.SessionID, "bad_payload", "malformed chat payload")
		return
	}
	_, err := ctl.sessions.SendChatMessage(ctx, orch.ChatInput{
		SessionID: env.SessionID,
		SenderID:  c.UserID,
		Content:   p.Content,
		Type:      p.Type,
		File:      p.File,
	})
	if err != nil {
		ctl.sendDomainError(c, env.SessionID, err)
	}
}

func (ctl *Controller) sendDomainError(c *Conn, sid domain.SessionID, err error) {
	ctl.sendError(c, sid, domain.KindOf(err).String(), err.Error())
}

func (ctl *Controller) sendError(c *Conn, sid domain.SessionID, code, msg string) {
	ctl.hub.Send(c, Envelope{Type: EvtError, SessionID: sid}, errorPayload{Code: code, Message: msg})
}
