package orch

import (
	"context"
	"time"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
)

// pruneWaitingLocked drops entries older than the session's waiting timeout.
func (o *Orchestrator) pruneWaitingLocked(e *app.SessionEntry) {
	timeout := time.Duration(e.Session.Options.WaitingRoomTimeout) * time.Second
	if timeout <= 0 || len(e.Waiting) == 0 {
		return
	}
	cutoff := o.now().Add(-timeout)
	kept := e.Waiting[:0]
	for _, w := range e.Waiting {
		if w.JoinedAt.Before(cutoff) {
			o.log.Info().Str("session_id", string(e.ID)).Str("user_id", string(w.UserID)).Msg("waiting room entry expired")
			continue
		}
		kept = append(kept, w)
	}
	e.Waiting = kept
}

func (o *Orchestrator) broadcastWaitingLocked(e *app.SessionEntry) {
	o.relay.BroadcastToRoom(e.ID, EvtWaitingRoomUpdated, map[string]any{
		"waiting": append([]domain.WaitingRoomEntry{}, e.Waiting...),
	}, "")
}

// takeWaitingLocked validates the caller and returns the waiting position of
// uid.
func (o *Orchestrator) takeWaitingLocked(e *app.SessionEntry, uid, caller domain.UserID) (int, error) {
	if err := requireHost(e, caller); err != nil {
		return -1, err
	}
	o.pruneWaitingLocked(e)
	idx := e.WaitingIndex(uid)
	if idx < 0 {
		return -1, domain.Ef(domain.KindNotFound, "user %s is not in the waiting room", uid)
	}
	return idx, nil
}

func (o *Orchestrator) AdmitFromWaitingRoom(ctx context.Context, id domain.SessionID, uid, caller domain.UserID) (*JoinResult, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if _, err := o.takeWaitingLocked(e, uid, caller); err != nil {
		return nil, err
	}
	if err := o.isRosterMember(ctx, e.Session, uid); err != nil {
		return nil, err
	}
	if err := o.admitLocked(ctx, e, uid, domain.RoleParticipant); err != nil {
		return nil, err
	}
	if idx := e.WaitingIndex(uid); idx >= 0 {
		e.Waiting = append(e.Waiting[:idx], e.Waiting[idx+1:]...)
	}

	res, err := o.joinResult(e, uid, domain.RoleParticipant)
	if err != nil {
		return nil, err
	}
	o.notify(core.Notification{UserID: uid, Kind: core.NotifyWaitingRoomAdmitted, SessionID: id})
	o.relay.BroadcastToUser(uid, EvtWaitingRoomAdmitted, map[string]any{
		"sessionId": id,
		"token":     res.Token,
		"transport": res.Transport,
	})
	o.broadcastWaitingLocked(e)
	return res, nil
}

func (o *Orchestrator) RejectFromWaitingRoom(ctx context.Context, id domain.SessionID, uid, caller domain.UserID) error {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.Unlock()
	idx, err := o.takeWaitingLocked(e, uid, caller)
	if err != nil {
		return err
	}
	e.Waiting = append(e.Waiting[:idx], e.Waiting[idx+1:]...)

	o.notify(core.Notification{UserID: uid, Kind: core.NotifyWaitingRoomRejected, SessionID: id})
	o.relay.BroadcastToUser(uid, EvtWaitingRoomRejected, map[string]any{"sessionId": id})
	o.broadcastWaitingLocked(e)
	o.log.Info().Str("session_id", string(id)).Str("user_id", string(uid)).Msg("waiting user rejected")
	return nil
}

func (o *Orchestrator) ListWaitingRoom(ctx context.Context, id domain.SessionID, caller domain.UserID) ([]domain.WaitingRoomEntry, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireHost(e, caller); err != nil {
		return nil, err
	}
	o.pruneWaitingLocked(e)
	return append([]domain.WaitingRoomEntry{}, e.Waiting...), nil
}

// LeaveWaitingRooms drops uid from every waiting room it sits in and returns
// the affected sessions. Waiting users hold no relay room, so their last
// disconnect is reported here instead of through LeaveSession.
func (o *Orchestrator) LeaveWaitingRooms(_ context.Context, uid domain.UserID) []domain.SessionID {
	var left []domain.SessionID
	for _, id := range o.registry.IDs() {
		e, err := o.registry.Acquire(id)
		if err != nil {
			continue
		}
		if idx := e.WaitingIndex(uid); idx >= 0 {
			e.Waiting = append(e.Waiting[:idx], e.Waiting[idx+1:]...)
			o.broadcastWaitingLocked(e)
			left = append(left, id)
			o.log.Info().Str("session_id", string(id)).Str("user_id", string(uid)).Msg("waiting user disconnected")
		}
		e.Unlock()
	}
	return left
}
