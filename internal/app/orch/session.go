package orch

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/dkeye/Teleroom/internal/metrics"
	"github.com/google/uuid"
)

type CreateSessionInput struct {
	Type      domain.SessionType    `json:"type"`
	ContextID string                `json:"contextId"`
	StartedBy domain.UserID         `json:"-"`
	Options   domain.SessionOptions `json:"options"`
}

type JoinResult struct {
	Session   *domain.MediaSession `json:"session"`
	Token     string               `json:"token"`
	Waiting   bool                 `json:"waiting"`
	Transport *core.TransportInfo  `json:"transport,omitempty"`
}

type SessionStats struct {
	SessionID        domain.SessionID     `json:"sessionId"`
	Status           domain.SessionStatus `json:"status"`
	ParticipantCount int                  `json:"participantCount"`
	Participants     []domain.Participant `json:"participants"`
	WaitingCount     int                  `json:"waitingCount"`
	StartTime        time.Time            `json:"startTime"`
	Duration         float64              `json:"duration"`
	BreakoutRooms    int                  `json:"breakoutRooms"`
	Recording        *domain.Recording    `json:"recording,omitempty"`
	ChatMessages     int                  `json:"chatMessages"`
}

func (o *Orchestrator) CreateSession(ctx context.Context, in CreateSessionInput) (*domain.MediaSession, string, error) {
	if !in.Type.Valid() {
		return nil, "", domain.Ef(domain.KindInvalidState, "unknown session type %q", in.Type)
	}
	if in.ContextID == "" {
		return nil, "", domain.E(domain.KindInvalidState, "contextId is required")
	}
	if in.StartedBy == "" {
		return nil, "", domain.E(domain.KindUnauthorized, "missing caller")
	}
	if _, err := o.store.FindActiveByContext(ctx, in.Type, in.ContextID); err == nil {
		return nil, "", domain.Ef(domain.KindInvalidState, "a live session already exists for %s %s", in.Type, in.ContextID)
	} else if domain.KindOf(err) != domain.KindNotFound {
		return nil, "", err
	}

	opts := in.Options.WithDefaults(in.Type)
	if err := opts.Validate(); err != nil {
		return nil, "", err
	}
	s := &domain.MediaSession{
		ID:           domain.SessionID(uuid.NewString()),
		Type:         in.Type,
		ContextID:    in.ContextID,
		Status:       domain.StatusPending,
		StartedBy:    in.StartedBy,
		Participants: []domain.UserID{},
		Options:      opts,
		Metadata:     map[string]any{},
		StartedAt:    o.now(),
	}
	if err := o.store.Create(ctx, s); err != nil {
		return nil, "", err
	}
	l := o.log.With().Str("session_id", string(s.ID)).Logger()

	router, err := o.engine.CreateRouter(ctx, core.RouterOptions{
		Codecs:       core.DefaultCodecs(opts.VideoCodec, opts.StartBitrate),
		StartBitrate: opts.StartBitrate,
	})
	if err != nil {
		l.Error().Err(err).Msg("router allocation failed")
		o.abandon(ctx, s.ID, "router-failed")
		return nil, "", domain.Wrap(domain.KindUpstreamFailure, err, "allocate router")
	}
	if err := o.registry.Put(app.NewSessionEntry(s.Clone(), router)); err != nil {
		_ = router.Close()
		o.abandon(ctx, s.ID, "register-failed")
		return nil, "", err
	}

	token, err := o.issue(s.StartedBy, s.ID, domain.RoleHost, core.ScopeMedia)
	if err != nil {
		_ = o.EndSession(ctx, s.ID)
		return nil, "", err
	}
	metrics.SessionsTotal.WithLabelValues("created").Inc()
	l.Info().Str("type", string(s.Type)).Str("context_id", s.ContextID).Str("user_id", string(s.StartedBy)).Msg("session created")
	return s, token, nil
}

// abandon ends a stored session that never got live media.
func (o *Orchestrator) abandon(ctx context.Context, id domain.SessionID, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.store.UpdateStatus(ctx, id, domain.StatusEnded); err != nil {
		o.log.Error().Err(err).Str("session_id", string(id)).Msg("end abandoned session")
		return
	}
	_ = o.store.UpdateMetadata(ctx, id, map[string]any{"endReason": reason})
}

func (o *Orchestrator) JoinSession(ctx context.Context, id domain.SessionID, uid domain.UserID, role domain.Role) (*JoinResult, error) {
	if role == "" {
		role = domain.RoleParticipant
	}
	if !role.Valid() {
		return nil, domain.Ef(domain.KindInvalidState, "unknown role %q", role)
	}
	e, err := o.acquire(ctx, id)
	if err != nil {
		metrics.JoinsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	defer e.Unlock()
	s := e.Session
	host := uid == s.StartedBy
	if role == domain.RoleHost && !host {
		metrics.JoinsTotal.WithLabelValues("forbidden").Inc()
		return nil, domain.E(domain.KindForbidden, "only the session starter may join as host")
	}
	if host {
		role = domain.RoleHost
	}
	if err := o.isRosterMember(ctx, s, uid); err != nil {
		metrics.JoinsTotal.WithLabelValues("unauthorized").Inc()
		return nil, err
	}

	if m, ok := e.Members[uid]; ok {
		return o.joinResult(e, uid, m.Role)
	}
	if e.WaitingIndex(uid) >= 0 {
		return o.waitingResult(e, uid)
	}

	if s.Options.EnableWaitingRoom && !host {
		o.pruneWaitingLocked(e)
		e.Waiting = append(e.Waiting, domain.WaitingRoomEntry{SessionID: id, UserID: uid, JoinedAt: o.now()})
		o.notify(core.Notification{
			UserID:    s.StartedBy,
			Kind:      core.NotifyWaitingRoomJoin,
			SessionID: id,
			Data:      map[string]any{"participantId": string(uid)},
		})
		o.broadcastWaitingLocked(e)
		metrics.JoinsTotal.WithLabelValues("waiting").Inc()
		o.log.Info().Str("session_id", string(id)).Str("user_id", string(uid)).Msg("user placed in waiting room")
		return o.waitingResult(e, uid)
	}

	if err := o.admitLocked(ctx, e, uid, role); err != nil {
		return nil, err
	}
	return o.joinResult(e, uid, role)
}

func (o *Orchestrator) joinResult(e *app.SessionEntry, uid domain.UserID, role domain.Role) (*JoinResult, error) {
	token, err := o.issue(uid, e.ID, role, core.ScopeMedia)
	if err != nil {
		return nil, err
	}
	res := &JoinResult{Session: e.Session.Clone(), Token: token}
	if tr, ok := e.Transports[uid]; ok {
		info := tr.Info()
		res.Transport = &info
	}
	return res, nil
}

func (o *Orchestrator) waitingResult(e *app.SessionEntry, uid domain.UserID) (*JoinResult, error) {
	token, err := o.issue(uid, e.ID, domain.RoleParticipant, core.ScopeWaiting)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Session: e.Session.Clone(), Token: token, Waiting: true}, nil
}

// admitLocked gives uid full access. Holding the entry lock makes the
// capacity check atomic against concurrent joins and admits.
func (o *Orchestrator) admitLocked(ctx context.Context, e *app.SessionEntry, uid domain.UserID, role domain.Role) error {
	s := e.Session
	if len(e.Members) >= s.Options.MaxParticipants {
		metrics.JoinsTotal.WithLabelValues("full").Inc()
		return domain.Ef(domain.KindResourceExhausted, "session %s is full", s.ID)
	}
	tr, err := e.Router.CreateTransport(ctx, o.transportOptions(s, uid))
	if err != nil {
		metrics.JoinsTotal.WithLabelValues("error").Inc()
		return domain.Wrap(domain.KindUpstreamFailure, err, "allocate transport")
	}
	if err := o.store.AddParticipant(ctx, s.ID, uid); err != nil {
		_ = tr.Close()
		return err
	}
	now := o.now()
	if s.Status == domain.StatusPending {
		if _, err := o.store.UpdateStatus(ctx, s.ID, domain.StatusActive); err != nil {
			o.log.Warn().Err(err).Str("session_id", string(s.ID)).Msg("activate session")
		}
		_ = s.Transition(domain.StatusActive, now)
		metrics.SessionsTotal.WithLabelValues("activated").Inc()
	}
	s.AddParticipant(uid)
	e.Members[uid] = &domain.Participant{UserID: uid, Role: role, JoinedAt: now, TransportID: tr.ID()}
	e.Transports[uid] = tr
	if _, ok := e.Attended[uid]; !ok {
		e.Attended[uid] = now
	}

	o.relay.JoinRoom(uid, s.ID)
	o.relay.BroadcastToRoom(s.ID, EvtPeerJoined, map[string]any{"userId": uid, "role": role}, uid)
	metrics.JoinsTotal.WithLabelValues("admitted").Inc()
	o.log.Info().Str("session_id", string(s.ID)).Str("user_id", string(uid)).Str("role", string(role)).Msg("participant admitted")
	return nil
}

func (o *Orchestrator) LeaveSession(ctx context.Context, id domain.SessionID, uid domain.UserID) error {
	e, err := o.registry.Acquire(id)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindInvalidState:
			return nil
		case domain.KindNotFound:
			// Ended or orphaned sessions have nothing left to release.
			_, serr := o.store.FindByID(ctx, id)
			return serr
		}
		return err
	}
	defer e.Unlock()

	_, member := e.Members[uid]
	idx := e.WaitingIndex(uid)
	if !member && idx < 0 {
		return nil
	}
	if idx >= 0 {
		e.Waiting = append(e.Waiting[:idx], e.Waiting[idx+1:]...)
		o.broadcastWaitingLocked(e)
	}
	if !member {
		return nil
	}

	o.releaseUserLocked(e, uid)
	delete(e.Members, uid)
	e.Session.RemoveParticipant(uid)
	if err := o.store.RemoveParticipant(context.WithoutCancel(ctx), id, uid); err != nil {
		o.log.Warn().Err(err).Str("session_id", string(id)).Str("user_id", string(uid)).Msg("remove participant")
	}
	o.relay.LeaveRoom(uid, id)
	o.relay.BroadcastToRoom(id, EvtPeerLeft, map[string]any{"userId": uid}, uid)
	o.log.Info().Str("session_id", string(id)).Str("user_id", string(uid)).Msg("participant left")

	if len(e.Members) == 0 {
		o.endLocked(ctx, e, "empty")
	}
	return nil
}

// releaseUserLocked closes every media handle uid owns, in the session and in
// any breakout room, plus other users' consumers of uid's producers.
func (o *Orchestrator) releaseUserLocked(e *app.SessionEntry, uid domain.UserID) {
	for cid, c := range e.Consumers {
		if c.UserID == uid {
			o.closeConsumer(e, cid)
		}
	}
	for pid, p := range e.Producers {
		if p.UserID == uid {
			o.closeProducer(e, pid)
		}
	}
	// A host may sit in several rooms it hosts.
	for _, b := range e.Breakouts {
		if tr, ok := b.Transports[uid]; ok {
			o.closeTransport(e.ID, tr)
			delete(b.Transports, uid)
		}
		b.Room.RemoveParticipant(uid)
	}
	if tr, ok := e.Transports[uid]; ok {
		o.closeTransport(e.ID, tr)
		delete(e.Transports, uid)
	}
}

func (o *Orchestrator) closeConsumer(e *app.SessionEntry, cid string) {
	c, ok := e.Consumers[cid]
	if !ok {
		return
	}
	if err := c.Consumer.Close(); err != nil {
		o.log.Debug().Err(err).Str("session_id", string(e.ID)).Str("consumer_id", cid).Msg("close consumer")
	}
	delete(e.Consumers, cid)
}

func (o *Orchestrator) closeProducer(e *app.SessionEntry, pid string) {
	p, ok := e.Producers[pid]
	if !ok {
		return
	}
	for cid, c := range e.Consumers {
		if c.Consumer.ProducerID() == pid {
			o.closeConsumer(e, cid)
		}
	}
	if err := p.Producer.Close(); err != nil {
		o.log.Debug().Err(err).Str("session_id", string(e.ID)).Str("producer_id", pid).Msg("close producer")
	}
	delete(e.Producers, pid)
	if m, ok := e.Members[p.UserID]; ok && m.Producers > 0 {
		m.Producers--
	}
	if !e.Closed() {
		o.relay.BroadcastToRoom(e.ID, EvtProducerClosed, map[string]any{"producerId": pid, "userId": p.UserID}, p.UserID)
	}
}

func (o *Orchestrator) closeTransport(id domain.SessionID, tr core.Transport) {
	if err := tr.Close(); err != nil {
		o.log.Debug().Err(err).Str("session_id", string(id)).Str("transport_id", tr.ID()).Msg("close transport")
	}
}

// EndSession tears a live session down. Ending an ended session is a no-op.
func (o *Orchestrator) EndSession(ctx context.Context, id domain.SessionID) error {
	e, err := o.registry.Acquire(id)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindInvalidState:
			return nil
		case domain.KindNotFound:
			s, serr := o.store.FindByID(ctx, id)
			if serr != nil {
				return serr
			}
			if s.Status.Live() {
				o.abandon(ctx, id, "orphaned")
			}
			return nil
		}
		return err
	}
	defer e.Unlock()
	o.endLocked(ctx, e, "ended")
	return nil
}

// EndSessionAs is EndSession restricted to the session host.
func (o *Orchestrator) EndSessionAs(ctx context.Context, id domain.SessionID, caller domain.UserID) error {
	e, err := o.registry.Acquire(id)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			s, serr := o.store.FindByID(ctx, id)
			if serr != nil {
				return serr
			}
			if s.StartedBy != caller {
				return domain.E(domain.KindForbidden, "only the session host may do this")
			}
			return o.EndSession(ctx, id)
		}
		if domain.KindOf(err) == domain.KindInvalidState {
			return nil
		}
		return err
	}
	defer e.Unlock()
	if err := requireHost(e, caller); err != nil {
		return err
	}
	o.endLocked(ctx, e, "ended-by-host")
	return nil
}

func (o *Orchestrator) endLocked(ctx context.Context, e *app.SessionEntry, reason string) {
	ctx = context.WithoutCancel(ctx)
	l := o.log.With().Str("session_id", string(e.ID)).Logger()
	e.MarkClosed()

	if len(e.Breakouts) > 0 {
		o.teardownBreakoutsLocked(e)
	}
	if e.Recording != nil {
		if _, err := o.recorder.Stop(ctx, e.Recording.ID); err != nil {
			l.Warn().Err(err).Str("recording_id", string(e.Recording.ID)).Msg("stop recording on end")
		}
		e.Recording = nil
	}
	o.closeTapsLocked(e)

	for cid := range e.Consumers {
		o.closeConsumer(e, cid)
	}
	for pid := range e.Producers {
		o.closeProducer(e, pid)
	}
	for uid, tr := range e.Transports {
		o.closeTransport(e.ID, tr)
		delete(e.Transports, uid)
	}
	if err := e.Router.Close(); err != nil {
		l.Debug().Err(err).Msg("close router")
	}

	now := o.now()
	_ = e.Session.Transition(domain.StatusEnded, now)
	if _, err := o.store.UpdateStatus(ctx, e.ID, domain.StatusEnded); err != nil {
		l.Error().Err(err).Msg("persist ended status")
	}
	recIDs := make([]string, 0, len(e.Recordings))
	for _, r := range e.Recordings {
		recIDs = append(recIDs, string(r))
	}
	meta := map[string]any{
		"duration":         now.Sub(e.Session.StartedAt).Seconds(),
		"participantCount": len(e.Attended),
		"recordingIds":     recIDs,
		"chatMessages":     len(e.Chat),
		"endReason":        reason,
	}
	retention := e.Session.Options.ChatRetentionDays
	if retention > 0 {
		meta["chatTranscript"] = append([]domain.ChatMessage(nil), e.Chat...)
		meta["chatRetentionDays"] = retention
	}
	if err := o.store.UpdateMetadata(ctx, e.ID, meta); err != nil {
		l.Error().Err(err).Msg("persist terminal metadata")
	}
	if retention > 0 && len(e.Chat) > 0 && o.archiver != nil {
		actx, cancel := context.WithTimeout(ctx, o.cfg.ArchiveTimeout)
		if err := o.archiver.Archive(actx, e.ID, e.Chat, retention); err != nil {
			l.Warn().Err(err).Msg("archive chat transcript")
		}
		cancel()
	}

	o.relay.BroadcastToRoom(e.ID, EvtSessionEnded, map[string]any{"sessionId": e.ID, "reason": reason}, "")
	o.relay.CloseRoom(e.ID)
	e.Members = map[domain.UserID]*domain.Participant{}
	e.Waiting = nil
	o.registry.Remove(e.ID)
	metrics.SessionsTotal.WithLabelValues("ended").Inc()
	l.Info().Str("reason", reason).Int("participants", len(e.Attended)).Msg("session ended")
}

func (o *Orchestrator) UpdateSessionSettings(ctx context.Context, id domain.SessionID, caller domain.UserID, patch domain.SettingsPatch) (*domain.MediaSession, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireHost(e, caller); err != nil {
		return nil, err
	}
	next, err := e.Session.Options.Merge(patch)
	if err != nil {
		return nil, err
	}
	if next.MaxParticipants < len(e.Members) {
		return nil, domain.Ef(domain.KindInvalidState, "maxParticipants %d is below the current %d participants", next.MaxParticipants, len(e.Members))
	}
	if err := o.store.UpdateOptions(ctx, id, next); err != nil {
		return nil, err
	}
	if err := o.store.UpdateMetadata(ctx, id, map[string]any{"settingsUpdatedAt": o.now(), "settingsUpdatedBy": string(caller)}); err != nil {
		o.log.Warn().Err(err).Str("session_id", string(id)).Msg("settings metadata")
	}
	e.Session.Options = next
	o.relay.BroadcastToRoom(id, EvtSessionSettingsUpdated, map[string]any{"options": next}, "")
	return e.Session.Clone(), nil
}

func (o *Orchestrator) DisconnectParticipant(ctx context.Context, id domain.SessionID, target, caller domain.UserID) error {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return err
	}
	if err := requireHost(e, caller); err != nil {
		e.Unlock()
		return err
	}
	_, member := e.Members[target]
	waiting := e.WaitingIndex(target) >= 0
	e.Unlock()
	if !member && !waiting {
		return domain.Ef(domain.KindNotFound, "user %s is not in session %s", target, id)
	}

	o.relay.BroadcastToUser(target, EvtDisconnect, map[string]any{"sessionId": id, "reason": "disconnected-by-host"})
	o.notify(core.Notification{
		UserID:    target,
		Kind:      core.NotifyForcedDisconnect,
		SessionID: id,
		Data:      map[string]any{"reason": "disconnected-by-host", "by": string(caller)},
	})
	return o.LeaveSession(ctx, id, target)
}

// GetSession serves live sessions from memory and everything else from the
// store.
func (o *Orchestrator) GetSession(ctx context.Context, id domain.SessionID) (*domain.MediaSession, error) {
	if e, err := o.registry.Acquire(id); err == nil {
		s := e.Session.Clone()
		e.Unlock()
		return s, nil
	}
	return o.store.FindByID(ctx, id)
}

func (o *Orchestrator) ListActiveSessionsForContext(ctx context.Context, t domain.SessionType, contextID string) ([]*domain.MediaSession, error) {
	return o.store.ListActiveByContext(ctx, t, contextID)
}

func (o *Orchestrator) ListActiveSessionsForUser(ctx context.Context, uid domain.UserID) ([]*domain.MediaSession, error) {
	return o.store.FindByParticipant(ctx, uid)
}

func (o *Orchestrator) ListParticipants(ctx context.Context, id domain.SessionID, caller domain.UserID) ([]domain.Participant, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireViewer(e, caller); err != nil {
		return nil, err
	}
	return participantsLocked(e), nil
}

func participantsLocked(e *app.SessionEntry) []domain.Participant {
	out := make([]domain.Participant, 0, len(e.Members))
	for _, m := range e.Members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// GetSessionStats is open to the host and the session's participants. Ended
// sessions are answered from the store.
func (o *Orchestrator) GetSessionStats(ctx context.Context, id domain.SessionID, caller domain.UserID) (*SessionStats, error) {
	e, err := o.registry.Acquire(id)
	if err != nil {
		s, serr := o.store.FindByID(ctx, id)
		if serr != nil {
			return nil, serr
		}
		if s.StartedBy != caller && !s.HasParticipant(caller) {
			return nil, domain.Ef(domain.KindForbidden, "user %s may not view session %s", caller, id)
		}
		st := &SessionStats{
			SessionID:        s.ID,
			Status:           s.Status,
			ParticipantCount: len(s.Participants),
			Participants:     []domain.Participant{},
			StartTime:        s.StartedAt,
		}
		if s.EndedAt != nil {
			st.Duration = s.EndedAt.Sub(s.StartedAt).Seconds()
		}
		st.ChatMessages = metaInt(s.Metadata["chatMessages"])
		return st, nil
	}
	defer e.Unlock()
	if err := requireViewer(e, caller); err != nil {
		return nil, err
	}
	st := &SessionStats{
		SessionID:        e.ID,
		Status:           e.Session.Status,
		ParticipantCount: len(e.Members),
		Participants:     participantsLocked(e),
		WaitingCount:     len(e.Waiting),
		StartTime:        e.Session.StartedAt,
		Duration:         o.now().Sub(e.Session.StartedAt).Seconds(),
		BreakoutRooms:    len(e.Breakouts),
		ChatMessages:     len(e.Chat),
	}
	if e.Recording != nil {
		st.Recording = e.Recording.Clone()
	}
	return st, nil
}

// metaInt reads a count from metadata that may have been through JSON.
func metaInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
