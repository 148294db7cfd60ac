package orch

import (
	"context"
	"maps"
	"slices"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
)

func (o *Orchestrator) StartRecording(ctx context.Context, id domain.SessionID, caller domain.UserID) (*domain.Recording, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireHost(e, caller); err != nil {
		return nil, err
	}
	opts := e.Session.Options
	if !opts.EnableRecording {
		return nil, domain.E(domain.KindInvalidState, "recording is disabled for this session")
	}
	if e.Recording != nil {
		return nil, domain.Ef(domain.KindInvalidState, "recording %s is already active", e.Recording.ID)
	}

	streams := o.tapStreamsLocked(ctx, e)
	if !slices.ContainsFunc(streams, func(st domain.RecordingStream) bool { return st.URL != "" }) {
		o.closeTapsLocked(e)
		return nil, domain.E(domain.KindInvalidState, "nothing to record: no capturable media in the main room")
	}
	rec, err := o.recorder.Start(ctx, core.RecordingRequest{
		SessionID:  id,
		Streams:    streams,
		Quality:    opts.RecordingQuality,
		Format:     opts.RecordingFormat,
		Resolution: opts.RecordingResolution,
		Analytics:  domain.RecordingAnalytics{ParticipantStats: participantStatsLocked(e)},
	})
	if err != nil {
		o.closeTapsLocked(e)
		return nil, err
	}
	e.Recording = rec
	e.Recordings = append(e.Recordings, rec.ID)
	o.relay.BroadcastToRoom(id, EvtRecordingStatus, map[string]any{
		"recordingId": rec.ID,
		"status":      domain.RecRecording,
		"startedBy":   caller,
	}, "")
	o.log.Info().Str("session_id", string(id)).Str("recording_id", string(rec.ID)).Int("streams", len(streams)).Msg("recording started")
	return rec.Clone(), nil
}

// tapStreamsLocked collects main-room producers. When the router can mirror
// RTP the stream gets a URL the encoder can read.
func (o *Orchestrator) tapStreamsLocked(ctx context.Context, e *app.SessionEntry) []domain.RecordingStream {
	tapper, canTap := e.Router.(core.ProducerTapper)
	streams := make([]domain.RecordingStream, 0, len(e.Producers))
	for _, pid := range slices.Sorted(maps.Keys(e.Producers)) {
		p := e.Producers[pid]
		if p.RoomID != "" {
			continue
		}
		st := domain.RecordingStream{
			ProducerID: pid,
			UserID:     p.UserID,
			Kind:       p.Producer.Kind(),
			Source:     p.Producer.Source(),
		}
		if canTap {
			tap, err := tapper.TapProducer(ctx, pid)
			if err != nil {
				o.log.Warn().Err(err).Str("session_id", string(e.ID)).Str("producer_id", pid).Msg("tap producer")
			} else {
				st.URL = tap.URL
				e.Taps = append(e.Taps, tap)
			}
		}
		streams = append(streams, st)
	}
	return streams
}

func (o *Orchestrator) closeTapsLocked(e *app.SessionEntry) {
	for _, t := range e.Taps {
		if t.Close == nil {
			continue
		}
		if err := t.Close(); err != nil {
			o.log.Debug().Err(err).Str("session_id", string(e.ID)).Msg("close tap")
		}
	}
	e.Taps = nil
}

func participantStatsLocked(e *app.SessionEntry) []domain.ParticipantStat {
	out := make([]domain.ParticipantStat, 0, len(e.Members))
	for _, m := range participantsLocked(e) {
		out = append(out, domain.ParticipantStat{UserID: m.UserID, JoinedAt: m.JoinedAt, Producers: m.Producers})
	}
	return out
}

func (o *Orchestrator) StopRecording(ctx context.Context, id domain.SessionID, caller domain.UserID) (*domain.Recording, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireHost(e, caller); err != nil {
		return nil, err
	}
	if e.Recording == nil {
		return nil, domain.E(domain.KindInvalidState, "no active recording")
	}
	rid := e.Recording.ID
	rec, err := o.recorder.Stop(ctx, rid)
	o.closeTapsLocked(e)
	e.Recording = nil
	if err != nil {
		return nil, err
	}
	o.relay.BroadcastToRoom(id, EvtRecordingStatus, map[string]any{
		"recordingId": rid,
		"status":      domain.RecProcessing,
	}, "")
	o.log.Info().Str("session_id", string(id)).Str("recording_id", string(rid)).Msg("recording stopped")
	return rec, nil
}

// recordingSettled releases the session's handle on a recording that ended
// without StopRecording, so a new one can start.
func (o *Orchestrator) recordingSettled(rec *domain.Recording) {
	e, err := o.registry.Acquire(rec.SessionID)
	if err != nil {
		return
	}
	defer e.Unlock()
	if e.Recording == nil || e.Recording.ID != rec.ID {
		return
	}
	o.closeTapsLocked(e)
	e.Recording = nil
	data := map[string]any{
		"recordingId": rec.ID,
		"status":      rec.Status,
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	o.relay.BroadcastToRoom(rec.SessionID, EvtRecordingStatus, data, "")
	o.log.Warn().
		Str("session_id", string(rec.SessionID)).
		Str("recording_id", string(rec.ID)).
		Str("status", string(rec.Status)).
		Str("error", rec.Error).
		Msg("recording ended on its own")
}

// ListRecordings and GetRecording are host-only, like every other recording
// control.
func (o *Orchestrator) ListRecordings(ctx context.Context, id domain.SessionID, caller domain.UserID) ([]*domain.Recording, error) {
	if err := o.requireSessionHost(ctx, id, caller); err != nil {
		return nil, err
	}
	return o.catalog.List(ctx, id)
}

func (o *Orchestrator) GetRecording(ctx context.Context, id domain.RecordingID, caller domain.UserID) (*domain.Recording, error) {
	rec, err := o.catalog.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.requireSessionHost(ctx, rec.SessionID, caller); err != nil {
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) requireSessionHost(ctx context.Context, id domain.SessionID, caller domain.UserID) error {
	s, err := o.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.StartedBy != caller {
		return domain.E(domain.KindForbidden, "only the session host may do this")
	}
	return nil
}

// DeleteRecording soft-deletes a finished recording on behalf of the host of
// the session it belongs to.
func (o *Orchestrator) DeleteRecording(ctx context.Context, id domain.RecordingID, caller domain.UserID) error {
	rec, err := o.GetRecording(ctx, id, caller)
	if err != nil {
		return err
	}
	if err := o.catalog.Delete(ctx, id); err != nil {
		return err
	}
	o.log.Info().Str("session_id", string(rec.SessionID)).Str("recording_id", string(id)).Msg("recording deleted")
	return nil
}
