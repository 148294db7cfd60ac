package orch

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"
)

func (o *Orchestrator) CreateBreakoutRooms(ctx context.Context, id domain.SessionID, caller domain.UserID, specs []domain.BreakoutRoomSpec) ([]domain.BreakoutRoom, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireHost(e, caller); err != nil {
		return nil, err
	}
	s := e.Session
	if !s.Options.EnableBreakoutRooms {
		return nil, domain.E(domain.KindInvalidState, "breakout rooms are disabled for this session")
	}
	if len(e.Breakouts) > 0 {
		return nil, domain.E(domain.KindInvalidState, "breakout rooms already exist")
	}
	if len(specs) == 0 {
		return nil, domain.E(domain.KindInvalidState, "at least one breakout room is required")
	}
	if err := validateAssignments(e, specs, caller); err != nil {
		return nil, err
	}

	now := o.now()
	built := make([]*app.BreakoutState, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			b, err := o.buildBreakout(gctx, s, spec, now)
			if b != nil {
				built[i] = b
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range built {
			if b != nil {
				o.releaseBreakout(e.ID, b)
			}
		}
		o.log.Error().Err(err).Str("session_id", string(id)).Msg("breakout room creation failed")
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "create breakout rooms")
	}

	rooms := make([]domain.BreakoutRoom, 0, len(built))
	for _, b := range built {
		e.Breakouts[b.Room.ID] = b
		for _, uid := range b.Room.Participants {
			if m, ok := e.Members[uid]; ok {
				m.BreakoutRoom = b.Room.ID
			}
		}
		rooms = append(rooms, cloneRoom(b.Room))
	}
	o.relay.BroadcastToRoom(id, EvtBreakoutRoomsCreated, map[string]any{"rooms": rooms}, "")
	o.log.Info().Str("session_id", string(id)).Int("rooms", len(rooms)).Msg("breakout rooms created")
	return rooms, nil
}

// buildBreakout returns whatever it allocated, even on error, so the caller
// can release it.
func (o *Orchestrator) buildBreakout(ctx context.Context, s *domain.MediaSession, spec domain.BreakoutRoomSpec, now time.Time) (*app.BreakoutState, error) {
	router, err := o.engine.CreateRouter(ctx, core.RouterOptions{
		Codecs:       core.DefaultCodecs(s.Options.VideoCodec, s.Options.StartBitrate),
		StartBitrate: s.Options.StartBitrate,
	})
	if err != nil {
		return nil, err
	}
	b := &app.BreakoutState{
		Room: domain.BreakoutRoom{
			ID:        domain.NewBreakoutRoomID(),
			SessionID: s.ID,
			Name:      spec.Name,
			HostID:    spec.HostID,
			StartTime: now,
		},
		Router:     router,
		Transports: make(map[domain.UserID]core.Transport),
	}
	b.Room.AddParticipant(spec.HostID)
	for _, p := range spec.Participants {
		b.Room.AddParticipant(p)
	}
	opts := o.transportOptions(s, spec.HostID)
	opts.AppData["breakoutRoomId"] = string(b.Room.ID)
	tr, err := router.CreateTransport(ctx, opts)
	if err != nil {
		return b, err
	}
	b.Transports[spec.HostID] = tr
	return b, nil
}

func (o *Orchestrator) releaseBreakout(id domain.SessionID, b *app.BreakoutState) {
	var wg conc.WaitGroup
	for _, tr := range b.Transports {
		wg.Go(func() { o.closeTransport(id, tr) })
	}
	wg.Wait()
	clear(b.Transports)
	if err := b.Router.Close(); err != nil {
		o.log.Debug().Err(err).Str("session_id", string(id)).Str("room_id", string(b.Room.ID)).Msg("close breakout router")
	}
}

func (o *Orchestrator) JoinBreakoutRoom(ctx context.Context, id domain.SessionID, roomID domain.RoomID, uid domain.UserID) (*core.TransportInfo, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	m, err := requireMember(e, uid)
	if err != nil {
		return nil, err
	}
	target, ok := e.Breakouts[roomID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "breakout room %s not found", roomID)
	}
	if tr, ok := target.Transports[uid]; ok {
		info := tr.Info()
		return &info, nil
	}

	for _, b := range e.Breakouts {
		if b.Room.ID == roomID || !b.Room.HasParticipant(uid) {
			continue
		}
		o.closeRoomMediaLocked(e, b, uid)
		b.Room.RemoveParticipant(uid)
	}

	opts := o.transportOptions(e.Session, uid)
	opts.AppData["breakoutRoomId"] = string(roomID)
	tr, err := target.Router.CreateTransport(ctx, opts)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "allocate breakout transport")
	}
	target.Transports[uid] = tr
	target.Room.AddParticipant(uid)
	m.BreakoutRoom = roomID
	o.log.Info().Str("session_id", string(id)).Str("user_id", string(uid)).Str("room_id", string(roomID)).Msg("joined breakout room")
	info := tr.Info()
	return &info, nil
}

// closeRoomMediaLocked closes uid's producers, consumers and transport in b.
func (o *Orchestrator) closeRoomMediaLocked(e *app.SessionEntry, b *app.BreakoutState, uid domain.UserID) {
	tr, ok := b.Transports[uid]
	if !ok {
		return
	}
	for pid, p := range e.Producers {
		if p.TransportID == tr.ID() {
			o.closeProducer(e, pid)
		}
	}
	for cid, c := range e.Consumers {
		if c.TransportID == tr.ID() {
			o.closeConsumer(e, cid)
		}
	}
	o.closeTransport(e.ID, tr)
	delete(b.Transports, uid)
}

func (o *Orchestrator) EndBreakoutRooms(ctx context.Context, id domain.SessionID, caller domain.UserID) ([]domain.BreakoutRoom, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if err := requireHost(e, caller); err != nil {
		return nil, err
	}
	if len(e.Breakouts) == 0 {
		return nil, domain.E(domain.KindInvalidState, "no breakout rooms to end")
	}
	ended := o.teardownBreakoutsLocked(e)
	o.relay.BroadcastToRoom(id, EvtBreakoutRoomsEnded, map[string]any{"rooms": ended}, "")
	return ended, nil
}

// teardownBreakoutsLocked closes every breakout transport and waits for all of
// them before any router is closed or record removed.
func (o *Orchestrator) teardownBreakoutsLocked(e *app.SessionEntry) []domain.BreakoutRoom {
	owned := make(map[string]bool)
	for _, b := range e.Breakouts {
		for _, tr := range b.Transports {
			owned[tr.ID()] = true
		}
	}
	for pid, p := range e.Producers {
		if owned[p.TransportID] {
			o.closeProducer(e, pid)
		}
	}
	for cid, c := range e.Consumers {
		if owned[c.TransportID] {
			o.closeConsumer(e, cid)
		}
	}

	var wg conc.WaitGroup
	for _, b := range e.Breakouts {
		for _, tr := range b.Transports {
			wg.Go(func() { o.closeTransport(e.ID, tr) })
		}
	}
	wg.Wait()

	now := o.now()
	ended := make([]domain.BreakoutRoom, 0, len(e.Breakouts))
	for _, rid := range slices.Sorted(maps.Keys(e.Breakouts)) {
		b := e.Breakouts[rid]
		clear(b.Transports)
		if err := b.Router.Close(); err != nil {
			o.log.Debug().Err(err).Str("session_id", string(e.ID)).Str("room_id", string(rid)).Msg("close breakout router")
		}
		b.Room.EndTime = &now
		ended = append(ended, cloneRoom(b.Room))
	}
	clear(e.Breakouts)
	for _, m := range e.Members {
		m.BreakoutRoom = ""
	}
	o.log.Info().Str("session_id", string(e.ID)).Int("rooms", len(ended)).Msg("breakout rooms ended")
	return ended
}

// ListBreakoutRooms is open to any admitted participant.
func (o *Orchestrator) ListBreakoutRooms(ctx context.Context, id domain.SessionID, uid domain.UserID) ([]domain.BreakoutRoom, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if _, err := requireMember(e, uid); err != nil {
		return nil, err
	}
	out := make([]domain.BreakoutRoom, 0, len(e.Breakouts))
	for _, rid := range slices.Sorted(maps.Keys(e.Breakouts)) {
		out = append(out, cloneRoom(e.Breakouts[rid].Room))
	}
	return out, nil
}

func cloneRoom(r domain.BreakoutRoom) domain.BreakoutRoom {
	r.Participants = slices.Clone(r.Participants)
	if r.EndTime != nil {
		t := *r.EndTime
		r.EndTime = &t
	}
	return r
}

// validateAssignments defaults empty hosts to caller and checks that every
// named user is a member. A host may run several rooms; any other user sits in
// exactly one, and never in a room hosted by someone else while hosting one.
func validateAssignments(e *app.SessionEntry, specs []domain.BreakoutRoomSpec, caller domain.UserID) error {
	hosts := make(map[domain.UserID]bool, len(specs))
	for i := range specs {
		if specs[i].HostID == "" {
			specs[i].HostID = caller
		}
		if _, ok := e.Members[specs[i].HostID]; !ok {
			return domain.Ef(domain.KindInvalidState, "breakout host %s is not a participant", specs[i].HostID)
		}
		hosts[specs[i].HostID] = true
	}
	seen := make(map[domain.UserID]bool)
	for _, spec := range specs {
		for _, p := range spec.Participants {
			if _, ok := e.Members[p]; !ok {
				return domain.Ef(domain.KindInvalidState, "user %s is not a participant", p)
			}
			if p == spec.HostID {
				continue
			}
			if hosts[p] {
				return domain.Ef(domain.KindInvalidState, "user %s hosts a breakout room and cannot join another", p)
			}
			if seen[p] {
				return domain.Ef(domain.KindInvalidState, "user %s is assigned to more than one room", p)
			}
			seen[p] = true
		}
	}
	return nil
}
