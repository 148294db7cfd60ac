// Package orch owns session lifecycle: admission, waiting room, breakout
// rooms, chat, recording and media negotiation on top of the media engine.
package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay events emitted by the orchestrator.
const (
	EvtPeerJoined             = "peer-joined"
	EvtPeerLeft               = "peer-left"
	EvtWaitingRoomUpdated     = "waiting-room-updated"
	EvtWaitingRoomAdmitted    = "waiting-room-admitted"
	EvtWaitingRoomRejected    = "waiting-room-rejected"
	EvtBreakoutRoomsCreated   = "breakout-rooms-created"
	EvtBreakoutRoomsEnded     = "breakout-rooms-ended"
	EvtChatMessage            = "chat-message"
	EvtRecordingStatus        = "recording-status-update"
	EvtSessionEnded           = "session-ended"
	EvtSessionSettingsUpdated = "session-settings-updated"
	EvtNewProducer            = "new-producer"
	EvtProducerClosed         = "producer-closed"
	EvtDisconnect             = "disconnect"
)

var ErrEngineRequired = errors.New("media engine is required")

type Config struct {
	ListenIPs      []core.ListenIP
	EnableUDP      bool
	EnableTCP      bool
	PreferUDP      bool
	NotifyTimeout  time.Duration
	ArchiveTimeout time.Duration
}

// Deps are the collaborators of the orchestrator. Engine, Store, Relay,
// Recorder, Tokens and Registry are required.
type Deps struct {
	Engine   core.MediaEngine
	Store    core.SessionStore
	Roster   core.Roster
	Notifier core.Notifier
	Relay    core.Relay
	Recorder core.Recorder
	// Catalog defaults to Recorder when it implements core.RecordingCatalog.
	Catalog  core.RecordingCatalog
	Tokens   core.TokenIssuer
	Archiver core.ChatArchiver
	Registry *app.SessionRegistry
	Clock    func() time.Time
}

type Orchestrator struct {
	engine   core.MediaEngine
	store    core.SessionStore
	roster   core.Roster
	notifier core.Notifier
	relay    core.Relay
	recorder core.Recorder
	catalog  core.RecordingCatalog
	tokens   core.TokenIssuer
	archiver core.ChatArchiver
	registry *app.SessionRegistry
	now      func() time.Time
	cfg      Config
	log      zerolog.Logger
}

// New refuses to build an orchestrator without a healthy engine, so no
// session can be created against a broken media layer.
func New(d Deps, cfg Config) (*Orchestrator, error) {
	if d.Engine == nil {
		return nil, ErrEngineRequired
	}
	if err := d.Engine.Healthy(); err != nil {
		return nil, fmt.Errorf("media engine unhealthy: %w", err)
	}
	if d.Store == nil || d.Relay == nil || d.Recorder == nil || d.Tokens == nil || d.Registry == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	if d.Catalog == nil {
		c, ok := d.Recorder.(core.RecordingCatalog)
		if !ok {
			return nil, errors.New("orchestrator: missing recording catalog")
		}
		d.Catalog = c
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		engine:   d.Engine,
		store:    d.Store,
		roster:   d.Roster,
		notifier: d.Notifier,
		relay:    d.Relay,
		recorder: d.Recorder,
		catalog:  d.Catalog,
		tokens:   d.Tokens,
		archiver: d.Archiver,
		registry: d.Registry,
		now:      d.Clock,
		cfg:      cfg,
		log:      log.With().Str("module", "orch").Logger(),
	}
	if w, ok := d.Recorder.(core.RecordingWatcher); ok {
		w.OnSettled(o.recordingSettled)
	}
	return o, nil
}

// acquire locks the live entry of id. Sessions that are not registered are
// resolved against the store to tell unknown from ended.
func (o *Orchestrator) acquire(ctx context.Context, id domain.SessionID) (*app.SessionEntry, error) {
	e, err := o.registry.Acquire(id)
	if err == nil {
		return e, nil
	}
	if domain.KindOf(err) != domain.KindNotFound {
		return nil, err
	}
	s, serr := o.store.FindByID(ctx, id)
	if serr != nil {
		return nil, serr
	}
	if !s.Status.Live() {
		return nil, domain.E(domain.KindInvalidState, "session ended")
	}
	return nil, domain.Ef(domain.KindInvalidState, "session %s has no live media on this node", id)
}

func requireHost(e *app.SessionEntry, caller domain.UserID) error {
	if e.Session.StartedBy != caller {
		return domain.E(domain.KindForbidden, "only the session host may do this")
	}
	return nil
}

func requireMember(e *app.SessionEntry, uid domain.UserID) (*domain.Participant, error) {
	m, ok := e.Members[uid]
	if !ok {
		return nil, domain.Ef(domain.KindForbidden, "user %s is not an admitted participant", uid)
	}
	return m, nil
}

// requireViewer admits the host and admitted participants to read a live
// session.
func requireViewer(e *app.SessionEntry, uid domain.UserID) error {
	if e.Session.StartedBy == uid {
		return nil
	}
	if _, ok := e.Members[uid]; ok {
		return nil
	}
	return domain.Ef(domain.KindForbidden, "user %s may not view session %s", uid, e.ID)
}

func (o *Orchestrator) issue(uid domain.UserID, sid domain.SessionID, role domain.Role, scope core.TokenScope) (string, error) {
	tok, err := o.tokens.Issue(core.TokenClaims{UserID: uid, SessionID: sid, Role: role, Scope: scope})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return tok, nil
}

func (o *Orchestrator) transportOptions(s *domain.MediaSession, uid domain.UserID) core.TransportOptions {
	return core.TransportOptions{
		ListenIPs:      o.cfg.ListenIPs,
		EnableUDP:      o.cfg.EnableUDP,
		EnableTCP:      o.cfg.EnableTCP,
		PreferUDP:      o.cfg.PreferUDP,
		InitialBitrate: s.Options.StartBitrate,
		MinBitrate:     s.Options.MinBitrate,
		MaxBitrate:     s.Options.MaxBitrate,
		AppData: map[string]string{
			"sessionId": string(s.ID),
			"userId":    string(uid),
		},
	}
}

// notify never blocks the caller and never fails the operation.
func (o *Orchestrator) notify(n core.Notification) {
	if o.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = o.now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
		defer cancel()
		if err := o.notifier.Notify(ctx, n); err != nil {
			o.log.Warn().
				Err(err).
				Str("session_id", string(n.SessionID)).
				Str("user_id", string(n.UserID)).
				Str("kind", string(n.Kind)).
				Msg("notification failed")
		}
	}()
}

func (o *Orchestrator) isRosterMember(ctx context.Context, s *domain.MediaSession, uid domain.UserID) error {
	if o.roster == nil {
		return nil
	}
	ok, err := o.roster.IsParticipant(ctx, s.Type, s.ContextID, uid)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, err, "roster lookup")
	}
	if !ok {
		return domain.Ef(domain.KindUnauthorized, "user %s is not part of %s %s", uid, s.Type, s.ContextID)
	}
	return nil
}

// Shutdown ends every live session.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.registry.Drain(ctx, o.EndSession)
}

// ReapOrphans ends sessions the store believes are live but that have no
// registry entry, which happens after a restart.
func (o *Orchestrator) ReapOrphans(ctx context.Context) (int, error) {
	live, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range live {
		if _, ok := o.registry.Get(s.ID); ok {
			continue
		}
		if _, err := o.store.UpdateStatus(ctx, s.ID, domain.StatusEnded); err != nil {
			o.log.Warn().Err(err).Str("session_id", string(s.ID)).Msg("reap orphan")
			continue
		}
		_ = o.store.UpdateMetadata(ctx, s.ID, map[string]any{"endReason": "orphaned"})
		n++
	}
	if n > 0 {
		o.log.Info().Int("sessions", n).Msg("orphaned sessions ended")
	}
	return n, nil
}

// Healthy reports the media engine's health.
func (o *Orchestrator) Healthy() error {
	return o.engine.Healthy()
}
