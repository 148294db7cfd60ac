package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Teleroom/internal/adapters/auth"
	"github.com/dkeye/Teleroom/internal/adapters/store"
	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeEngine counts open handles so tests can assert nothing leaks.
type fakeEngine struct {
	routers, transports, producers, consumers, taps atomic.Int32

	failTransports atomic.Bool
	rejectConsume  atomic.Bool
}

func (f *fakeEngine) CreateRouter(context.Context, core.RouterOptions) (core.Router, error) {
	f.routers.Add(1)
	return &fakeRouter{id: uuid.NewString(), eng: f}, nil
}

func (f *fakeEngine) Healthy() error { return nil }
func (f *fakeEngine) Close() error   { return nil }

func (f *fakeEngine) open() int32 {
	return f.routers.Load() + f.transports.Load() + f.producers.Load() + f.consumers.Load() + f.taps.Load()
}

type closer struct {
	once sync.Once
}

func (c *closer) close(n *atomic.Int32) {
	c.once.Do(func() { n.Add(-1) })
}

type fakeRouter struct {
	closer
	id  string
	eng *fakeEngine
}

func (r *fakeRouter) ID() string                 { return r.id }
func (r *fakeRouter) Capabilities() []core.Codec { return core.DefaultCodecs(domain.CodecVP8, 1000) }

func (r *fakeRouter) CreateTransport(context.Context, core.TransportOptions) (core.Transport, error) {
	if r.eng.failTransports.Load() {
		return nil, errors.New("no ports left")
	}
	r.eng.transports.Add(1)
	return &fakeTransport{id: uuid.NewString(), router: r}, nil
}

func (r *fakeRouter) CanConsume(string, []core.Codec) bool { return !r.eng.rejectConsume.Load() }

func (r *fakeRouter) Close() error {
	r.close(&r.eng.routers)
	return nil
}

func (r *fakeRouter) TapProducer(_ context.Context, producerID string) (core.StreamTap, error) {
	r.eng.taps.Add(1)
	c := &closer{}
	return core.StreamTap{
		URL: "rtp://127.0.0.1/" + producerID + ".sdp",
		Close: func() error {
			c.close(&r.eng.taps)
			return nil
		},
	}, nil
}

type fakeTransport struct {
	closer
	id     string
	router *fakeRouter
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Info() core.TransportInfo {
	return core.TransportInfo{ID: t.id, RouterID: t.router.id}
}

func (t *fakeTransport) Connect(_ context.Context, offer core.SessionDescription) (core.SessionDescription, error) {
	return core.SessionDescription{Type: "answer", SDP: "v=0 " + offer.SDP}, nil
}

func (t *fakeTransport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	t.router.eng.producers.Add(1)
	return &fakeProducer{id: uuid.NewString(), opts: opts, eng: t.router.eng}, nil
}

func (t *fakeTransport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	t.router.eng.consumers.Add(1)
	c := &fakeConsumer{id: uuid.NewString(), producerID: opts.ProducerID, eng: t.router.eng}
	c.paused.Store(opts.Paused)
	return c, nil
}

func (t *fakeTransport) Close() error {
	t.close(&t.router.eng.transports)
	return nil
}

type fakeProducer struct {
	closer
	id   string
	opts core.ProduceOptions
	eng  *fakeEngine
}

func (p *fakeProducer) ID() string                 { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind     { return p.opts.Kind }
func (p *fakeProducer) Source() domain.MediaSource { return p.opts.Source }
func (p *fakeProducer) Codec() core.Codec          { return p.opts.Codec }

func (p *fakeProducer) Close() error {
	p.close(&p.eng.producers)
	return nil
}

type fakeConsumer struct {
	closer
	id         string
	producerID string
	paused     atomic.Bool
	eng        *fakeEngine
}

func (c *fakeConsumer) ID() string             { return c.id }
func (c *fakeConsumer) ProducerID() string     { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind { return domain.KindVideo }
func (c *fakeConsumer) Paused() bool           { return c.paused.Load() }

func (c *fakeConsumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.close(&c.eng.consumers)
	return nil
}

type relayEvent struct {
	Target string
	Event  string
	Data   any
	Except domain.UserID
}

type fakeRelay struct {
	mu     sync.Mutex
	events []relayEvent
	rooms  map[domain.SessionID]map[domain.UserID]bool
	closed []domain.SessionID
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{rooms: make(map[domain.SessionID]map[domain.UserID]bool)}
}

func (r *fakeRelay) JoinRoom(uid domain.UserID, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[sid] == nil {
		r.rooms[sid] = make(map[domain.UserID]bool)
	}
	r.rooms[sid][uid] = true
}

func (r *fakeRelay) LeaveRoom(uid domain.UserID, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms[sid], uid)
}

func (r *fakeRelay) BroadcastToRoom(sid domain.SessionID, event string, data any, except domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, relayEvent{Target: "room:" + string(sid), Event: event, Data: data, Except: except})
}

func (r *fakeRelay) BroadcastToUser(uid domain.UserID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, relayEvent{Target: "user:" + string(uid), Event: event, Data: data})
}

func (r *fakeRelay) CloseRoom(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, sid)
	r.closed = append(r.closed, sid)
}

func (r *fakeRelay) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *fakeRelay) last(event string) (relayEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Event == event {
			return r.events[i], true
		}
	}
	return relayEvent{}, false
}

func (r *fakeRelay) inRoom(sid domain.SessionID, uid domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[sid][uid]
}

type fakeRoster struct {
	denied map[domain.UserID]bool
}

func (f *fakeRoster) IsParticipant(_ context.Context, _ domain.SessionType, _ string, uid domain.UserID) (bool, error) {
	return !f.denied[uid], nil
}

type fakeNotifier struct {
	ch chan core.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n core.Notification) error {
	f.ch <- n
	return nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	messages []domain.ChatMessage
	days     int
}

func (f *fakeArchiver) Archive(_ context.Context, _ domain.SessionID, msgs []domain.ChatMessage, days int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
	f.days = days
	return nil
}

// fakeRecorder tracks recordings in memory. Stop of an unknown id is NotFound.
type fakeRecorder struct {
	mu       sync.Mutex
	recs     map[domain.RecordingID]*domain.Recording
	requests []core.RecordingRequest
	failNext bool
	watchers []func(*domain.Recording)
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{recs: make(map[domain.RecordingID]*domain.Recording)}
}

func (f *fakeRecorder) Start(_ context.Context, req core.RecordingRequest) (*domain.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, domain.E(domain.KindUpstreamFailure, "encoder failed to start")
	}
	f.requests = append(f.requests, req)
	now := time.Now()
	r := &domain.Recording{
		ID:        domain.RecordingID(uuid.NewString()),
		SessionID: req.SessionID,
		Status:    domain.RecRecording,
		Quality:   req.Quality,
		Format:    req.Format,
		Streams:   req.Streams,
		StartedAt: &now,
	}
	f.recs[r.ID] = r
	return r.Clone(), nil
}

func (f *fakeRecorder) Stop(_ context.Context, id domain.RecordingID) (*domain.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if r.Status == domain.RecRecording {
		r.Status = domain.RecProcessing
		r.Stamp(time.Now())
	}
	return r.Clone(), nil
}

func (f *fakeRecorder) Find(_ context.Context, id domain.RecordingID) (*domain.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok || r.Deleted {
		return nil, domain.ErrNotFound
	}
	return r.Clone(), nil
}

func (f *fakeRecorder) List(_ context.Context, sid domain.SessionID) ([]*domain.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*domain.Recording{}
	for _, r := range f.recs {
		if r.SessionID == sid && !r.Deleted {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *fakeRecorder) Delete(_ context.Context, id domain.RecordingID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status == domain.RecRecording {
		return domain.E(domain.KindInvalidState, "recording is still running")
	}
	r.Deleted = true
	return nil
}

func (f *fakeRecorder) OnSettled(fn func(*domain.Recording)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, fn)
}

// crash fails a running recording the way a dying encoder does.
func (f *fakeRecorder) crash(id domain.RecordingID, reason string) {
	f.mu.Lock()
	r := f.recs[id]
	r.Stamp(time.Now())
	r.Fail(reason)
	final := r.Clone()
	watchers := append([]func(*domain.Recording){}, f.watchers...)
	f.mu.Unlock()
	for _, fn := range watchers {
		fn(final.Clone())
	}
}

func (f *fakeRecorder) status(id domain.RecordingID) domain.RecordingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[id].Status
}

type harness struct {
	o        *Orchestrator
	engine   *fakeEngine
	store    *store.MemoryStore
	relay    *fakeRelay
	roster   *fakeRoster
	notes    *fakeNotifier
	recorder *fakeRecorder
	archiver *fakeArchiver
	registry *app.SessionRegistry
	tokens   *auth.Tokens
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:   &fakeEngine{},
		store:    store.NewMemoryStore(),
		relay:    newFakeRelay(),
		roster:   &fakeRoster{denied: map[domain.UserID]bool{}},
		notes:    &fakeNotifier{ch: make(chan core.Notification, 32)},
		recorder: newFakeRecorder(),
		archiver: &fakeArchiver{},
		registry: app.NewSessionRegistry(),
		tokens:   auth.NewTokens("test-secret", time.Hour),
	}
	o, err := New(Deps{
		Engine:   h.engine,
		Store:    h.store,
		Roster:   h.roster,
		Notifier: h.notes,
		Relay:    h.relay,
		Recorder: h.recorder,
		Tokens:   h.tokens,
		Archiver: h.archiver,
		Registry: h.registry,
	}, Config{NotifyTimeout: time.Second})
	require.NoError(t, err)
	h.o = o
	return h
}

func (h *harness) create(t *testing.T, opts domain.SessionOptions) *domain.MediaSession {
	t.Helper()
	s, token, err := h.o.CreateSession(context.Background(), CreateSessionInput{
		Type:      domain.SessionChat,
		ContextID: "ctx-" + uuid.NewString(),
		StartedBy: "host",
		Options:   opts,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return s
}

func (h *harness) join(t *testing.T, sid domain.SessionID, uid domain.UserID) *JoinResult {
	t.Helper()
	role := domain.RoleParticipant
	if uid == "host" {
		role = domain.RoleHost
	}
	res, err := h.o.JoinSession(context.Background(), sid, uid, role)
	require.NoError(t, err)
	return res
}

func (h *harness) nextNote(t *testing.T) core.Notification {
	t.Helper()
	select {
	case n := <-h.notes.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return core.Notification{}
	}
}

// produce publishes a camera track for uid on its main transport.
func (h *harness) produce(t *testing.T, sid domain.SessionID, uid domain.UserID, joined *JoinResult) string {
	t.Helper()
	id, err := h.o.Produce(context.Background(), ProduceInput{
		SessionID:   sid,
		UserID:      uid,
		TransportID: joined.Transport.ID,
		Kind:        domain.KindVideo,
		Source:      domain.SourceCamera,
	})
	require.NoError(t, err)
	return id
}

func kindOf(t *testing.T, err error) domain.Kind {
	t.Helper()
	require.Error(t, err)
	return domain.KindOf(err)
}
