package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/core/mocks"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestNewRequiresHealthyEngine(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.ErrorIs(t, err, ErrEngineRequired)

	ctrl := gomock.NewController(t)
	eng := mocks.NewMockMediaEngine(ctrl)
	eng.EXPECT().Healthy().Return(errors.New("worker died"))
	_, err = New(Deps{Engine: eng}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, token, err := h.o.CreateSession(ctx, CreateSessionInput{Type: domain.SessionTeletherapy, ContextID: "appt-1", StartedBy: "host"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, s.Status)
	assert.Equal(t, domain.DefaultTeletherapyParticipants, s.Options.MaxParticipants)
	assert.Equal(t, domain.CodecVP8, s.Options.VideoCodec)
	assert.EqualValues(t, 1, h.engine.routers.Load())

	claims, err := h.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, claims.Role)
	assert.Equal(t, core.ScopeMedia, claims.Scope)

	_, _, err = h.o.CreateSession(ctx, CreateSessionInput{Type: domain.SessionTeletherapy, ContextID: "appt-1", StartedBy: "host"})
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))

	// A different type with the same context id is a different context.
	_, _, err = h.o.CreateSession(ctx, CreateSessionInput{Type: domain.SessionChat, ContextID: "appt-1", StartedBy: "host"})
	require.NoError(t, err)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		in   CreateSessionInput
		kind domain.Kind
	}{
		{"bad type", CreateSessionInput{Type: "webinar", ContextID: "c", StartedBy: "u"}, domain.KindInvalidState},
		{"no context", CreateSessionInput{Type: domain.SessionChat, StartedBy: "u"}, domain.KindInvalidState},
		{"no caller", CreateSessionInput{Type: domain.SessionChat, ContextID: "c"}, domain.KindUnauthorized},
		{"bad codec", CreateSessionInput{Type: domain.SessionChat, ContextID: "c", StartedBy: "u", Options: domain.SessionOptions{VideoCodec: "AV1"}}, domain.KindInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.o.CreateSession(context.Background(), tt.in)
			assert.Equal(t, tt.kind, kindOf(t, err))
		})
	}
}

func TestCreateSessionRouterFailureEndsStoredSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := mocks.NewMockMediaEngine(ctrl)
	eng.EXPECT().Healthy().Return(nil)
	eng.EXPECT().CreateRouter(gomock.Any(), gomock.Any()).Return(nil, errors.New("no workers"))

	h := newHarness(t)
	o, err := New(Deps{Engine: eng, Store: h.store, Relay: h.relay, Recorder: h.recorder, Tokens: h.tokens, Registry: h.registry}, Config{})
	require.NoError(t, err)

	_, _, err = o.CreateSession(context.Background(), CreateSessionInput{Type: domain.SessionChat, ContextID: "room-9", StartedBy: "host"})
	assert.Equal(t, domain.KindUpstreamFailure, kindOf(t, err))

	_, err = h.store.FindActiveByContext(context.Background(), domain.SessionChat, "room-9")
	assert.Equal(t, domain.KindNotFound, kindOf(t, err))
	assert.Zero(t, h.registry.Len())
}

func TestJoinSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{})

	host := h.join(t, s.ID, "host")
	require.NotNil(t, host.Transport)
	assert.False(t, host.Waiting)
	assert.Equal(t, domain.StatusActive, host.Session.Status)

	stored, err := h.store.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Equal(t, []domain.UserID{"host"}, stored.Participants)

	alice := h.join(t, s.ID, "alice")
	assert.True(t, h.relay.inRoom(s.ID, "alice"))
	ev, ok := h.relay.last(EvtPeerJoined)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("alice"), ev.Except)

	again := h.join(t, s.ID, "alice")
	assert.Equal(t, alice.Transport.ID, again.Transport.ID)
	assert.Len(t, again.Session.Participants, 2)
	assert.EqualValues(t, 2, h.engine.transports.Load())
}

func TestJoinSessionRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{MaxParticipants: 2})
	h.roster.denied["mallory"] = true

	_, err := h.o.JoinSession(ctx, "missing", "alice", domain.RoleParticipant)
	assert.Equal(t, domain.KindNotFound, kindOf(t, err))

	_, err = h.o.JoinSession(ctx, s.ID, "alice", domain.RoleHost)
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	_, err = h.o.JoinSession(ctx, s.ID, "mallory", domain.RoleParticipant)
	assert.Equal(t, domain.KindUnauthorized, kindOf(t, err))

	h.join(t, s.ID, "host")
	h.join(t, s.ID, "alice")
	_, err = h.o.JoinSession(ctx, s.ID, "bob", domain.RoleParticipant)
	assert.Equal(t, domain.KindResourceExhausted, kindOf(t, err))
	assert.EqualValues(t, 2, h.engine.transports.Load())

	require.NoError(t, h.o.EndSession(ctx, s.ID))
	_, err = h.o.JoinSession(ctx, s.ID, "alice", domain.RoleParticipant)
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))
}

func TestJoinTransportFailureIsUpstream(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, domain.SessionOptions{})
	h.engine.failTransports.Store(true)

	_, err := h.o.JoinSession(context.Background(), s.ID, "host", domain.RoleHost)
	assert.Equal(t, domain.KindUpstreamFailure, kindOf(t, err))

	got, err := h.o.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Participants)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, domain.SessionOptions{MaxParticipants: 3})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.JoinSession(context.Background(), s.ID, domain.UserID(rune('a'+i)), domain.RoleParticipant)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, domain.KindResourceExhausted, domain.KindOf(err))
	}
	assert.Equal(t, 3, ok)
	parts, err := h.o.ListParticipants(context.Background(), s.ID, "host")
	require.NoError(t, err)
	assert.Len(t, parts, 3)
}

func TestLeaveReleasesEverythingAndEndsWhenEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{EnableBreakoutRooms: true})
	host := h.join(t, s.ID, "host")
	alice := h.join(t, s.ID, "alice")

	pid, err := h.o.Produce(ctx, ProduceInput{SessionID: s.ID, UserID: "alice", TransportID: alice.Transport.ID, Kind: domain.KindVideo, Source: domain.SourceCamera})
	require.NoError(t, err)
	_, err = h.o.Consume(ctx, ConsumeInput{SessionID: s.ID, UserID: "host", TransportID: host.Transport.ID, ProducerID: pid})
	require.NoError(t, err)
	hostPid, err := h.o.Produce(ctx, ProduceInput{SessionID: s.ID, UserID: "host", TransportID: host.Transport.ID, Kind: domain.KindAudio, Source: domain.SourceMicrophone})
	require.NoError(t, err)
	_, err = h.o.Consume(ctx, ConsumeInput{SessionID: s.ID, UserID: "alice", TransportID: alice.Transport.ID, ProducerID: hostPid})
	require.NoError(t, err)

	rooms, err := h.o.CreateBreakoutRooms(ctx, s.ID, "host", []domain.BreakoutRoomSpec{{Name: "A", HostID: "host"}})
	require.NoError(t, err)
	_, err = h.o.JoinBreakoutRoom(ctx, s.ID, rooms[0].ID, "alice")
	require.NoError(t, err)

	require.NoError(t, h.o.LeaveSession(ctx, s.ID, "alice"))
	assert.False(t, h.relay.inRoom(s.ID, "alice"))
	assert.EqualValues(t, 1, h.engine.producers.Load())
	assert.EqualValues(t, 0, h.engine.consumers.Load())
	assert.Equal(t, 1, h.relay.count(EvtPeerLeft))

	stored, err := h.store.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"host"}, stored.Participants)

	require.NoError(t, h.o.LeaveSession(ctx, s.ID, "host"))
	assert.Zero(t, h.engine.open(), "every router, transport, producer and consumer is closed")
	assert.Zero(t, h.registry.Len())
	stored, err = h.store.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, stored.Status)
	assert.Equal(t, 1, h.relay.count(EvtSessionEnded))
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{})
	h.join(t, s.ID, "host")

	require.NoError(t, h.o.LeaveSession(ctx, s.ID, "stranger"))
	assert.Zero(t, h.relay.count(EvtPeerLeft))

	err := h.o.LeaveSession(ctx, "missing", "host")
	assert.Equal(t, domain.KindNotFound, kindOf(t, err))

	require.NoError(t, h.o.LeaveSession(ctx, s.ID, "host"))
	require.NoError(t, h.o.LeaveSession(ctx, s.ID, "host"))
	assert.Equal(t, 1, h.relay.count(EvtSessionEnded))
}

func TestEndSessionPersistsTerminalState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{EnableChat: true, EnableRecording: true, ChatRetentionDays: 30})
	h.produce(t, s.ID, "host", h.join(t, s.ID, "host"))
	h.join(t, s.ID, "alice")
	h.join(t, s.ID, "bob")
	require.NoError(t, h.o.LeaveSession(ctx, s.ID, "bob"))

	_, err := h.o.SendChatMessage(ctx, ChatInput{SessionID: s.ID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	rec, err := h.o.StartRecording(ctx, s.ID, "host")
	require.NoError(t, err)

	err = h.o.EndSessionAs(ctx, s.ID, "alice")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	require.NoError(t, h.o.EndSessionAs(ctx, s.ID, "host"))
	assert.Zero(t, h.engine.open())
	assert.Equal(t, domain.RecProcessing, h.recorder.status(rec.ID))

	stored, err := h.store.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.Equal(t, 3, stored.Metadata["participantCount"])
	assert.Equal(t, []string{string(rec.ID)}, stored.Metadata["recordingIds"])
	assert.Contains(t, stored.Metadata, "duration")
	assert.Len(t, stored.Metadata["chatTranscript"], 1)

	h.archiver.mu.Lock()
	assert.Len(t, h.archiver.messages, 1)
	assert.Equal(t, 30, h.archiver.days)
	h.archiver.mu.Unlock()

	ev, ok := h.relay.last(EvtSessionEnded)
	require.True(t, ok)
	assert.Equal(t, "room:"+string(s.ID), ev.Target)
	assert.Contains(t, h.relay.closed, s.ID)

	require.NoError(t, h.o.EndSession(ctx, s.ID))
	assert.Equal(t, 1, h.relay.count(EvtSessionEnded))

	_, err = h.o.SendChatMessage(ctx, ChatInput{SessionID: s.ID, SenderID: "alice", Content: "late"})
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))
}

func TestEndSessionWithoutRetentionSkipsTranscript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{EnableChat: true})
	h.join(t, s.ID, "host")
	_, err := h.o.SendChatMessage(ctx, ChatInput{SessionID: s.ID, SenderID: "host", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, h.o.EndSession(ctx, s.ID))
	stored, err := h.store.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Metadata, "chatTranscript")
	assert.Equal(t, 1, stored.Metadata["chatMessages"])
	assert.Empty(t, h.archiver.messages)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, domain.SessionOptions{})
	b := h.create(t, domain.SessionOptions{})
	h.join(t, a.ID, "host")
	h.join(t, b.ID, "host")

	require.NoError(t, h.o.EndSession(ctx, a.ID))
	got, err := h.o.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.EqualValues(t, 1, h.engine.routers.Load())
}

func TestUpdateSessionSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{MaxParticipants: 5})
	h.join(t, s.ID, "host")
	h.join(t, s.ID, "alice")
	h.join(t, s.ID, "bob")

	on := true
	_, err := h.o.UpdateSessionSettings(ctx, s.ID, "alice", domain.SettingsPatch{EnableChat: &on})
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	two := 2
	_, err = h.o.UpdateSessionSettings(ctx, s.ID, "host", domain.SettingsPatch{MaxParticipants: &two})
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))

	got, err := h.o.UpdateSessionSettings(ctx, s.ID, "host", domain.SettingsPatch{EnableChat: &on, Extensions: map[string]string{"theme": "dark"}})
	require.NoError(t, err)
	assert.True(t, got.Options.EnableChat)
	assert.Equal(t, "dark", got.Options.Extensions["theme"])
	assert.Equal(t, 1, h.relay.count(EvtSessionSettingsUpdated))

	stored, err := h.store.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Options.EnableChat)
	assert.Equal(t, "host", stored.Metadata["settingsUpdatedBy"])
}

func TestDisconnectParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{})
	h.join(t, s.ID, "host")
	h.join(t, s.ID, "alice")

	err := h.o.DisconnectParticipant(ctx, s.ID, "host", "alice")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))
	err = h.o.DisconnectParticipant(ctx, s.ID, "nobody", "host")
	assert.Equal(t, domain.KindNotFound, kindOf(t, err))

	require.NoError(t, h.o.DisconnectParticipant(ctx, s.ID, "alice", "host"))
	ev, ok := h.relay.last(EvtDisconnect)
	require.True(t, ok)
	assert.Equal(t, "user:alice", ev.Target)
	assert.Equal(t, "disconnected-by-host", ev.Data.(map[string]any)["reason"])

	n := h.nextNote(t)
	assert.Equal(t, core.NotifyForcedDisconnect, n.Kind)
	assert.Equal(t, domain.UserID("alice"), n.UserID)

	parts, err := h.o.ListParticipants(ctx, s.ID, "host")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, domain.UserID("host"), parts[0].UserID)
}

func TestGetSessionStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{EnableWaitingRoom: true})
	h.join(t, s.ID, "host")
	h.join(t, s.ID, "alice")

	st, err := h.o.GetSessionStats(ctx, s.ID, "host")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ParticipantCount)
	assert.Equal(t, 1, st.WaitingCount)
	assert.Equal(t, domain.StatusActive, st.Status)

	_, err = h.o.GetSessionStats(ctx, s.ID, "alice")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	require.NoError(t, h.o.EndSession(ctx, s.ID))
	// Counts written by the postgres store come back from JSON as float64.
	require.NoError(t, h.store.UpdateMetadata(ctx, s.ID, map[string]any{"chatMessages": float64(3)}))
	st, err = h.o.GetSessionStats(ctx, s.ID, "host")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, st.Status)
	assert.Equal(t, 3, st.ChatMessages)

	_, err = h.o.GetSessionStats(ctx, s.ID, "mallory")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))
	_, err = h.o.GetSessionStats(ctx, "missing", "host")
	assert.Equal(t, domain.KindNotFound, kindOf(t, err))
}

func TestSessionReadsRequireMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{EnableChat: true, EnableRecording: true})
	h.produce(t, s.ID, "host", h.join(t, s.ID, "host"))
	h.join(t, s.ID, "alice")
	_, err := h.o.SendChatMessage(ctx, ChatInput{SessionID: s.ID, SenderID: "alice", Content: "private clinical note"})
	require.NoError(t, err)
	rec, err := h.o.StartRecording(ctx, s.ID, "host")
	require.NoError(t, err)

	_, err = h.o.GetChatHistory(ctx, s.ID, "mallory", domain.ChatQuery{})
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))
	_, err = h.o.ListParticipants(ctx, s.ID, "mallory")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))
	_, err = h.o.GetSessionStats(ctx, s.ID, "mallory")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))
	_, err = h.o.ListRecordings(ctx, s.ID, "mallory")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))
	_, err = h.o.GetRecording(ctx, rec.ID, "mallory")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	msgs, err := h.o.GetChatHistory(ctx, s.ID, "alice", domain.ChatQuery{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	parts, err := h.o.ListParticipants(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, parts, 2)
	_, err = h.o.GetSessionStats(ctx, s.ID, "alice")
	require.NoError(t, err)
	_, err = h.o.ListRecordings(ctx, s.ID, "alice")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	list, err := h.o.ListRecordings(ctx, s.ID, "host")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMetaInt(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"int", 4, 4},
		{"int64", int64(5), 5},
		{"float64", float64(6), 6},
		{"json number", json.Number("7"), 7},
		{"missing", nil, 0},
		{"string", "8", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, metaInt(tt.in))
		})
	}
}

func TestListActiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, _, err := h.o.CreateSession(ctx, CreateSessionInput{Type: domain.SessionTeletherapy, ContextID: "appt-7", StartedBy: "host"})
	require.NoError(t, err)
	h.join(t, s.ID, "alice")

	byCtx, err := h.o.ListActiveSessionsForContext(ctx, domain.SessionTeletherapy, "appt-7")
	require.NoError(t, err)
	require.Len(t, byCtx, 1)

	mine, err := h.o.ListActiveSessionsForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, s.ID, mine[0].ID)

	none, err := h.o.ListActiveSessionsForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestShutdownAndReapOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, domain.SessionOptions{})
	h.join(t, a.ID, "host")

	orphan := &domain.MediaSession{ID: "orphan", Type: domain.SessionChat, ContextID: "lost", Status: domain.StatusActive, StartedBy: "host"}
	require.NoError(t, h.store.Create(ctx, orphan))

	n, err := h.o.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := h.store.FindByID(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, got.Status)

	h.o.Shutdown(ctx)
	assert.Zero(t, h.registry.Len())
	assert.Zero(t, h.engine.open())
}

func TestRegistryEntryIsClosedAfterEnd(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, domain.SessionOptions{})
	e, ok := h.registry.Get(s.ID)
	require.True(t, ok)

	require.NoError(t, h.o.EndSession(context.Background(), s.ID))
	_, err := h.registry.Acquire(s.ID)
	assert.Equal(t, domain.KindNotFound, kindOf(t, err))

	// A stale pointer observes the closed flag.
	reg := app.NewSessionRegistry()
	require.NoError(t, reg.Put(e))
	_, err = reg.Acquire(s.ID)
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))
}
