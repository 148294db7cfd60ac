package orch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/core/mocks"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestBreakoutRoomsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{EnableBreakoutRooms: true})
	h.join(t, s.ID, "host")
	h.join(t, s.ID, "alice")
	h.join(t, s.ID, "bob")

	_, err := h.o.CreateBreakoutRooms(ctx, s.ID, "alice", []domain.BreakoutRoomSpec{{Name: "A"}})
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	rooms, err := h.o.CreateBreakoutRooms(ctx, s.ID, "host", []domain.BreakoutRoomSpec{
		{Name: "A", HostID: "alice"},
		{Name: "B", HostID: "bob"},
	})
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	for _, r := range rooms {
		assert.True(t, strings.HasPrefix(string(r.ID), "breakout_"))
	}
	assert.EqualValues(t, 3, h.engine.routers.Load())
	assert.EqualValues(t, 5, h.engine.transports.Load())
	assert.Equal(t, 1, h.relay.count(EvtBreakoutRoomsCreated))

	_, err = h.o.CreateBreakoutRooms(ctx, s.ID, "host", []domain.BreakoutRoomSpec{{Name: "C"}})
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))

	var roomA, roomB domain.RoomID
	for _, r := range rooms {
		if r.Name == "A" {
			roomA = r.ID
		} else {
			roomB = r.ID
		}
	}
	_, err = h.o.JoinBreakoutRoom(ctx, s.ID, roomA, "stranger")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))
	_, err = h.o.JoinBreakoutRoom(ctx, s.ID, "breakout_missing", "host")
	assert.Equal(t, domain.KindNotFound, kindOf(t, err))

	infoA, err := h.o.JoinBreakoutRoom(ctx, s.ID, roomA, "host")
	require.NoError(t, err)
	assert.EqualValues(t, 6, h.engine.transports.Load())

	_, err = h.o.Produce(ctx, ProduceInput{SessionID: s.ID, UserID: "host", TransportID: infoA.ID, Kind: domain.KindAudio, Source: domain.SourceMicrophone})
	require.NoError(t, err)

	// Moving closes the old room's transport and media.
	infoB, err := h.o.JoinBreakoutRoom(ctx, s.ID, roomB, "host")
	require.NoError(t, err)
	assert.NotEqual(t, infoA.ID, infoB.ID)
	assert.EqualValues(t, 6, h.engine.transports.Load())
	assert.EqualValues(t, 0, h.engine.producers.Load())

	listed, err := h.o.ListBreakoutRooms(ctx, s.ID, "alice")
	require.NoError(t, err)
	for _, r := range listed {
		assert.Equal(t, r.ID == roomB, r.HasParticipant("host"), r.Name)
	}
	parts, err := h.o.ListParticipants(ctx, s.ID, "host")
	require.NoError(t, err)
	for _, p := range parts {
		if p.UserID == "host" {
			assert.Equal(t, roomB, p.BreakoutRoom)
		}
	}

	_, err = h.o.EndBreakoutRooms(ctx, s.ID, "alice")
	assert.Equal(t, domain.KindForbidden, kindOf(t, err))

	ended, err := h.o.EndBreakoutRooms(ctx, s.ID, "host")
	require.NoError(t, err)
	require.Len(t, ended, 2)
	for _, r := range ended {
		assert.NotNil(t, r.EndTime)
	}
	assert.EqualValues(t, 1, h.engine.routers.Load())
	assert.EqualValues(t, 3, h.engine.transports.Load())
	assert.Equal(t, 1, h.relay.count(EvtBreakoutRoomsEnded))

	_, err = h.o.EndBreakoutRooms(ctx, s.ID, "host")
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))
}

func TestBreakoutRoomsRequireFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, domain.SessionOptions{})
	h.join(t, s.ID, "host")

	_, err := h.o.CreateBreakoutRooms(ctx, s.ID, "host", []domain.BreakoutRoomSpec{{Name: "A"}})
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))

	on := true
	_, err = h.o.UpdateSessionSettings(ctx, s.ID, "host", domain.SettingsPatch{EnableBreakoutRooms: &on})
	require.NoError(t, err)
	_, err = h.o.CreateBreakoutRooms(ctx, s.ID, "host", nil)
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))
	_, err = h.o.CreateBreakoutRooms(ctx, s.ID, "host", []domain.BreakoutRoomSpec{{Name: "A", Participants: []domain.UserID{"ghost"}}})
	assert.Equal(t, domain.KindInvalidState, kindOf(t, err))
}

func TestBreakoutAssignmentsAreOrderIndependent(t *testing.T) {
	tests := []struct {
		name  string
		specs []domain.BreakoutRoomSpec
		ok    bool
	}{
		{"participant before hosting", []domain.BreakoutRoomSpec{
			{Name: "A", HostID: "host", Participants: []domain.UserID{"alice"}},
			{Name: "B", HostID: "alice"},
		}, false},
		{"hosting before participant", []domain.BreakoutRoomSpec{
			{Name: "B", HostID: "alice"},
			{Name: "A", HostID: "host", Participants: []domain.UserID{"alice"}},
		}, false},
		{"two rooms", []domain.BreakoutRoomSpec{
			{Name: "A", HostID: "host", Participants: []domain.UserID{"bob"}},
			{Name: "B", HostID: "alice", Participants: []domain.UserID{"bob"}},
		}, false},
		{"listed in own room", []domain.BreakoutRoomSpec{
			{Name: "A", HostID: "alice", Participants: []domain.UserID{"alice", "bob"}},
		}, true},
		{"host runs two rooms", []domain.BreakoutRoomSpec{
			{Name: "A", Participants: []domain.UserID{"alice"}},
			{Name: "B", Participants: []domain.UserID{"bob"}},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.create(t, domain.SessionOptions{EnableBreakoutRooms: true})
			for _, uid := range []domain.UserID{"host", "alice", "bob"} {
				h.join(t, s.ID, uid)
			}
			_, err := h.o.CreateBreakoutRooms(context.Background(), s.ID, "host", tt.specs)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.Equal(t, domain.KindInvalidState, kindOf(t, err))
			assert.EqualValues(t, 1, h.engine.routers.Load(), "no room is built")
		})
	}
}

func TestBreakoutPartialFailureReleasesBuiltRooms(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t)
	eng := mocks.NewMockMediaEngine(ctrl)

	okRouter := mocks.NewMockRouter(ctrl)
	okTransport := mocks.NewMockTransport(ctrl)
	badRouter := mocks.NewMockRouter(ctrl)

	okRouter.EXPECT().CreateTransport(gomock.Any(), gomock.Any()).Return(okTransport, nil)
	okRouter.EXPECT().Close().Return(nil).Times(1)
	okTransport.EXPECT().ID().Return("tr-ok").AnyTimes()
	okTransport.EXPECT().Close().Return(nil).Times(1)
	badRouter.EXPECT().CreateTransport(gomock.Any(), gomock.Any()).Return(nil, errors.New("port range exhausted"))
	badRouter.EXPECT().Close().Return(nil).Times(1)

	var (
		mu      sync.Mutex
		created int
	)
	main, err := h.engine.CreateRouter(context.Background(), core.RouterOptions{})
	require.NoError(t, err)
	queue := []core.Router{main, okRouter, badRouter}
	eng.EXPECT().Healthy().Return(nil)
	eng.EXPECT().CreateRouter(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, core.RouterOptions) (core.Router, error) {
		mu.Lock()
		defer mu.Unlock()
		r := queue[created]
		created++
		return r, nil
	}).Times(3)

	o, err := New(Deps{Engine: eng, Store: h.store, Relay: h.relay, Recorder: h.recorder, Tokens: h.tokens, Registry: h.registry}, Config{})
	require.NoError(t, err)
	ctx := context.Background()
	s, _, err := o.CreateSession(ctx, CreateSessionInput{Type: domain.SessionChat, ContextID: "group-1", StartedBy: "host", Options: domain.SessionOptions{EnableBreakoutRooms: true}})
	require.NoError(t, err)
	_, err = o.JoinSession(ctx, s.ID, "host", domain.RoleHost)
	require.NoError(t, err)

	_, err = o.CreateBreakoutRooms(ctx, s.ID, "host", []domain.BreakoutRoomSpec{{Name: "A"}, {Name: "B"}})
	assert.Equal(t, domain.KindUpstreamFailure, kindOf(t, err))
	assert.Zero(t, h.relay.count(EvtBreakoutRoomsCreated))

	// The session itself is untouched and can try again later.
	got, err := o.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}
