package sfu

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

func localTrack(t *testing.T, id string) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(opus, id, "stream")
	require.NoError(t, err)
	return tr
}

func TestOutTrackStates(t *testing.T) {
	ot := NewOutTrack(nil, true)
	assert.Equal(t, TrackStateMuted, ot.GetState())
	assert.True(t, ot.MarkOk())
	assert.Equal(t, TrackStateOk, ot.GetState())

	ot.MarkDelete()
	assert.False(t, ot.MarkOk(), "deleted tracks cannot be resumed")
	ot.MarkMuted()
	assert.Equal(t, TrackStateDelete, ot.GetState())
}

func TestRelayManagerSubscribers(t *testing.T) {
	m := NewRelayManager("r1")
	_, ok := m.AddSubscriber("p1", "c1", localTrack(t, "c1"), false)
	assert.False(t, ok, "unknown producer")

	relay := m.Declare("p1", opus)
	codec, ok := m.Codec("p1")
	require.True(t, ok)
	assert.Equal(t, webrtc.MimeTypeOpus, codec.MimeType)

	ot1, ok := m.AddSubscriber("p1", "c1", localTrack(t, "c1"), false)
	require.True(t, ok)
	_, ok = m.AddSubscriber("p1", "c2", localTrack(t, "c2"), true)
	require.True(t, ok)
	assert.Equal(t, 2, relay.Subscribers())

	m.MarkSubscriberDelete("p1", "c2")
	logger := zerolog.Nop()
	relay.forward(&rtp.Packet{Header: rtp.Header{Version: 2}}, &logger)
	assert.Equal(t, 1, relay.Subscribers())
	assert.Equal(t, TrackStateOk, ot1.GetState())

	m.StopRelay("p1")
	assert.False(t, m.HasRelay("p1"))
	assert.Equal(t, TrackStateDelete, ot1.GetState())
}

func TestRelayManagerStopAll(t *testing.T) {
	m := NewRelayManager("r1")
	m.Declare("p1", opus)
	m.Declare("p2", opus)
	m.StopAll()
	assert.Equal(t, 0, m.Len())
}

type countingSink struct{ n int }

func (s *countingSink) WriteRTP(*rtp.Packet) error {
	s.n++
	return nil
}

func TestRelayForwardSkipsMutedSinks(t *testing.T) {
	m := NewRelayManager("r1")
	relay := m.Declare("p1", opus)
	live, muted := &countingSink{}, &countingSink{}
	_, ok := m.AddSubscriber("p1", "live", live, false)
	require.True(t, ok)
	ot, ok := m.AddSubscriber("p1", "muted", muted, true)
	require.True(t, ok)

	logger := zerolog.Nop()
	relay.forward(&rtp.Packet{Header: rtp.Header{Version: 2}}, &logger)
	assert.Equal(t, 1, live.n)
	assert.Zero(t, muted.n)

	ot.MarkOk()
	relay.forward(&rtp.Packet{Header: rtp.Header{Version: 2}}, &logger)
	assert.Equal(t, 2, live.n)
	assert.Equal(t, 1, muted.n)
}
