package rtc

import (
	"context"
	"os"
	"testing"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{PortMin: 40000, PortMax: 40100})
	require.NoError(t, err)
	return e
}

func TestNewEngineRejectsBadPortRange(t *testing.T) {
	_, err := NewEngine(EngineConfig{PortMin: 5000, PortMax: 4000})
	require.Error(t, err)
	_, err = NewEngine(EngineConfig{})
	require.Error(t, err)
}

func TestRouterProduceConsume(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	router, err := e.CreateRouter(ctx, core.RouterOptions{Codecs: core.DefaultCodecs(domain.CodecVP8, 1000), StartBitrate: 1000})
	require.NoError(t, err)
	assert.EqualValues(t, 1, e.ActiveRouters())

	topts := core.TransportOptions{ListenIPs: []core.ListenIP{{IP: "0.0.0.0"}}, EnableUDP: true, InitialBitrate: 1000}
	pub, err := router.CreateTransport(ctx, topts)
	require.NoError(t, err)
	sub, err := router.CreateTransport(ctx, topts)
	require.NoError(t, err)
	assert.Equal(t, router.ID(), pub.Info().RouterID)

	producer, err := pub.Produce(ctx, core.ProduceOptions{Kind: domain.KindAudio, Source: domain.SourceMicrophone})
	require.NoError(t, err)
	assert.Equal(t, "audio/opus", producer.Codec().MimeType)

	opusOnly := []core.Codec{{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000}}
	vp9Only := []core.Codec{{Kind: domain.KindVideo, MimeType: "video/VP9", ClockRate: 90000}}
	assert.True(t, router.CanConsume(producer.ID(), opusOnly))
	assert.False(t, router.CanConsume(producer.ID(), vp9Only))
	assert.False(t, router.CanConsume("unknown", opusOnly))

	consumer, err := sub.Consume(ctx, core.ConsumeOptions{ProducerID: producer.ID(), Capabilities: opusOnly, Paused: true})
	require.NoError(t, err)
	assert.True(t, consumer.Paused())
	require.NoError(t, consumer.Resume())
	assert.False(t, consumer.Paused())

	require.NoError(t, consumer.Close())
	require.NoError(t, producer.Close())
	assert.False(t, router.CanConsume(producer.ID(), opusOnly))

	require.NoError(t, router.Close())
	require.NoError(t, router.Close())
	assert.EqualValues(t, 0, e.ActiveRouters())

	_, err = router.CreateTransport(ctx, topts)
	assert.Error(t, err)
}

func TestClosedEngineRefusesRouters(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Healthy(), ErrEngineClosed)
	_, err := e.CreateRouter(context.Background(), core.RouterOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestRouterTapProducer(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(EngineConfig{PortMin: 40000, PortMax: 40100, TapDir: t.TempDir()})
	require.NoError(t, err)
	router, err := e.CreateRouter(ctx, core.RouterOptions{Codecs: core.DefaultCodecs(domain.CodecVP8, 1000)})
	require.NoError(t, err)
	defer router.Close()

	tr, err := router.CreateTransport(ctx, core.TransportOptions{EnableUDP: true})
	require.NoError(t, err)
	producer, err := tr.Produce(ctx, core.ProduceOptions{Kind: domain.KindAudio, Source: domain.SourceMicrophone})
	require.NoError(t, err)

	tapper, ok := router.(core.ProducerTapper)
	require.True(t, ok)
	tap, err := tapper.TapProducer(ctx, producer.ID())
	require.NoError(t, err)
	sdp, err := os.ReadFile(tap.URL)
	require.NoError(t, err)
	assert.Contains(t, string(sdp), "m=audio ")
	assert.Contains(t, string(sdp), "a=rtpmap:111 opus/48000/2")

	require.NoError(t, tap.Close())
	assert.NoFileExists(t, tap.URL)

	_, err = tapper.TapProducer(ctx, "missing")
	assert.Error(t, err)
}
