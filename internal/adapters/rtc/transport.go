package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is one participant's PeerConnection inside a router.
type Transport struct {
	id     string
	router *Router
	pc     *webrtc.PeerConnection
	opts   core.TransportOptions
	cancel context.CancelFunc
	logger zerolog.Logger

	mu        sync.Mutex
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func newTransport(ctx context.Context, r *Router, id string, pc *webrtc.PeerConnection, opts core.TransportOptions) *Transport {
	// Track relays outlive the request that created the transport.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Transport{
		id:        id,
		router:    r,
		pc:        pc,
		opts:      opts,
		cancel:    cancel,
		logger:    log.With().Str("module", "rtc").Str("transport_id", id).Str("router_id", r.id).Logger(),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			_ = t.Close()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		p := t.producerFor(receiver, track.Kind())
		if p == nil {
			t.logger.Warn().Str("track_id", track.ID()).Msg("track without a declared producer, ignoring")
			return
		}
		t.router.relays.StartRelay(ctx, p.id, track)
	})
	return t
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Info() core.TransportInfo {
	return core.TransportInfo{
		ID:             t.id,
		RouterID:       t.router.id,
		ListenIPs:      t.opts.ListenIPs,
		InitialBitrate: t.opts.InitialBitrate,
		Capabilities:   t.router.Capabilities(),
	}
}

// Connect applies the remote offer and returns the answer once ICE gathering
// completes.
func (t *Transport) Connect(ctx context.Context, offer core.SessionDescription) (core.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return core.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return core.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return core.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return core.SessionDescription{}, ctx.Err()
	}

	local := t.pc.LocalDescription()
	return core.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	kind := webrtc.RTPCodecTypeAudio
	if opts.Kind == domain.KindVideo {
		kind = webrtc.RTPCodecTypeVideo
	}
	tr, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	if err != nil {
		return nil, fmt.Errorf("add transceiver: %w", err)
	}
	codec := opts.Codec
	if codec.MimeType == "" {
		codec = t.defaultCodec(opts.Kind)
	}
	p := &Producer{
		id:          uuid.NewString(),
		kind:        opts.Kind,
		source:      opts.Source,
		codec:       codec,
		transceiver: tr,
		transport:   t,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	codec, ok := t.router.relays.Codec(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not on router %s", opts.ProducerID, t.router.id)
	}
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(codec, "consumer-"+id, "producer-"+opts.ProducerID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)

	ot, ok := t.router.relays.AddSubscriber(opts.ProducerID, id, track, opts.Paused)
	if !ok {
		_ = t.pc.RemoveTrack(sender)
		return nil, fmt.Errorf("producer %s closed", opts.ProducerID)
	}
	c := &Consumer{
		id:         id,
		producerID: opts.ProducerID,
		kind:       kindOf(codec),
		out:        ot,
		sender:     sender,
		transport:  t,
	}
	t.mu.Lock()
	t.consumers[id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.out.MarkDelete()
	}
	for _, p := range producers {
		t.router.removeProducer(p.id)
	}
	t.cancel()
	t.router.removeTransport(t.id)
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
		return err
	}
	t.logger.Info().Msg("closed")
	return nil
}

func (t *Transport) producerFor(receiver *webrtc.RTPReceiver, kind webrtc.RTPCodecType) *Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fallback *Producer
	for _, p := range t.producers {
		if p.transceiver.Receiver() == receiver {
			return p
		}
		if fallback == nil && !p.attached && p.transceiver.Kind() == kind {
			fallback = p
		}
	}
	if fallback != nil {
		fallback.attached = true
	}
	return fallback
}

func (t *Transport) defaultCodec(kind domain.MediaKind) core.Codec {
	for _, c := range t.router.opts.Codecs {
		if c.Kind == kind {
			return c
		}
	}
	return core.Codec{Kind: kind}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func kindOf(c webrtc.RTPCodecCapability) domain.MediaKind {
	if len(c.MimeType) >= 5 && c.MimeType[:5] == "video" {
		return domain.KindVideo
	}
	return domain.KindAudio
}
