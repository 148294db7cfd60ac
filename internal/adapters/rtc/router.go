package rtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Teleroom/internal/app/sfu"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Router struct {
	id     string
	engine *Engine
	media  *webrtc.MediaEngine
	ireg   *interceptor.Registry
	opts   core.RouterOptions
	relays *sfu.RelayManager

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

func newRouter(e *Engine, id string, m *webrtc.MediaEngine, reg *interceptor.Registry, opts core.RouterOptions) *Router {
	return &Router{
		id:         id,
		engine:     e,
		media:      m,
		ireg:       reg,
		opts:       opts,
		relays:     sfu.NewRelayManager(id),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) Capabilities() []core.Codec {
	return append([]core.Codec(nil), r.opts.Codecs...)
}

func (r *Router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}

	se, err := r.engine.settingEngine(opts)
	if err != nil {
		return nil, fmt.Errorf("setting engine: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(r.media),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(r.ireg),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: r.engine.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := newTransport(ctx, r, uuid.NewString(), pc, opts)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// CanConsume holds when the producer lives on this router and its codec is in caps.
func (r *Router) CanConsume(producerID string, caps []core.Codec) bool {
	codec, ok := r.relays.Codec(producerID)
	if !ok {
		return false
	}
	for _, c := range caps {
		if strings.EqualFold(c.MimeType, codec.MimeType) && (c.ClockRate == 0 || c.ClockRate == codec.ClockRate) {
			return true
		}
	}
	return false
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.relays.StopAll()
	r.engine.active.Add(-1)
	log.Info().Str("module", "rtc").Str("router_id", r.id).Msg("router closed")
	return nil
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
	r.relays.Declare(p.id, toCapability(p.codec))
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
	r.relays.StopRelay(id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}
