package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayManager holds the relays of one router. Routers never share a manager,
// which keeps breakout rooms isolated from their parent session.
type RelayManager struct {
	routerID string

	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager(routerID string) *RelayManager {
	return &RelayManager{
		routerID: routerID,
		relays:   make(map[string]*Relay),
	}
}

// Declare registers a producer before its track arrives.
func (m *RelayManager) Declare(producerID string, codec webrtc.RTPCodecCapability) *Relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[producerID]; ok {
		return r
	}
	r := NewRelay(producerID, codec)
	m.relays[producerID] = r
	return r
}

// StartRelay attaches the remote track of producerID and starts its loop.
// A second call replaces the previous source.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("router_id", m.routerID).
		Str("producer_id", producerID).
		Logger()

	relay := m.Declare(producerID, track.Codec().RTPCodecCapability)
	relayCtx, cancel := context.WithCancel(ctx)

	relay.mu.Lock()
	if relay.cancel != nil {
		logger.Info().Msg("replacing existing relay source")
		relay.cancel()
	}
	relay.src = track
	relay.cancel = cancel
	relay.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, track, &logger)
}

// AddSubscriber attaches an OutTrack for consumerID to producerID's relay.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, sink Sink, paused bool) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ot := NewOutTrack(sink, paused)
	relay.AddOutTrack(consumerID, ot)
	return ot, true
}

// MarkSubscriberDelete marks a consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	relay.mu.RLock()
	ot, ok := relay.outTracks[consumerID]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	ot.MarkDelete()
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.mu.Lock()
	if relay.cancel != nil {
		relay.cancel()
	}
	relay.mu.Unlock()
}

func (m *RelayManager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.relays))
	for id := range m.relays {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.StopRelay(id)
	}
}

// HasRelay reports whether producerID is known to this router.
func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

// Codec returns the negotiated or declared codec of a producer.
func (m *RelayManager) Codec(producerID string) (webrtc.RTPCodecCapability, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[producerID]
	if !ok {
		return webrtc.RTPCodecCapability{}, false
	}
	return relay.Codec, true
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
