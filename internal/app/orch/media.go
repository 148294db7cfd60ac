package orch

import (
	"context"

	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
)

type ProduceInput struct {
	SessionID   domain.SessionID   `json:"-"`
	UserID      domain.UserID      `json:"-"`
	TransportID string             `json:"transportId"`
	Kind        domain.MediaKind   `json:"kind"`
	Source      domain.MediaSource `json:"source"`
	Codec       core.Codec         `json:"codec"`
}

type ConsumeInput struct {
	SessionID    domain.SessionID `json:"-"`
	UserID       domain.UserID    `json:"-"`
	TransportID  string           `json:"transportId"`
	ProducerID   string           `json:"producerId"`
	Capabilities []core.Codec     `json:"rtpCapabilities"`
}

type ConsumerInfo struct {
	ID         string           `json:"id"`
	ProducerID string           `json:"producerId"`
	UserID     domain.UserID    `json:"producerUserId"`
	Kind       domain.MediaKind `json:"kind"`
	Paused     bool             `json:"paused"`
}

// transportLocked finds uid's transport by id in the session or one of its
// breakout rooms. The room id is empty for the main room.
func transportLocked(e *app.SessionEntry, uid domain.UserID, transportID string) (core.Transport, core.Router, domain.RoomID, error) {
	if tr, ok := e.Transports[uid]; ok && tr.ID() == transportID {
		return tr, e.Router, "", nil
	}
	for rid, b := range e.Breakouts {
		if tr, ok := b.Transports[uid]; ok && tr.ID() == transportID {
			return tr, b.Router, rid, nil
		}
	}
	return nil, nil, "", domain.Ef(domain.KindNotFound, "transport %s not found", transportID)
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, id domain.SessionID, uid domain.UserID, transportID string, offer core.SessionDescription) (core.SessionDescription, error) {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return core.SessionDescription{}, err
	}
	if _, err := requireMember(e, uid); err != nil {
		e.Unlock()
		return core.SessionDescription{}, err
	}
	tr, _, _, err := transportLocked(e, uid, transportID)
	e.Unlock()
	if err != nil {
		return core.SessionDescription{}, err
	}
	// Negotiation waits for ICE gathering and must not hold the session.
	answer, err := tr.Connect(ctx, offer)
	if err != nil {
		return core.SessionDescription{}, domain.Wrap(domain.KindUpstreamFailure, err, "connect transport")
	}
	return answer, nil
}

func (o *Orchestrator) Produce(ctx context.Context, in ProduceInput) (string, error) {
	e, err := o.acquire(ctx, in.SessionID)
	if err != nil {
		return "", err
	}
	defer e.Unlock()
	m, err := requireMember(e, in.UserID)
	if err != nil {
		return "", err
	}
	if in.Kind != domain.KindAudio && in.Kind != domain.KindVideo {
		return "", domain.Ef(domain.KindInvalidState, "unknown media kind %q", in.Kind)
	}
	if in.Source == domain.SourceScreen && !e.Session.Options.EnableScreenSharing {
		return "", domain.E(domain.KindInvalidState, "screen sharing is disabled for this session")
	}
	tr, _, room, err := transportLocked(e, in.UserID, in.TransportID)
	if err != nil {
		return "", err
	}
	p, err := tr.Produce(ctx, core.ProduceOptions{
		Kind:   in.Kind,
		Source: in.Source,
		Codec:  in.Codec,
		AppData: map[string]string{
			"sessionId": string(in.SessionID),
			"userId":    string(in.UserID),
		},
	})
	if err != nil {
		return "", domain.Wrap(domain.KindUpstreamFailure, err, "produce")
	}
	e.Producers[p.ID()] = &app.ProducerRef{UserID: in.UserID, TransportID: tr.ID(), RoomID: room, Producer: p}
	m.Producers++
	o.relay.BroadcastToRoom(in.SessionID, EvtNewProducer, map[string]any{
		"producerId":     p.ID(),
		"userId":         in.UserID,
		"kind":           p.Kind(),
		"source":         p.Source(),
		"breakoutRoomId": room,
	}, in.UserID)
	o.log.Debug().Str("session_id", string(in.SessionID)).Str("user_id", string(in.UserID)).Str("producer_id", p.ID()).Msg("producer created")
	return p.ID(), nil
}

func (o *Orchestrator) Consume(ctx context.Context, in ConsumeInput) (*ConsumerInfo, error) {
	e, err := o.acquire(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer e.Unlock()
	if _, err := requireMember(e, in.UserID); err != nil {
		return nil, err
	}
	tr, router, room, err := transportLocked(e, in.UserID, in.TransportID)
	if err != nil {
		return nil, err
	}
	prod, ok := e.Producers[in.ProducerID]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "producer %s not found", in.ProducerID)
	}
	if prod.RoomID != room {
		return nil, domain.E(domain.KindInvalidState, "producer is in another room")
	}
	if !router.CanConsume(in.ProducerID, in.Capabilities) {
		return nil, domain.E(domain.KindInvalidState, "cannot consume producer with the given capabilities")
	}
	c, err := tr.Consume(ctx, core.ConsumeOptions{ProducerID: in.ProducerID, Capabilities: in.Capabilities, Paused: true})
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "consume")
	}
	e.Consumers[c.ID()] = &app.ConsumerRef{UserID: in.UserID, TransportID: tr.ID(), Consumer: c}
	return &ConsumerInfo{
		ID:         c.ID(),
		ProducerID: c.ProducerID(),
		UserID:     prod.UserID,
		Kind:       c.Kind(),
		Paused:     c.Paused(),
	}, nil
}

func (o *Orchestrator) ResumeConsumer(ctx context.Context, id domain.SessionID, uid domain.UserID, consumerID string) error {
	e, err := o.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.Unlock()
	c, ok := e.Consumers[consumerID]
	if !ok || c.UserID != uid {
		return domain.Ef(domain.KindNotFound, "consumer %s not found", consumerID)
	}
	if err := c.Consumer.Resume(); err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, err, "resume consumer")
	}
	return nil
}
