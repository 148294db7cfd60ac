package rtc

import (
	"github.com/dkeye/Teleroom/internal/app/sfu"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Producer struct {
	id          string
	kind        domain.MediaKind
	source      domain.MediaSource
	codec       core.Codec
	transceiver *webrtc.RTPTransceiver
	transport   *Transport
	attached    bool
}

func (p *Producer) ID() string                 { return p.id }
func (p *Producer) Kind() domain.MediaKind     { return p.kind }
func (p *Producer) Source() domain.MediaSource { return p.source }
func (p *Producer) Codec() core.Codec          { return p.codec }

func (p *Producer) Close() error {
	t := p.transport
	t.mu.Lock()
	_, ok := t.producers[p.id]
	delete(t.producers, p.id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.router.removeProducer(p.id)
	return p.transceiver.Stop()
}

// Consumer forwards one producer into its transport; pausing mutes the OutTrack.
type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	out        *sfu.OutTrack
	sender     *webrtc.RTPSender
	transport  *Transport
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }
func (c *Consumer) Paused() bool           { return c.out.GetState() == sfu.TrackStateMuted }

func (c *Consumer) Resume() error {
	if !c.out.MarkOk() {
		return errConsumerClosed
	}
	return nil
}

func (c *Consumer) Close() error {
	t := c.transport
	t.mu.Lock()
	_, ok := t.consumers[c.id]
	delete(t.consumers, c.id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	c.out.MarkDelete()
	return t.pc.RemoveTrack(c.sender)
}
