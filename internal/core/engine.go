package core

import (
	"context"
	"strconv"

	"github.com/dkeye/Teleroom/internal/domain"
)

// Codec is one entry of a router's capability set.
type Codec struct {
	Kind       domain.MediaKind  `json:"kind"`
	MimeType   string            `json:"mimeType"`
	ClockRate  uint32            `json:"clockRate"`
	Channels   uint16            `json:"channels,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type RouterOptions struct {
	Codecs       []Codec
	StartBitrate int
}

type ListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// TransportOptions carries listen addresses and bitrate bounds in kbps.
type TransportOptions struct {
	ListenIPs      []ListenIP
	EnableUDP      bool
	EnableTCP      bool
	PreferUDP      bool
	InitialBitrate int
	MinBitrate     int
	MaxBitrate     int
	AppData        map[string]string
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ProduceOptions struct {
	Kind    domain.MediaKind
	Source  domain.MediaSource
	Codec   Codec
	AppData map[string]string
}

type ConsumeOptions struct {
	ProducerID   string
	Capabilities []Codec
	Paused       bool
}

// TransportInfo is what a client needs to reach a transport.
type TransportInfo struct {
	ID             string     `json:"id"`
	RouterID       string     `json:"routerId"`
	ListenIPs      []ListenIP `json:"listenIps"`
	InitialBitrate int        `json:"initialAvailableOutgoingBitrate"`
	Capabilities   []Codec    `json:"routerRtpCapabilities"`
}

// MediaEngine is the facade over the SFU. Nothing outside its implementation
// knows which engine is behind it.
type MediaEngine interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	// Healthy reports a non-nil error when the engine cannot serve new routers.
	Healthy() error
	Close() error
}

type Router interface {
	ID() string
	Capabilities() []Codec
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// CanConsume gates a subscription of a consumer with caps to producerID.
	CanConsume(producerID string, caps []Codec) bool
	Close() error
}

type Transport interface {
	ID() string
	Info() TransportInfo
	Connect(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Source() domain.MediaSource
	Codec() Codec
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Paused() bool
	Resume() error
	Close() error
}

// DefaultCodecs builds the router codec set for the session's options.
func DefaultCodecs(video domain.VideoCodec, startBitrate int) []Codec {
	v := Codec{
		Kind:      domain.KindVideo,
		MimeType:  "video/" + string(video),
		ClockRate: 90000,
		Parameters: map[string]string{
			"x-google-start-bitrate": strconv.Itoa(startBitrate),
		},
	}
	a := Codec{
		Kind:      domain.KindAudio,
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
	}
	return []Codec{a, v}
}

// StreamTap is a producer mirrored to a plain RTP endpoint. URL is readable by
// the recording encoder.
type StreamTap struct {
	URL   string
	Close func() error
}

// ProducerTapper is implemented by routers that can mirror producer RTP for
// recording.
type ProducerTapper interface {
	TapProducer(ctx context.Context, producerID string) (StreamTap, error)
}
