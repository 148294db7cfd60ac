package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrEngineClosed   = errors.New("media engine closed")
	errConsumerClosed = errors.New("consumer closed")
)

type EngineConfig struct {
	PortMin  uint16
	PortMax  uint16
	STUNURLs []string
	// TapDir holds the SDP files of recording taps.
	TapDir string
}

// Engine is the pion-backed core.MediaEngine. Each router gets its own codec
// registry and relay manager.
type Engine struct {
	cfg    EngineConfig
	closed atomic.Bool
	active atomic.Int64
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.PortMin == 0 || cfg.PortMax == 0 || cfg.PortMin > cfg.PortMax {
		return nil, fmt.Errorf("invalid media port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	// Probe that the SettingEngine accepts the range before serving sessions.
	var se webrtc.SettingEngine
	if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
		return nil, fmt.Errorf("media port range: %w", err)
	}
	log.Info().Str("module", "rtc").Uint16("port_min", cfg.PortMin).Uint16("port_max", cfg.PortMax).Msg("media engine ready")
	if cfg.TapDir == "" {
		cfg.TapDir = os.TempDir()
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Healthy() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// ActiveRouters is the number of routers not yet closed.
func (e *Engine) ActiveRouters() int64 { return e.active.Load() }

func (e *Engine) CreateRouter(_ context.Context, opts core.RouterOptions) (core.Router, error) {
	if err := e.Healthy(); err != nil {
		return nil, err
	}
	m := &webrtc.MediaEngine{}
	var pt webrtc.PayloadType = 96
	for _, c := range opts.Codecs {
		typ := webrtc.RTPCodecTypeAudio
		if c.Kind == domain.KindVideo {
			typ = webrtc.RTPCodecTypeVideo
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: toCapability(c),
			PayloadType:        pt,
		}
		if c.Kind == domain.KindAudio {
			params.PayloadType = 111
		} else {
			pt++
		}
		if err := m.RegisterCodec(params, typ); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	r := newRouter(e, uuid.NewString(), m, reg, opts)
	e.active.Add(1)
	return r, nil
}

func (e *Engine) settingEngine(opts core.TransportOptions) (webrtc.SettingEngine, error) {
	var se webrtc.SettingEngine
	if err := se.SetEphemeralUDPPortRange(e.cfg.PortMin, e.cfg.PortMax); err != nil {
		return se, err
	}
	var announced []string
	for _, l := range opts.ListenIPs {
		if l.AnnouncedIP != "" {
			announced = append(announced, l.AnnouncedIP)
		}
	}
	if len(announced) > 0 {
		se.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
	}
	if ips := listenFilter(opts.ListenIPs); ips != nil {
		se.SetIPFilter(ips)
	}
	var nets []webrtc.NetworkType
	if opts.EnableUDP || !opts.EnableTCP {
		nets = append(nets, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if opts.EnableTCP {
		nets = append(nets, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	se.SetNetworkTypes(nets)
	return se, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.cfg.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.cfg.STUNURLs}}
}

// listenFilter restricts gathering to the configured listen IPs. 0.0.0.0 means any.
func listenFilter(ips []core.ListenIP) func(net.IP) bool {
	allowed := make([]net.IP, 0, len(ips))
	for _, l := range ips {
		ip := net.ParseIP(l.IP)
		if ip == nil || ip.IsUnspecified() {
			return nil
		}
		allowed = append(allowed, ip)
	}
	if len(allowed) == 0 {
		return nil
	}
	return func(candidate net.IP) bool {
		for _, ip := range allowed {
			if ip.Equal(candidate) {
				return true
			}
		}
		return false
	}
}

func toCapability(c core.Codec) webrtc.RTPCodecCapability {
	cp := webrtc.RTPCodecCapability{
		MimeType:  c.MimeType,
		ClockRate: c.ClockRate,
		Channels:  c.Channels,
	}
	if c.Kind == domain.KindAudio {
		cp.SDPFmtpLine = "minptime=10;useinbandfec=1"
	} else if br, ok := c.Parameters["x-google-start-bitrate"]; ok {
		cp.SDPFmtpLine = "x-google-start-bitrate=" + br
	}
	return cp
}
