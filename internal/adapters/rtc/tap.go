package rtc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const (
	tapAudioPT = 111
	tapVideoPT = 96
)

// udpSink writes packets to a loopback port with a fixed payload type. Write
// errors are ignored: the reader may not be bound yet.
type udpSink struct {
	conn *net.UDPConn
	pt   uint8
}

func (s *udpSink) WriteRTP(p *rtp.Packet) error {
	out := *p
	out.Header.PayloadType = s.pt
	buf, err := out.Marshal()
	if err != nil {
		return nil
	}
	_, _ = s.conn.Write(buf)
	return nil
}

// TapProducer mirrors a producer to a free loopback UDP port and writes an SDP
// file describing it. The returned URL is the SDP path.
func (r *Router) TapProducer(_ context.Context, producerID string) (core.StreamTap, error) {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return core.StreamTap{}, fmt.Errorf("producer %s not on router %s", producerID, r.id)
	}

	port, err := freeUDPPort()
	if err != nil {
		return core.StreamTap{}, err
	}
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return core.StreamTap{}, fmt.Errorf("dial tap: %w", err)
	}

	pt := uint8(tapAudioPT)
	if p.kind == domain.KindVideo {
		pt = tapVideoPT
	}
	tapID := "tap-" + uuid.NewString()
	path := filepath.Join(r.engine.cfg.TapDir, tapID+".sdp")
	if err := os.WriteFile(path, []byte(tapSDP(p.codec, port, pt)), 0o644); err != nil {
		_ = conn.Close()
		return core.StreamTap{}, fmt.Errorf("write tap sdp: %w", err)
	}

	if _, ok := r.relays.AddSubscriber(producerID, tapID, &udpSink{conn: conn, pt: pt}, false); !ok {
		_ = conn.Close()
		_ = os.Remove(path)
		return core.StreamTap{}, fmt.Errorf("producer %s has no relay", producerID)
	}
	log.Info().Str("module", "rtc").Str("router_id", r.id).Str("producer_id", producerID).Int("port", port).Msg("producer tapped")

	return core.StreamTap{
		URL: path,
		Close: func() error {
			r.relays.MarkSubscriberDelete(producerID, tapID)
			_ = os.Remove(path)
			return conn.Close()
		},
	}, nil
}

func freeUDPPort() (int, error) {
	l, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe tap port: %w", err)
	}
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port, nil
}

func tapSDP(c core.Codec, port int, pt uint8) string {
	media := "audio"
	if c.Kind == domain.KindVideo {
		media = "video"
	}
	name := c.MimeType
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	rtpmap := fmt.Sprintf("%s/%d", name, c.ClockRate)
	if c.Channels > 0 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, c.Channels)
	}
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 127.0.0.1\r\n")
	b.WriteString("s=teleroom\r\n")
	b.WriteString("c=IN IP4 127.0.0.1\r\n")
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=%s %d RTP/AVP %d\r\n", media, port, pt)
	fmt.Fprintf(&b, "a=rtpmap:%d %s\r\n", pt, rtpmap)
	return b.String()
}
