package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/eleven-am/face-kiosk/internal/shared"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const (
	rtpMTU       = 1500
	vp8ClockRate = 90000
	maxLate      = 64
)

// RTPDevice receives a VP8 RTP stream on a UDP address, e.g. from
// `gst-launch-1.0 v4l2src ! vp8enc ! rtpvp8pay ! udpsink`. The sender owns
// the resolution, so constraints are only logged.
type RTPDevice struct {
	addr    string
	decoder VideoDecoder
	logger  *slog.Logger
}

func NewRTPDevice(addr string, decoder VideoDecoder, logger *slog.Logger) *RTPDevice {
	if decoder == nil {
		decoder = NewVP8Decoder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RTPDevice{
		addr:    addr,
		decoder: decoder,
		logger:  logger.With("component", "rtp-device", "addr", addr),
	}
}

func (d *RTPDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", d.addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", shared.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", shared.ErrDeviceUnavailable, err)
	}

	d.logger.Debug("rtp device opened", "width", c.Width, "height", c.Height)

	return &rtpStream{
		conn:          conn,
		decoder:       d.decoder,
		logger:        d.logger,
		sampleBuilder: samplebuilder.New(maxLate, &codecs.VP8Packet{}, vp8ClockRate),
	}, nil
}

type rtpStream struct {
	conn          net.PacketConn
	decoder       VideoDecoder
	logger        *slog.Logger
	sampleBuilder *samplebuilder.SampleBuilder

	closeOnce sync.Once
	closeErr  error
}

func (s *rtpStream) ReadFrame(ctx context.Context) (image.Image, error) {
	buf := make([]byte, rtpMTU)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("read rtp: %w", err)
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			s.logger.Debug("rtp unmarshal failed", "error", err)
			continue
		}
		s.sampleBuilder.Push(pkt)

		var latest image.Image
		for {
			sample := s.sampleBuilder.Pop()
			if sample == nil {
				break
			}
			img, err := s.decoder.Decode(sample.Data)
			if err != nil {
				if !errors.Is(err, errNotKeyFrame) {
					s.logger.Debug("frame decode failed", "error", err)
				}
				continue
			}
			latest = img
		}

		if latest != nil {
			return latest, nil
		}
	}
}

func (s *rtpStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
