package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	applog "denoiser/internal/log"
	"denoiser/internal/metrics"
)

// writeTimeout bounds a single datagram write so a wedged socket cannot
// stall the publisher's ticker.
const writeTimeout = 100 * time.Millisecond

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("udp: sender closed")

// UDPSender writes epoch frames to one telemetry listener. Frames are
// fire-and-forget; a lost datagram is counted, never retried.
type UDPSender struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
}

// NewUDPSender dials target, a host:port such as "127.0.0.1:9090".
func NewUDPSender(target string) (*UDPSender, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve telemetry target %q: %w", target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial telemetry target %q: %w", target, err)
	}
	applog.Infof("Telemetry: streaming epoch frames to udp://%s", conn.RemoteAddr())
	return &UDPSender{conn: conn}, nil
}

// Send writes one frame. Frames other than PacketSize bytes are rejected so
// listeners can decode every datagram with DecodePacket.
func (s *UDPSender) Send(frame []byte) error {
	if len(frame) != PacketSize {
		return fmt.Errorf("udp: frame is %d bytes, want %d", len(frame), PacketSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSenderClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		metrics.TelemetryFramesTotal.WithLabelValues("dropped").Inc()
		return fmt.Errorf("udp: send frame: %w", err)
	}
	metrics.TelemetryFramesTotal.WithLabelValues("sent").Inc()
	return nil
}

// Close releases the socket. It is safe to call more than once.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
