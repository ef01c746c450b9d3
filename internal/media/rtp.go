package media

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// PacketWriter is the sending half of a net.PacketConn.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// randUint32 returns a random value for SSRC, sequence and timestamp
// starts (RFC 3550 section 5.1).
func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed1e55
	}
	return binary.BigEndian.Uint32(b[:])
}

// Sender writes the outgoing RTP stream of one call. Voice frames and
// telephone events share its SSRC, sequence space and clock.
type Sender struct {
	mu     sync.Mutex
	conn   PacketWriter
	remote net.Addr
	ssrc   uint32
	seq    uint16
	ts     uint32
	sent   uint64
	closed bool
}

// NewSender creates a sender with random SSRC, sequence and timestamp
// starts.
func NewSender(conn PacketWriter, remote net.Addr) *Sender {
	return &Sender{
		conn:   conn,
		remote: remote,
		ssrc:   randUint32(),
		seq:    uint16(randUint32()),
		ts:     randUint32(),
	}
}

// SetRemote changes the destination, e.g. after a re-INVITE.
func (s *Sender) SetRemote(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = addr
}

// Remote returns the current destination.
func (s *Sender) Remote() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SSRC returns the stream's synchronization source.
func (s *Sender) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// Timestamp returns the timestamp of the next frame.
func (s *Sender) Timestamp() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

// Advance moves the stream clock forward by n samples.
func (s *Sender) Advance(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts += n
}

// Sent returns the number of packets written.
func (s *Sender) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// WritePacket sends payload with the given payload type, marker and
// timestamp, taking the next sequence number.
func (s *Sender) WritePacket(pt uint8, marker bool, ts uint32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(data, s.remote); err != nil {
		return err
	}
	s.seq++
	s.sent++
	return nil
}

// WriteFrame sends one voice frame at the current timestamp and advances
// the clock by one frame.
func (s *Sender) WriteFrame(c Codec, payload []byte, marker bool) error {
	ts := s.Timestamp()
	if err := s.WritePacket(c.PayloadType, marker, ts, payload); err != nil {
		return err
	}
	s.Advance(c.TimestampIncrement())
	return nil
}

// Close stops further writes. The underlying connection is not closed.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
