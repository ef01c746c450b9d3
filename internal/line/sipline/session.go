package sipline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"

	"github.com/sebas/linemux/internal/media"
	"github.com/sebas/linemux/internal/phone"
)

// session ties one connection to its SIP dialog and RTP stream.
type session struct {
	conn *phone.Connection
	dlg  *dialog

	// Outbound: cancels the INVITE transaction until the call is answered.
	cancelInvite context.CancelFunc

	// Inbound: the INVITE server transaction until we send a final response.
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	remote    offer

	rtp *rtpSession
}

func (s *session) answered() bool {
	return s.cancelInvite == nil && s.inviteTx == nil
}

// rtpSession is the audio plane of one call: a local UDP socket, the
// outgoing stream and the receive loop.
type rtpSession struct {
	logger *slog.Logger

	pc        net.PacketConn
	pool      *media.PortPool
	addr      string
	port      int
	sessionID uint64

	mu       sync.Mutex
	version  uint64
	codec    media.Codec
	eventPT  uint8
	sender   *media.Sender
	events   *media.EventSender
	inband   *media.InBandSender
	tracker  media.SequenceTracker
	lastTone uint32
	started  bool
	closed   bool
	done     chan struct{}
}

// newRTPSession opens a UDP socket on host, on a port from pool when one
// is given. advertise is the address put into SDP.
func newRTPSession(host, advertise string, pool *media.PortPool, logger *slog.Logger) (*rtpSession, error) {
	pc, err := listenRTP(host, pool)
	if err != nil {
		return nil, fmt.Errorf("open RTP socket: %w", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	return &rtpSession{
		logger:    logger.With("rtp_port", port),
		pc:        pc,
		pool:      pool,
		addr:      advertise,
		port:      port,
		sessionID: uint64(time.Now().UnixNano()),
		codec:     media.SupportedCodecs[0],
		done:      make(chan struct{}),
	}, nil
}

// listenRTP binds the first pool port that is free on the host. Ports that
// fail to bind go back to the pool once a socket is open.
func listenRTP(host string, pool *media.PortPool) (net.PacketConn, error) {
	if pool == nil {
		return net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	}
	var busy []int
	defer func() {
		for _, port := range busy {
			pool.Release(port)
		}
	}()
	for {
		port, err := pool.Allocate()
		if err != nil {
			return nil, err
		}
		pc, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return pc, nil
		}
		busy = append(busy, port)
	}
}

// localOffer describes our side of the stream.
func (r *rtpSession) localOffer(codecs []media.Codec, dir string) ([]byte, error) {
	r.mu.Lock()
	r.version++
	v := r.version
	r.mu.Unlock()
	return buildSDP(offer{
		Addr:      r.addr,
		Port:      r.port,
		Codecs:    codecs,
		EventPT:   media.CodecTelephoneEvent.PayloadType,
		Direction: dir,
	}, r.sessionID, v)
}

// start points the stream at the peer and starts receiving. Calling it
// again retargets the stream, e.g. after a re-INVITE.
func (r *rtpSession) start(remote offer, codec media.Codec) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(remote.Addr, strconv.Itoa(remote.Port)))
	if err != nil {
		return fmt.Errorf("resolve RTP peer: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("RTP session closed")
	}
	r.codec = codec
	r.eventPT = remote.EventPT
	if r.sender == nil {
		r.sender = media.NewSender(r.pc, addr)
	} else {
		r.sender.SetRemote(addr)
	}
	r.inband = media.NewInBandSender(r.sender, codec)
	if r.eventPT != 0 {
		r.events = media.NewEventSender(r.sender, r.eventPT)
	} else {
		r.events = nil
	}
	if !r.started {
		r.started = true
		go r.receive()
	}
	r.logger.Info("[RTP] Stream started", "peer", addr.String(), "codec", codec.Name, "telephone_event", r.eventPT != 0)
	return nil
}

func (r *rtpSession) receive() {
	defer close(r.done)
	buf := make([]byte, 1500)
	for {
		n, _, err := r.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		r.mu.Lock()
		r.tracker.Update(pkt.SequenceNumber)
		eventPT := r.eventPT
		r.mu.Unlock()

		if eventPT != 0 && pkt.PayloadType == eventPT {
			r.onEvent(pkt)
		}
	}
}

// onEvent logs each received digit once, on its first end packet.
func (r *rtpSession) onEvent(pkt rtp.Packet) {
	ev, err := media.ParseTelephoneEvent(pkt.Payload)
	if err != nil || !ev.End {
		return
	}
	r.mu.Lock()
	dup := r.lastTone == pkt.Timestamp
	r.lastTone = pkt.Timestamp
	r.mu.Unlock()
	if !dup {
		r.logger.Debug("[RTP] Received DTMF", "event", ev.String())
	}
}

func (r *rtpSession) eventSender() (*media.EventSender, *media.InBandSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events, r.inband
}

// startTone starts a continuous digit. Without telephone-event the digit
// is played in-band for d.
func (r *rtpSession) startTone(digit rune, d time.Duration) error {
	ev, inband := r.eventSender()
	switch {
	case ev != nil:
		return ev.Start(digit)
	case inband != nil:
		go func() {
			if err := inband.Send(digit, d); err != nil {
				r.logger.Warn("[RTP] In-band tone failed", "error", err)
			}
		}()
		return nil
	}
	return errors.New("RTP stream not started")
}

func (r *rtpSession) stopTone() error {
	ev, _ := r.eventSender()
	if ev == nil {
		return nil
	}
	return ev.Stop()
}

// sendTone plays one digit for d in the background.
func (r *rtpSession) sendTone(digit rune, d time.Duration) error {
	ev, inband := r.eventSender()
	if ev == nil && inband == nil {
		return errors.New("RTP stream not started")
	}
	go func() {
		var err error
		if ev != nil {
			err = ev.Send(digit, d)
		} else {
			err = inband.Send(digit, d)
		}
		if err != nil {
			r.logger.Warn("[RTP] Tone failed", "digit", string(digit), "error", err)
		}
	}()
	return nil
}

func (r *rtpSession) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ev, sender, started := r.events, r.sender, r.started
	received, lost := r.tracker.Stats()
	loss := r.tracker.LossRate()
	r.mu.Unlock()

	if ev != nil {
		ev.Stop()
	}
	if sender != nil {
		sender.Close()
	}
	r.pc.Close()
	if r.pool != nil {
		r.pool.Release(r.port)
	}
	if started {
		<-r.done
	}
	r.logger.Info("[RTP] Stream closed", "received", received, "lost", lost, "loss_rate", loss)
}
