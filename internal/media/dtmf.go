package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// dtmfDigits is indexed by RFC 4733 event code.
const dtmfDigits = "0123456789*#ABCD"

const (
	DefaultEventVolume = 10
	// MinEventDuration is 50 ms at 8 kHz.
	MinEventDuration = 400
	endRepeats       = 3
)

var ErrToneActive = errors.New("tone already playing")

// EventCode returns the telephone-event code for a DTMF digit.
func EventCode(digit rune) (uint8, bool) {
	i := strings.IndexRune(dtmfDigits, toUpper(digit))
	if i < 0 {
		return 0, false
	}
	return uint8(i), true
}

// EventDigit is the inverse of EventCode.
func EventDigit(code uint8) (rune, bool) {
	if int(code) >= len(dtmfDigits) {
		return 0, false
	}
	return rune(dtmfDigits[code]), true
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

// TelephoneEvent is the 4-byte RFC 4733 payload:
//
//	|     event     |E|R| volume    |          duration             |
type TelephoneEvent struct {
	Code     uint8
	End      bool
	Volume   uint8
	Duration uint16
}

func (e TelephoneEvent) Marshal() []byte {
	b := make([]byte, 4)
	b[0] = e.Code
	b[1] = e.Volume & 0x3f
	if e.End {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// ParseTelephoneEvent decodes an RFC 4733 payload.
func ParseTelephoneEvent(payload []byte) (TelephoneEvent, error) {
	if len(payload) < 4 {
		return TelephoneEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}
	return TelephoneEvent{
		Code:     payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3f,
		Duration: binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

func (e TelephoneEvent) String() string {
	d, ok := EventDigit(e.Code)
	if !ok {
		d = '?'
	}
	end := ""
	if e.End {
		end = " end"
	}
	return fmt.Sprintf("event %c vol=%d dur=%d%s", d, e.Volume, e.Duration, end)
}

// EventSender plays DTMF digits as RFC 4733 events on a Sender. A tone
// started with Start keeps refreshing every packet interval until Stop.
type EventSender struct {
	out      *Sender
	pt       uint8
	interval time.Duration
	rate     Codec

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	code   uint8
	start  uint32
	length uint16
}

// NewEventSender sends events with payload type pt.
func NewEventSender(out *Sender, pt uint8) *EventSender {
	return &EventSender{
		out:      out,
		pt:       pt,
		interval: CodecTelephoneEvent.FrameDur,
		rate:     CodecTelephoneEvent,
	}
}

// Start begins a continuous tone.
func (s *EventSender) Start(digit rune) error {
	code, ok := EventCode(digit)
	if !ok {
		return fmt.Errorf("invalid DTMF digit %q", digit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return ErrToneActive
	}

	s.code = code
	s.start = s.out.Timestamp()
	s.length = uint16(s.rate.Samples(s.interval))
	ev := TelephoneEvent{Code: code, Volume: DefaultEventVolume, Duration: s.length}
	if err := s.out.WritePacket(s.pt, true, s.start, ev.Marshal()); err != nil {
		return fmt.Errorf("send event start: %w", err)
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.refresh(s.stop, s.done)
	return nil
}

func (s *EventSender) refresh(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	step := uint16(s.rate.Samples(s.interval))
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		s.mu.Lock()
		if s.length <= 0xffff-step {
			s.length += step
		}
		ev := TelephoneEvent{Code: s.code, Volume: DefaultEventVolume, Duration: s.length}
		s.out.WritePacket(s.pt, false, s.start, ev.Marshal())
		s.mu.Unlock()
	}
}

// Stop ends the current tone with the redundant end packets. It is a
// no-op when no tone is playing.
func (s *EventSender) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	length := s.length
	if length < MinEventDuration {
		length = MinEventDuration
	}
	ev := TelephoneEvent{Code: s.code, End: true, Volume: DefaultEventVolume, Duration: length}
	for i := 0; i < endRepeats; i++ {
		if err := s.out.WritePacket(s.pt, false, s.start, ev.Marshal()); err != nil {
			return fmt.Errorf("send event end: %w", err)
		}
	}
	s.out.Advance(uint32(length))
	return nil
}

// Send plays one digit for d.
func (s *EventSender) Send(digit rune, d time.Duration) error {
	if err := s.Start(digit); err != nil {
		return err
	}
	time.Sleep(d)
	return s.Stop()
}

// Active reports whether a tone is playing.
func (s *EventSender) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}
