package phone

import "fmt"

// Kind distinguishes radio lines from packet-voice lines.
type Kind int

const (
	KindRadio Kind = iota
	KindPacketVoice
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindRadio:
		return "radio"
	case KindPacketVoice:
		return "sip"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Capabilities describes what a line can do.
type Capabilities struct {
	// MaxCalls is the number of simultaneous calls (active plus held).
	MaxCalls int
	// Conference is true when held and active calls can be merged.
	Conference bool
	// Transfer is true when explicit call transfer is supported.
	Transfer bool
}

// CanHold reports whether the line can keep a call on hold while another
// one is active.
func (c Capabilities) CanHold() bool {
	return c.MaxCalls >= 2
}

// Line is a single call-control channel. Implementations must not block on
// network or hardware completion; results are reported through the
// subscribed Sink.
type Line interface {
	ID() string
	Kind() Kind
	Capabilities() Capabilities

	// State is the line's aggregate state.
	State() PhoneState
	ServiceState() ServiceState

	RingingCall() *Call
	ForegroundCall() *Call
	BackgroundCall() *Call

	// Dial places a new call, or runs an in-call control code and returns
	// a nil connection.
	Dial(number string) (*Connection, error)
	AcceptCall() error
	RejectCall() error
	SwitchHoldingAndActive() error
	Conference() error
	ExplicitCallTransfer() error
	Hangup(call *Call) error
	HangupAll() error
	ClearDisconnected()

	SetMute(muted bool)
	Mute() bool
	StartDTMF(digit rune) error
	StopDTMF() error
	SendDTMF(digit rune) error

	Subscribe(sink Sink)
	Unsubscribe(sink Sink)
}

// LineState computes a line's aggregate state from its three calls.
func LineState(ringing, fg, bg *Call) PhoneState {
	switch {
	case ringing != nil && ringing.IsRinging():
		return StateRinging
	case (fg != nil && fg.IsAlive()) || (bg != nil && bg.IsAlive()):
		return StateOffhook
	default:
		return StateIdle
	}
}

// IsValidDTMF reports whether r can be sent as a DTMF digit.
func IsValidDTMF(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D':
		return true
	}
	return false
}
