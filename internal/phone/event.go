package phone

import (
	"fmt"
	"time"
)

// EventKind identifies a line-level asynchronous event.
type EventKind int

const (
	EventDisconnect EventKind = iota
	EventPreciseCallStateChanged
	EventNewRingingConnection
	EventIncomingRing
	EventRingbackTone
	EventDisplayInfo
	EventSignalInfo
	EventSuppServiceFailed
	EventSuppServiceNotification
	EventServiceStateChanged
	EventPostDialCharacter
	EventUnknownConnection
	EventMmiInitiate
	EventMmiComplete
	EventCallWaiting
	EventResendInCallMute
	EventInCallVoicePrivacyOn
	EventInCallVoicePrivacyOff
	EventEcmTimerReset

	// EventRadioUnavailable is raised by a driver whose async channel has
	// gone away. The call manager consumes it and republishes the failure
	// as Disconnect and ServiceStateChanged events.
	EventRadioUnavailable
)

// PublishedKinds lists every kind that reaches fan-out subscribers.
var PublishedKinds = []EventKind{
	EventDisconnect,
	EventPreciseCallStateChanged,
	EventNewRingingConnection,
	EventIncomingRing,
	EventRingbackTone,
	EventDisplayInfo,
	EventSignalInfo,
	EventSuppServiceFailed,
	EventSuppServiceNotification,
	EventServiceStateChanged,
	EventPostDialCharacter,
	EventUnknownConnection,
	EventMmiInitiate,
	EventMmiComplete,
	EventCallWaiting,
	EventResendInCallMute,
	EventInCallVoicePrivacyOn,
	EventInCallVoicePrivacyOff,
	EventEcmTimerReset,
}

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventDisconnect:
		return "disconnect"
	case EventPreciseCallStateChanged:
		return "precise_call_state_changed"
	case EventNewRingingConnection:
		return "new_ringing_connection"
	case EventIncomingRing:
		return "incoming_ring"
	case EventRingbackTone:
		return "ringback_tone"
	case EventDisplayInfo:
		return "display_info"
	case EventSignalInfo:
		return "signal_info"
	case EventSuppServiceFailed:
		return "supp_service_failed"
	case EventSuppServiceNotification:
		return "supp_service_notification"
	case EventServiceStateChanged:
		return "service_state_changed"
	case EventPostDialCharacter:
		return "post_dial_character"
	case EventUnknownConnection:
		return "unknown_connection"
	case EventMmiInitiate:
		return "mmi_initiate"
	case EventMmiComplete:
		return "mmi_complete"
	case EventCallWaiting:
		return "call_waiting"
	case EventResendInCallMute:
		return "resend_incall_mute"
	case EventInCallVoicePrivacyOn:
		return "incall_voice_privacy_on"
	case EventInCallVoicePrivacyOff:
		return "incall_voice_privacy_off"
	case EventEcmTimerReset:
		return "ecm_timer_reset"
	case EventRadioUnavailable:
		return "radio_unavailable"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// SuppService names the supplementary service an event refers to.
type SuppService int

const (
	SuppUnknown SuppService = iota
	SuppSwitch
	SuppSeparate
	SuppTransfer
	SuppConference
	SuppReject
	SuppHangup
	SuppHold
	SuppResume
)

// String returns the string representation of SuppService.
func (s SuppService) String() string {
	switch s {
	case SuppUnknown:
		return "UNKNOWN"
	case SuppSwitch:
		return "SWITCH"
	case SuppSeparate:
		return "SEPARATE"
	case SuppTransfer:
		return "TRANSFER"
	case SuppConference:
		return "CONFERENCE"
	case SuppReject:
		return "REJECT"
	case SuppHangup:
		return "HANGUP"
	case SuppHold:
		return "HOLD"
	case SuppResume:
		return "RESUME"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Event is a line event, as raised by a driver and as delivered to
// fan-out subscribers. LineID is always set.
type Event struct {
	ID     string
	Kind   EventKind
	LineID string
	Time   time.Time

	Call       *Call
	Connection *Connection

	Service      SuppService
	ServiceState ServiceState
	Cause        DisconnectCause

	// Char is the post-dial character or DTMF digit.
	Char rune
	// Text carries display/signal info and MMI messages.
	Text string
	// On carries ringback tone start/stop.
	On bool
}

// Sink receives raw events from a line driver. PostLineEvent must not block.
type Sink interface {
	PostLineEvent(ev Event)
}

// IsInCallControlCode reports whether s is a call-waiting management code
// rather than a number: "0", "3", "4", or "1"/"2" optionally followed by
// one call index digit. Anything else, "5" included, is dialed.
func IsInCallControlCode(s string) bool {
	switch len(s) {
	case 1:
		return s[0] >= '0' && s[0] <= '4'
	case 2:
		return (s[0] == '1' || s[0] == '2') && s[1] >= '1' && s[1] <= '9'
	}
	return false
}
