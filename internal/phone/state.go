// Package phone defines the line, call and connection model shared by the
// call manager and the line drivers.
package phone

import "fmt"

// CallState is the state shared by every connection of a Call.
type CallState int

const (
	// CallIdle means the call slot holds no connections.
	CallIdle CallState = iota
	// CallActive is a connected, unheld call.
	CallActive
	// CallHolding is a connected call placed on hold.
	CallHolding
	// CallDialing is an outgoing call before the remote side is alerted.
	CallDialing
	// CallAlerting is an outgoing call whose remote side is ringing.
	CallAlerting
	// CallIncoming is a ringing call while the line is otherwise idle.
	CallIncoming
	// CallWaiting is a ringing call while the line already has a call.
	CallWaiting
	// CallDisconnecting means a hangup was requested but not yet confirmed.
	CallDisconnecting
	// CallDisconnected is the remnant of an ended call, visible until cleared.
	CallDisconnected
)

// String returns the string representation of CallState.
func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "IDLE"
	case CallActive:
		return "ACTIVE"
	case CallHolding:
		return "HOLDING"
	case CallDialing:
		return "DIALING"
	case CallAlerting:
		return "ALERTING"
	case CallIncoming:
		return "INCOMING"
	case CallWaiting:
		return "WAITING"
	case CallDisconnecting:
		return "DISCONNECTING"
	case CallDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsAlive reports whether the state represents a call that still occupies
// the line.
func (s CallState) IsAlive() bool {
	return !(s == CallIdle || s == CallDisconnected || s == CallDisconnecting)
}

// IsRinging returns true for INCOMING and WAITING.
func (s CallState) IsRinging() bool {
	return s == CallIncoming || s == CallWaiting
}

// IsDialing returns true for DIALING and ALERTING.
func (s CallState) IsDialing() bool {
	return s == CallDialing || s == CallAlerting
}

// PhoneState is the aggregate state of a line or of all lines.
type PhoneState int

const (
	// StateIdle means no call exists.
	StateIdle PhoneState = iota
	// StateRinging means at least one call is ringing.
	StateRinging
	// StateOffhook means at least one call is dialing, active or on hold.
	StateOffhook
)

// String returns the string representation of PhoneState.
func (s PhoneState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRinging:
		return "RINGING"
	case StateOffhook:
		return "OFFHOOK"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// ServiceState is the registration state of a line's network.
type ServiceState int

const (
	// ServiceInService means normal calls are possible.
	ServiceInService ServiceState = iota
	// ServiceOutOfService means no network is reachable.
	ServiceOutOfService
	// ServiceEmergencyOnly means only emergency calls are possible.
	ServiceEmergencyOnly
	// ServicePowerOff means the radio is off.
	ServicePowerOff
)

// String returns the string representation of ServiceState.
func (s ServiceState) String() string {
	switch s {
	case ServiceInService:
		return "IN_SERVICE"
	case ServiceOutOfService:
		return "OUT_OF_SERVICE"
	case ServiceEmergencyOnly:
		return "EMERGENCY_ONLY"
	case ServicePowerOff:
		return "POWER_OFF"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// ParseServiceState parses the names produced by ServiceState.String.
func ParseServiceState(s string) (ServiceState, error) {
	switch s {
	case "", "IN_SERVICE", "in_service":
		return ServiceInService, nil
	case "OUT_OF_SERVICE", "out_of_service":
		return ServiceOutOfService, nil
	case "EMERGENCY_ONLY", "emergency_only":
		return ServiceEmergencyOnly, nil
	case "POWER_OFF", "power_off":
		return ServicePowerOff, nil
	}
	return ServiceOutOfService, fmt.Errorf("unknown service state %q", s)
}

// Slot identifies which of a line's three calls is meant.
type Slot int

const (
	SlotRinging Slot = iota
	SlotForeground
	SlotBackground
)

// String returns the string representation of Slot.
func (s Slot) String() string {
	switch s {
	case SlotRinging:
		return "ringing"
	case SlotForeground:
		return "foreground"
	case SlotBackground:
		return "background"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// DisconnectCause explains why a connection ended.
type DisconnectCause int

const (
	CauseNotDisconnected DisconnectCause = iota
	CauseNormal
	CauseLocal
	CauseBusy
	CauseIncomingRejected
	CauseIncomingMissed
	CauseCongestion
	CauseInvalidNumber
	CauseOutOfService
	CauseRadioUnavailable
	CauseError
)

// String returns the string representation of DisconnectCause.
func (c DisconnectCause) String() string {
	switch c {
	case CauseNotDisconnected:
		return "NOT_DISCONNECTED"
	case CauseNormal:
		return "NORMAL"
	case CauseLocal:
		return "LOCAL"
	case CauseBusy:
		return "BUSY"
	case CauseIncomingRejected:
		return "INCOMING_REJECTED"
	case CauseIncomingMissed:
		return "INCOMING_MISSED"
	case CauseCongestion:
		return "CONGESTION"
	case CauseInvalidNumber:
		return "INVALID_NUMBER"
	case CauseOutOfService:
		return "OUT_OF_SERVICE"
	case CauseRadioUnavailable:
		return "RADIO_UNAVAILABLE"
	case CauseError:
		return "ERROR"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}
