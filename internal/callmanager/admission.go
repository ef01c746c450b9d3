package callmanager

import (
	"github.com/sebas/linemux/internal/phone"
)

// CanDial reports whether a new dial on line is allowed right now. An
// in-call control code is let through ringing and all-lines-taken states
// when it targets the line that actually owns the calls it manages.
func (m *Manager) CanDial(line phone.Line, dialString string) bool {
	if line == nil || m.Line(line.ID()) == nil {
		return false
	}
	if m.AggregateServiceState() == phone.ServicePowerOff {
		return false
	}

	code := phone.IsInCallControlCode(dialString)
	exempt := code && m.codeTargetsLine(line)

	if m.HasActiveRingingCall() && !exempt {
		return false
	}
	if m.HasActiveFgCall() && m.HasActiveBgCall() && !exempt {
		return false
	}

	fgState := phone.CallIdle
	if fg := m.ActiveFgCall(); fg != nil {
		fgState = fg.State()
	}
	switch fgState {
	case phone.CallActive, phone.CallIdle, phone.CallDisconnected:
	case phone.CallAlerting:
		if !code {
			return false
		}
	default:
		return false
	}

	return !m.inEmergencyCall()
}

// codeTargetsLine reports whether an in-call control code dialled on line
// has calls to act on: the line must be busy, and when more than one line
// is busy it must hold the active and held pair.
func (m *Manager) codeTargetsLine(line phone.Line) bool {
	if line.State() == phone.StateIdle {
		return false
	}
	busy := 0
	for _, l := range m.Lines() {
		if l.State() != phone.StateIdle {
			busy++
		}
	}
	if busy <= 1 {
		return true
	}
	fg, bg := line.ForegroundCall(), line.BackgroundCall()
	return fg != nil && fg.State() == phone.CallActive &&
		bg != nil && bg.State() == phone.CallHolding
}

// IsEmergencyNumber reports whether number is a configured emergency number.
func (m *Manager) IsEmergencyNumber(number string) bool {
	addr, _ := phone.SplitPostDial(number)
	_, ok := m.emergency[addr]
	return ok
}

func (m *Manager) inEmergencyCall() bool {
	for _, c := range m.ForegroundCalls() {
		if !c.IsAlive() {
			continue
		}
		for _, conn := range c.Connections() {
			if m.IsEmergencyNumber(conn.Address()) {
				return true
			}
		}
	}
	return false
}

// CanConference reports whether heldCall can be merged with the active
// call.
func (m *Manager) CanConference(heldCall *phone.Call) bool {
	return m.checkMerge("conference", heldCall, func(c phone.Capabilities) bool { return c.Conference }) == nil
}

// CanTransfer reports whether heldCall can be transferred to the active
// call's party.
func (m *Manager) CanTransfer(heldCall *phone.Call) bool {
	return m.checkMerge("transfer", heldCall, func(c phone.Capabilities) bool { return c.Transfer }) == nil
}

// checkMerge validates conference and transfer: the held and active calls
// must be on the same line and that line must support the operation.
func (m *Manager) checkMerge(op string, heldCall *phone.Call, capable func(phone.Capabilities) bool) error {
	if heldCall == nil || heldCall.State() != phone.CallHolding {
		return invalidState(op, "no held call")
	}
	active := m.activeCall()
	if active == nil {
		return invalidState(op, "no active call")
	}
	if active.LineID() != heldCall.LineID() {
		return invalidState(op, "held and active calls are on different lines")
	}
	line := m.Line(heldCall.LineID())
	if line == nil {
		return &StateError{Op: op, Reason: "line not registered", Err: ErrNoLine}
	}
	if !capable(line.Capabilities()) {
		return invalidState(op, "not supported by line "+line.ID())
	}
	return nil
}
