package callmanager

import (
	"github.com/sebas/linemux/internal/phone"
)

func slotCall(l phone.Line, slot phone.Slot) *phone.Call {
	switch slot {
	case phone.SlotRinging:
		return l.RingingCall()
	case phone.SlotForeground:
		return l.ForegroundCall()
	case phone.SlotBackground:
		return l.BackgroundCall()
	}
	return nil
}

// AggregateState is RINGING if any line rings, else OFFHOOK if any line
// has a live foreground or background call, else IDLE. Disconnected
// remnants do not count.
func (m *Manager) AggregateState() phone.PhoneState {
	lines := m.Lines()
	for _, l := range lines {
		if c := l.RingingCall(); c != nil && c.IsAlive() {
			return phone.StateRinging
		}
	}
	for _, l := range lines {
		if c := l.ForegroundCall(); c != nil && c.IsAlive() {
			return phone.StateOffhook
		}
		if c := l.BackgroundCall(); c != nil && c.IsAlive() {
			return phone.StateOffhook
		}
	}
	return phone.StateIdle
}

// LineState returns the state of one line, IDLE when it is not registered.
func (m *Manager) LineState(id string) phone.PhoneState {
	if l := m.Line(id); l != nil {
		return l.State()
	}
	return phone.StateIdle
}

// AggregateServiceState returns the best service state of all lines, in
// the order IN_SERVICE, OUT_OF_SERVICE, EMERGENCY_ONLY, POWER_OFF. With no
// lines it is OUT_OF_SERVICE.
func (m *Manager) AggregateServiceState() phone.ServiceState {
	lines := m.Lines()
	if len(lines) == 0 {
		return phone.ServiceOutOfService
	}
	best := phone.ServicePowerOff
	for _, l := range lines {
		s := l.ServiceState()
		if s == phone.ServiceInService {
			return s
		}
		if s < best {
			best = s
		}
	}
	return best
}

// FirstNonIdle returns the first live call in slot across all lines, else
// the first disconnected remnant, else the default line's call for that
// slot. It returns nil only when no line is registered.
func (m *Manager) FirstNonIdle(slot phone.Slot) *phone.Call {
	var remnant *phone.Call
	for _, l := range m.Lines() {
		c := slotCall(l, slot)
		if c == nil {
			continue
		}
		if c.IsAlive() {
			return c
		}
		if remnant == nil && !c.IsIdle() {
			remnant = c
		}
	}
	if remnant != nil {
		return remnant
	}
	if d := m.DefaultLine(); d != nil {
		return slotCall(d, slot)
	}
	return nil
}

// liveCall returns the first live call in slot, or nil.
func (m *Manager) liveCall(slot phone.Slot) *phone.Call {
	for _, l := range m.Lines() {
		if c := slotCall(l, slot); c != nil && c.IsAlive() {
			return c
		}
	}
	return nil
}

// activeCall returns the first foreground call in state ACTIVE, or nil.
func (m *Manager) activeCall() *phone.Call {
	for _, l := range m.Lines() {
		if c := l.ForegroundCall(); c != nil && c.State() == phone.CallActive {
			return c
		}
	}
	return nil
}

func (m *Manager) calls(slot phone.Slot) []*phone.Call {
	lines := m.Lines()
	out := make([]*phone.Call, 0, len(lines))
	for _, l := range lines {
		if c := slotCall(l, slot); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// RingingCalls returns the ringing call of every line.
func (m *Manager) RingingCalls() []*phone.Call { return m.calls(phone.SlotRinging) }

// ForegroundCalls returns the foreground call of every line.
func (m *Manager) ForegroundCalls() []*phone.Call { return m.calls(phone.SlotForeground) }

// BackgroundCalls returns the background call of every line.
func (m *Manager) BackgroundCalls() []*phone.Call { return m.calls(phone.SlotBackground) }

// HasActiveRingingCall reports whether any line is ringing.
func (m *Manager) HasActiveRingingCall() bool { return m.liveCall(phone.SlotRinging) != nil }

// HasActiveFgCall reports whether any line has a live foreground call.
func (m *Manager) HasActiveFgCall() bool { return m.liveCall(phone.SlotForeground) != nil }

// HasActiveBgCall reports whether any line has a live background call.
func (m *Manager) HasActiveBgCall() bool { return m.liveCall(phone.SlotBackground) != nil }

// FirstActiveRingingCall is FirstNonIdle(SlotRinging).
func (m *Manager) FirstActiveRingingCall() *phone.Call { return m.FirstNonIdle(phone.SlotRinging) }

// ActiveFgCall is FirstNonIdle(SlotForeground).
func (m *Manager) ActiveFgCall() *phone.Call { return m.FirstNonIdle(phone.SlotForeground) }

// FirstActiveBgCall is FirstNonIdle(SlotBackground).
func (m *Manager) FirstActiveBgCall() *phone.Call { return m.FirstNonIdle(phone.SlotBackground) }

func (m *Manager) lineOf(c *phone.Call) phone.Line {
	if c == nil {
		return nil
	}
	return m.Line(c.LineID())
}

// FgLine returns the line of ActiveFgCall.
func (m *Manager) FgLine() phone.Line { return m.lineOf(m.ActiveFgCall()) }

// BgLine returns the line of FirstActiveBgCall.
func (m *Manager) BgLine() phone.Line { return m.lineOf(m.FirstActiveBgCall()) }

// RingingLine returns the line of FirstActiveRingingCall.
func (m *Manager) RingingLine() phone.Line { return m.lineOf(m.FirstActiveRingingCall()) }

// offhookLine is the line that decides the in-call audio mode: the line
// with a live foreground call, else the line with a live held call.
func (m *Manager) offhookLine() phone.Line {
	if c := m.liveCall(phone.SlotForeground); c != nil {
		return m.lineOf(c)
	}
	return m.lineOf(m.liveCall(phone.SlotBackground))
}
