package simline

import (
	"github.com/sebas/linemux/internal/phone"
)

// Ring presents an incoming call from addr. The call is WAITING when the
// line is already offhook, even with both an active and a held call. Only
// one call rings at a time.
func (l *Line) Ring(addr string) (*phone.Connection, error) {
	l.mu.Lock()
	if err := l.checkUsableLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if l.ringing.IsRinging() {
		l.mu.Unlock()
		return nil, ErrCallsFull
	}
	if !l.ringing.IsIdle() {
		l.ringing.Clear()
	}
	state := phone.CallIncoming
	if l.fg.IsAlive() || l.bg.IsAlive() {
		state = phone.CallWaiting
	}
	conn := phone.NewConnection(addr, true)
	l.ringing.Attach(conn, state)

	evs := []phone.Event{
		{Kind: phone.EventNewRingingConnection, Call: l.ringing, Connection: conn},
		stateChanged(l.ringing),
	}
	if state == phone.CallWaiting {
		evs = append(evs, phone.Event{Kind: phone.EventCallWaiting, Call: l.ringing, Connection: conn})
	} else {
		evs = append(evs, phone.Event{Kind: phone.EventIncomingRing, Call: l.ringing, Connection: conn})
	}
	l.mu.Unlock()

	l.logger.Info("[SimLine] Incoming call", "from", addr, "state", state.String())
	l.emit(evs)
	return conn, nil
}

// RemoteAlert reports that the far end of the dialling call is ringing.
func (l *Line) RemoteAlert() error {
	l.mu.Lock()
	if l.fg.State() != phone.CallDialing {
		l.mu.Unlock()
		return ErrNoActiveCall
	}
	l.fg.SetState(phone.CallAlerting)
	evs := []phone.Event{
		stateChanged(l.fg),
		{Kind: phone.EventRingbackTone, Call: l.fg, On: true},
	}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// RemoteAnswer connects the dialling call and plays out its post-dial
// characters.
func (l *Line) RemoteAnswer() error {
	l.mu.Lock()
	prev := l.fg.State()
	if !prev.IsDialing() {
		l.mu.Unlock()
		return ErrNoActiveCall
	}
	l.fg.SetState(phone.CallActive)
	var evs []phone.Event
	if prev == phone.CallAlerting {
		evs = append(evs, phone.Event{Kind: phone.EventRingbackTone, Call: l.fg, On: false})
	}
	evs = append(evs, stateChanged(l.fg))
	for _, conn := range l.fg.Connections() {
		conn.MarkConnected()
		for _, ch := range conn.PostDial() {
			evs = append(evs, phone.Event{Kind: phone.EventPostDialCharacter, Call: l.fg, Connection: conn, Char: ch})
		}
		conn.SetPostDial("")
	}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// RemoteHangup ends call from the far side. A ringing call that ends
// this way is a missed call.
func (l *Line) RemoteHangup(call *phone.Call) error {
	l.mu.Lock()
	cause := phone.CauseNormal
	switch call {
	case l.ringing:
		cause = phone.CauseIncomingMissed
	case l.fg, l.bg:
		if call.State().IsDialing() {
			cause = phone.CauseBusy
		}
	default:
		l.mu.Unlock()
		return ErrUnknownCall
	}
	evs := disconnectLocked(call, cause)
	if call == l.fg {
		l.dtmf = 0
	}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// SetServiceState changes the radio's registration state.
func (l *Line) SetServiceState(s phone.ServiceState) {
	l.mu.Lock()
	if l.service == s {
		l.mu.Unlock()
		return
	}
	l.service = s
	l.mu.Unlock()
	l.emit([]phone.Event{{Kind: phone.EventServiceStateChanged, ServiceState: s}})
}

// RadioUnavailable simulates loss of the modem. Every call ends with
// RADIO_UNAVAILABLE and a single RadioUnavailable event is raised.
func (l *Line) RadioUnavailable() {
	l.mu.Lock()
	if l.unavailable {
		l.mu.Unlock()
		return
	}
	l.unavailable = true
	l.service = phone.ServiceOutOfService
	l.switching = false
	l.dtmf = 0
	for _, c := range []*phone.Call{l.ringing, l.fg, l.bg} {
		c.Disconnect(phone.CauseRadioUnavailable)
	}
	l.mu.Unlock()
	l.logger.Warn("[SimLine] Radio unavailable")
	l.emit([]phone.Event{{Kind: phone.EventRadioUnavailable}})
}

// RadioAvailable brings the modem back into service.
func (l *Line) RadioAvailable() {
	l.mu.Lock()
	if !l.unavailable {
		l.mu.Unlock()
		return
	}
	l.unavailable = false
	l.service = phone.ServiceInService
	for _, c := range []*phone.Call{l.ringing, l.fg, l.bg} {
		c.Clear()
	}
	l.mu.Unlock()
	l.emit([]phone.Event{{Kind: phone.EventServiceStateChanged, ServiceState: phone.ServiceInService}})
}

// Notify raises a network notification such as display text or a
// supplementary service notice.
func (l *Line) Notify(kind phone.EventKind, text string) {
	l.emit([]phone.Event{{Kind: kind, Text: text}})
}
