package simline

import (
	"fmt"
	"sort"

	"github.com/sebas/linemux/internal/phone"
)

// inCallCode runs a call-waiting management code, bracketed by MmiInitiate
// and MmiComplete events.
func (l *Line) inCallCode(code string) error {
	l.emit([]phone.Event{{Kind: phone.EventMmiInitiate, Text: code}})

	var err error
	switch code[0] {
	case '0':
		err = l.releaseHeldOrWaiting()
	case '1':
		if len(code) == 1 {
			err = l.releaseActiveAcceptOther()
		} else {
			err = l.releaseConnection(int(code[1] - '0'))
		}
	case '2':
		if len(code) == 1 {
			err = l.SwitchHoldingAndActive()
		} else {
			err = l.separateConnection(int(code[1] - '0'))
		}
	case '3':
		err = l.Conference()
	case '4':
		err = l.ExplicitCallTransfer()
	default:
		err = fmt.Errorf("%q: %w", code, ErrNotSupported)
	}

	text := code
	if err != nil {
		text = err.Error()
		l.logger.Info("[SimLine] In-call code failed", "code", code, "error", err)
	}
	l.emit([]phone.Event{{Kind: phone.EventMmiComplete, Text: text}})
	return err
}

// releaseHeldOrWaiting rejects the waiting call, or ends the held call when
// nothing is waiting.
func (l *Line) releaseHeldOrWaiting() error {
	l.mu.Lock()
	var evs []phone.Event
	switch {
	case l.ringing.IsRinging():
		evs = disconnectLocked(l.ringing, phone.CauseIncomingRejected)
	case l.bg.IsAlive():
		evs = disconnectLocked(l.bg, phone.CauseLocal)
	default:
		l.mu.Unlock()
		return ErrNoHeldCall
	}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// releaseActiveAcceptOther ends the active call, then answers the waiting
// call or resumes the held one.
func (l *Line) releaseActiveAcceptOther() error {
	l.mu.Lock()
	var evs []phone.Event
	if l.fg.IsAlive() {
		evs = disconnectLocked(l.fg, phone.CauseLocal)
		l.dtmf = 0
	}
	switch {
	case l.ringing.IsRinging():
		more, err := l.acceptLocked()
		if err != nil {
			l.mu.Unlock()
			l.emit(evs)
			return err
		}
		evs = append(evs, more...)
	case l.bg.IsAlive():
		evs = append(evs, l.swapLocked()...)
	case len(evs) == 0:
		l.mu.Unlock()
		return ErrNoActiveCall
	}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// partiesLocked returns the live connections of the foreground and
// background calls in creation order. Party X of a 1X or 2X code is the
// X-th entry.
func (l *Line) partiesLocked() []*phone.Connection {
	var conns []*phone.Connection
	for _, c := range []*phone.Call{l.fg, l.bg} {
		if c.IsAlive() {
			conns = append(conns, c.Connections()...)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Seq() < conns[j].Seq() })
	return conns
}

// connectionAt returns the 1-based index-th party and the call holding it.
func (l *Line) connectionAt(index int) (*phone.Call, *phone.Connection) {
	conns := l.partiesLocked()
	if index < 1 || index > len(conns) {
		return nil, nil
	}
	conn := conns[index-1]
	return conn.Call(), conn
}

// releaseConnection ends one party of a call.
func (l *Line) releaseConnection(index int) error {
	l.mu.Lock()
	call, conn := l.connectionAt(index)
	if conn == nil {
		l.mu.Unlock()
		return fmt.Errorf("connection %d: %w", index, ErrInvalidCallCode)
	}
	var evs []phone.Event
	if call.Len() == 1 {
		evs = disconnectLocked(call, phone.CauseLocal)
	} else {
		conn.MarkDisconnected(phone.CauseLocal)
		call.Detach(conn)
		evs = []phone.Event{
			{Kind: phone.EventDisconnect, Call: call, Connection: conn, Cause: phone.CauseLocal},
			stateChanged(call),
		}
	}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// separateConnection keeps one party of the conference active and puts the
// rest on hold.
func (l *Line) separateConnection(index int) error {
	l.mu.Lock()
	if l.fg.State() != phone.CallActive || !l.fg.IsMultiparty() || l.bg.IsAlive() {
		l.mu.Unlock()
		return fmt.Errorf("separate %d: %w", index, ErrInvalidCallCode)
	}
	_, keep := l.connectionAt(index)
	if keep == nil {
		l.mu.Unlock()
		return fmt.Errorf("connection %d: %w", index, ErrInvalidCallCode)
	}
	if !l.bg.IsIdle() {
		l.bg.Clear()
	}
	for _, conn := range l.fg.Connections() {
		if conn == keep {
			continue
		}
		l.fg.Detach(conn)
		l.bg.Attach(conn, phone.CallHolding)
	}
	evs := []phone.Event{stateChanged(l.fg), stateChanged(l.bg)}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}
