package callmanager

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/linemux/internal/audio"
	"github.com/sebas/linemux/internal/phone"
)

// handleLineEvent runs on the worker for every raw line event: it advances
// a pending wait, updates the audio mode and republishes the event.
func (m *Manager) handleLineEvent(ev phone.Event) {
	if m.Line(ev.LineID) == nil {
		m.logger.Debug("[CallManager] Dropping event from unregistered line",
			"line", ev.LineID, "kind", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case phone.EventRadioUnavailable:
		m.handleRemoteFailure(ev)
		return
	case phone.EventPreciseCallStateChanged, phone.EventDisconnect:
		m.checkWaitCompletion()
	case phone.EventSuppServiceFailed:
		m.handleSuppServiceFailed(ev)
	}

	switch ev.Kind {
	case phone.EventPreciseCallStateChanged,
		phone.EventDisconnect,
		phone.EventNewRingingConnection,
		phone.EventSuppServiceFailed:
		m.updateAudio()
	}

	m.bus.Publish(ev)
	m.checkForegroundLine()
}

// checkWaitCompletion runs the deferred operation once the call being
// held has reached HOLDING, or has gone away.
func (m *Manager) checkWaitCompletion() {
	if !m.wait.pending() {
		return
	}
	switch m.wait.held.State() {
	case phone.CallHolding, phone.CallDisconnected, phone.CallIdle:
	default:
		return
	}

	reason := m.wait.reason()
	target := m.wait.target
	number := m.wait.number
	heldState := m.wait.held.State()
	result := m.wait.finish(evComplete)
	m.audio.Commit()

	m.logger.Info("[CallManager] Hold completed, running deferred operation",
		"reason", reason,
		"held_state", heldState.String(),
		"target_line", target.ID(),
	)

	var err error
	switch reason {
	case WaitAccept:
		if r := target.RingingCall(); r != nil && r.IsRinging() {
			err = target.AcceptCall()
		} else {
			m.logger.Info("[CallManager] Ringing call ended before hold completed", "line", target.ID())
		}
	case WaitSwitch:
		if bg := target.BackgroundCall(); bg != nil && bg.State() == phone.CallHolding {
			err = target.SwitchHoldingAndActive()
		}
	case WaitDial:
		var conn *phone.Connection
		conn, err = target.Dial(number)
		if err != nil {
			err = fmt.Errorf("dial on %s: %w", target.ID(), err)
		}
		if result != nil {
			result <- dialResult{conn: conn, err: err}
		}
	}
	if err != nil {
		m.logger.Warn("[CallManager] Deferred operation failed", "reason", reason, "error", err)
	}
}

func (m *Manager) handleSuppServiceFailed(ev phone.Event) {
	if !m.wait.pending() || m.wait.held.LineID() != ev.LineID {
		return
	}
	switch ev.Service {
	case phone.SuppHold, phone.SuppSwitch, phone.SuppUnknown:
		m.cancelWait(&SuppServiceError{Line: ev.LineID, Service: ev.Service})
	}
}

// handleRemoteFailure treats a lost line channel as fatal for whatever was
// in flight on it and tells subscribers through Disconnect and
// ServiceStateChanged events.
func (m *Manager) handleRemoteFailure(ev phone.Event) {
	id := ev.LineID
	m.logger.Warn("[CallManager] Line unavailable", "line", id)

	if m.wait.involves(id) {
		m.cancelWait(&RemoteError{Line: id})
	}
	if m.dtmfLine == id {
		m.dtmfOutstanding = false
		m.dtmfLine = ""
	}

	line := m.Line(id)
	for _, c := range []*phone.Call{line.RingingCall(), line.ForegroundCall(), line.BackgroundCall()} {
		if c == nil {
			continue
		}
		for _, conn := range c.Connections() {
			if conn.Cause() != phone.CauseRadioUnavailable {
				continue
			}
			m.publish(phone.Event{
				Kind:       phone.EventDisconnect,
				LineID:     id,
				Call:       c,
				Connection: conn,
				Cause:      phone.CauseRadioUnavailable,
			})
		}
	}

	m.updateAudio()
	m.publish(phone.Event{
		Kind:         phone.EventServiceStateChanged,
		LineID:       id,
		ServiceState: line.ServiceState(),
	})
	m.checkForegroundLine()
}

// cancelWait resets a pending wait without running its operation, fails
// a waiting dial with cause and restores the audio mode.
func (m *Manager) cancelWait(cause error) {
	reason := m.wait.reason()
	if result := m.wait.finish(evCancel); result != nil {
		result <- dialResult{err: cause}
	}
	m.rollbackAudio()
	m.logger.Warn("[CallManager] Deferred operation cancelled", "reason", reason, "cause", cause)
}

func (m *Manager) abandonDial(gen uint64, cause error) {
	if m.wait.reason() != WaitDial || m.wait.gen != gen {
		return
	}
	m.cancelWait(cause)
	m.updateAudio()
}

func (m *Manager) holdTimedOut(gen uint64) {
	if !m.wait.pending() || m.wait.gen != gen {
		return
	}
	m.cancelWait(ErrHoldTimeout)
	m.updateAudio()
}

func (m *Manager) rollbackAudio() {
	if _, err := m.audio.Rollback(); err != nil {
		m.logger.Warn("[CallManager] Audio rollback failed", "error", err)
	}
}

func (m *Manager) updateAudio() {
	in := audio.Input{
		State:     m.AggregateState(),
		MultiLine: m.multiLine(),
	}
	if l := m.offhookLine(); l != nil {
		in.OffhookLine = l.ID()
		in.OffhookKind = l.Kind()
	}
	if err := m.audio.Update(in); err != nil {
		m.logger.Warn("[CallManager] Audio update failed", "error", err)
	}
}

// checkForegroundLine re-applies the mute state when the foreground moves
// to another line and tells subscribers to resend it.
func (m *Manager) checkForegroundLine() {
	id := ""
	fg := m.liveCall(phone.SlotForeground)
	if fg != nil {
		id = fg.LineID()
	}
	if id == m.lastFgLine {
		return
	}
	m.lastFgLine = id
	if id == "" {
		return
	}
	if line := m.Line(id); line != nil && line.Mute() != m.muted {
		line.SetMute(m.muted)
	}
	m.publish(phone.Event{Kind: phone.EventResendInCallMute, LineID: id, Call: fg})
}

func (m *Manager) publish(ev phone.Event) {
	ev.ID = uuid.New().String()
	ev.Time = time.Now()
	m.bus.Publish(ev)
}
