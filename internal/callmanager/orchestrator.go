package callmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/sebas/linemux/internal/audio"
	"github.com/sebas/linemux/internal/phone"
)

// AcceptCall answers a ringing call. When another line has an active call
// and room to hold it, that call is put on hold first and the answer is
// sent once the hold completes; AcceptCall returns as soon as the hold
// request is out.
func (m *Manager) AcceptCall(ctx context.Context, ringing *phone.Call) error {
	return m.do(ctx, func() error { return m.acceptCall(ringing) })
}

// RejectCall rejects a ringing call.
func (m *Manager) RejectCall(ctx context.Context, ringing *phone.Call) error {
	return m.do(ctx, func() error { return m.rejectCall(ringing) })
}

// SwitchHoldingAndActive swaps the active call with heldCall. heldCall
// may be nil to swap on the line of the active call.
func (m *Manager) SwitchHoldingAndActive(ctx context.Context, heldCall *phone.Call) error {
	return m.do(ctx, func() error { return m.switchHoldingAndActive(heldCall) })
}

// HangupForegroundResumeBackground ends the foreground call and resumes
// heldCall.
func (m *Manager) HangupForegroundResumeBackground(ctx context.Context, heldCall *phone.Call) error {
	return m.do(ctx, func() error { return m.hangupForegroundResumeBackground(heldCall) })
}

// Dial places a call on line, or runs an in-call control code, in which
// case the returned connection is nil. When an active call on another line
// must be held first, Dial waits for the hold to finish; cancelling ctx
// abandons the wait.
func (m *Manager) Dial(ctx context.Context, line phone.Line, number string) (*phone.Connection, error) {
	var (
		conn   *phone.Connection
		result <-chan dialResult
		gen    uint64
	)
	err := m.do(ctx, func() error {
		var err error
		conn, result, gen, err = m.dial(line, number)
		return err
	})
	if err != nil || result == nil {
		return conn, err
	}

	select {
	case r := <-result:
		return r.conn, r.err
	case <-ctx.Done():
		m.box.push(func() { m.abandonDial(gen, ctx.Err()) })
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrManagerStopped
	}
}

// Conference merges heldCall into the active call.
func (m *Manager) Conference(ctx context.Context, heldCall *phone.Call) error {
	return m.do(ctx, func() error {
		if err := m.checkMerge("conference", heldCall, func(c phone.Capabilities) bool { return c.Conference }); err != nil {
			return err
		}
		return m.Line(heldCall.LineID()).Conference()
	})
}

// ExplicitCallTransfer connects the held and active parties and drops out.
func (m *Manager) ExplicitCallTransfer(ctx context.Context, heldCall *phone.Call) error {
	return m.do(ctx, func() error {
		if err := m.checkMerge("transfer", heldCall, func(c phone.Capabilities) bool { return c.Transfer }); err != nil {
			return err
		}
		return m.Line(heldCall.LineID()).ExplicitCallTransfer()
	})
}

// StartDTMF starts a tone on the line of the active call.
func (m *Manager) StartDTMF(ctx context.Context, digit rune) error {
	return m.do(ctx, func() error { return m.startDTMF(digit) })
}

// StopDTMF stops the tone started by StartDTMF. It is honoured even when
// the call has left ACTIVE in between, and is a no-op when no tone was
// started.
func (m *Manager) StopDTMF(ctx context.Context) error {
	return m.do(ctx, func() error { return m.stopDTMF() })
}

// SendDTMF sends a single tone on the line of the active call.
func (m *Manager) SendDTMF(ctx context.Context, digit rune) error {
	return m.do(ctx, func() error { return m.sendDTMF(digit) })
}

// SendBurstDTMF sends digits one after another.
func (m *Manager) SendBurstDTMF(ctx context.Context, digits string) error {
	return m.do(ctx, func() error {
		for _, d := range digits {
			if !phone.IsValidDTMF(d) {
				return fmt.Errorf("invalid DTMF digit %q", d)
			}
		}
		for _, d := range digits {
			if err := m.sendDTMF(d); err != nil {
				return err
			}
		}
		return nil
	})
}

// HangupCall ends one call.
func (m *Manager) HangupCall(ctx context.Context, call *phone.Call) error {
	return m.do(ctx, func() error {
		if call == nil || !call.IsAlive() {
			return invalidState("hangup", "call is not alive")
		}
		line := m.Line(call.LineID())
		if line == nil {
			return &StateError{Op: "hangup", Reason: "line not registered", Err: ErrNoLine}
		}
		return line.Hangup(call)
	})
}

// HangupAll ends every call on every line.
func (m *Manager) HangupAll(ctx context.Context) error {
	return m.do(ctx, func() error {
		var firstErr error
		for _, l := range m.Lines() {
			if err := l.HangupAll(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("hangup all on %s: %w", l.ID(), err)
			}
		}
		return firstErr
	})
}

// ClearDisconnected drops disconnected remnants on every line.
func (m *Manager) ClearDisconnected(ctx context.Context) error {
	return m.do(ctx, func() error {
		for _, l := range m.Lines() {
			l.ClearDisconnected()
		}
		m.updateAudio()
		return nil
	})
}

// SetMute mutes or unmutes the foreground line.
func (m *Manager) SetMute(ctx context.Context, muted bool) error {
	return m.do(ctx, func() error {
		m.setMute(muted)
		return nil
	})
}

// Mute reports the mute state of the foreground line.
func (m *Manager) Mute() bool {
	if l := m.FgLine(); l != nil {
		return l.Mute()
	}
	return false
}

func (m *Manager) setMute(muted bool) {
	m.muted = muted
	if l := m.FgLine(); l != nil {
		l.SetMute(muted)
	}
}

func (m *Manager) acceptCall(ringing *phone.Call) error {
	if ringing == nil || !ringing.IsRinging() {
		return invalidState("accept", "call is not ringing")
	}
	if m.wait.pending() {
		return m.waitPendingError("accept")
	}
	line := m.Line(ringing.LineID())
	if line == nil {
		return &StateError{Op: "accept", Reason: "line not registered", Err: ErrNoLine}
	}

	if m.Mute() {
		m.setMute(false)
	}

	fg := m.liveCall(phone.SlotForeground)
	if fg == nil {
		return line.AcceptCall()
	}
	fgLine := m.Line(fg.LineID())
	hasBg := fgLine.BackgroundCall().IsAlive()

	if fgLine.ID() == line.ID() {
		if hasBg {
			// Keep the held call; drop the active one.
			if err := fgLine.Hangup(fg); err != nil {
				return fmt.Errorf("accept: hang up active call: %w", err)
			}
		}
		return line.AcceptCall()
	}

	if hasBg || fg.State() != phone.CallActive || !fgLine.Capabilities().CanHold() {
		if err := fgLine.Hangup(fg); err != nil {
			return fmt.Errorf("accept: hang up active call on %s: %w", fgLine.ID(), err)
		}
		return line.AcceptCall()
	}

	if r := fgLine.RingingCall(); r != nil && r.IsRinging() {
		if err := fgLine.Hangup(r); err != nil {
			m.logger.Warn("[CallManager] Failed to drop ringing call on foreground line",
				"line", fgLine.ID(), "error", err)
		}
	}
	return m.holdThen(WaitAccept, line, fgLine, fg, "")
}

func (m *Manager) rejectCall(ringing *phone.Call) error {
	if ringing == nil || !ringing.IsRinging() {
		return invalidState("reject", "call is not ringing")
	}
	line := m.Line(ringing.LineID())
	if line == nil {
		return &StateError{Op: "reject", Reason: "line not registered", Err: ErrNoLine}
	}
	return line.RejectCall()
}

func (m *Manager) switchHoldingAndActive(heldCall *phone.Call) error {
	if m.wait.pending() {
		return m.waitPendingError("switch")
	}
	active := m.activeCall()

	if heldCall == nil {
		if active == nil {
			return invalidState("switch", "no call to switch")
		}
		return m.Line(active.LineID()).SwitchHoldingAndActive()
	}
	if heldCall.State() != phone.CallHolding {
		return invalidState("switch", "call is not on hold")
	}
	heldLine := m.Line(heldCall.LineID())
	if heldLine == nil {
		return &StateError{Op: "switch", Reason: "line not registered", Err: ErrNoLine}
	}

	if active == nil || active.LineID() == heldCall.LineID() {
		return heldLine.SwitchHoldingAndActive()
	}
	return m.holdThen(WaitSwitch, heldLine, m.Line(active.LineID()), active, "")
}

func (m *Manager) hangupForegroundResumeBackground(heldCall *phone.Call) error {
	fg := m.liveCall(phone.SlotForeground)
	if fg == nil {
		return nil
	}
	fgLine := m.Line(fg.LineID())
	if err := fgLine.Hangup(fg); err != nil {
		return fmt.Errorf("hang up foreground: %w", err)
	}
	if heldCall == nil || heldCall.State() != phone.CallHolding {
		return nil
	}
	if heldCall.LineID() != fg.LineID() {
		return m.switchHoldingAndActive(heldCall)
	}
	return fgLine.SwitchHoldingAndActive()
}

func (m *Manager) dial(line phone.Line, number string) (*phone.Connection, <-chan dialResult, uint64, error) {
	if line == nil || m.Line(line.ID()) == nil {
		return nil, nil, 0, &StateError{Op: "dial", Reason: "line not registered", Err: ErrNoLine}
	}
	if m.wait.pending() {
		return nil, nil, 0, m.waitPendingError("dial")
	}
	if !m.CanDial(line, number) {
		return nil, nil, 0, invalidState("dial", "cannot place call now")
	}

	if !phone.IsInCallControlCode(number) {
		if active := m.activeCall(); active != nil && active.LineID() != line.ID() {
			activeLine := m.Line(active.LineID())
			if activeLine.BackgroundCall().IsAlive() || !activeLine.Capabilities().CanHold() {
				if err := activeLine.Hangup(active); err != nil {
					return nil, nil, 0, fmt.Errorf("dial: hang up active call on %s: %w", activeLine.ID(), err)
				}
			} else {
				if err := m.holdThen(WaitDial, line, activeLine, active, number); err != nil {
					return nil, nil, 0, err
				}
				return nil, m.wait.result, m.wait.gen, nil
			}
		}
	}

	conn, err := line.Dial(number)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("dial on %s: %w", line.ID(), err)
	}
	return conn, nil, 0, nil
}

// holdThen records the deferred operation, prepares the audio mode of the
// target line and asks holdLine to put call on hold. number is only used
// for WaitDial.
func (m *Manager) holdThen(reason string, target, holdLine phone.Line, call *phone.Call, number string) error {
	if err := m.wait.begin(reason, target, call); err != nil {
		return err
	}
	if reason == WaitDial {
		m.wait.number = number
		m.wait.result = make(chan dialResult, 1)
	}

	if err := m.audio.Prepare(audio.ModeFor(target.Kind(), target.ID(), m.multiLine())); err != nil {
		m.logger.Warn("[CallManager] Failed to prepare audio mode", "line", target.ID(), "error", err)
	}

	m.logger.Info("[CallManager] Holding call before deferred operation",
		"reason", reason,
		"hold_line", holdLine.ID(),
		"target_line", target.ID(),
	)

	if err := holdLine.SwitchHoldingAndActive(); err != nil {
		m.wait.finish(evCancel)
		m.rollbackAudio()
		return fmt.Errorf("hold call on %s: %w", holdLine.ID(), err)
	}

	if m.holdTimeout > 0 {
		gen := m.wait.gen
		m.wait.timer = time.AfterFunc(m.holdTimeout, func() {
			m.box.push(func() { m.holdTimedOut(gen) })
		})
	}
	return nil
}

func (m *Manager) waitPendingError(op string) error {
	return &StateError{
		Op:     op,
		Reason: "waiting for " + m.wait.reason() + " to complete",
		Err:    ErrWaitPending,
	}
}

func (m *Manager) startDTMF(digit rune) error {
	if !phone.IsValidDTMF(digit) {
		return fmt.Errorf("invalid DTMF digit %q", digit)
	}
	active := m.activeCall()
	if active == nil {
		return invalidState("start dtmf", "no active call")
	}
	line := m.Line(active.LineID())
	if err := line.StartDTMF(digit); err != nil {
		return err
	}
	m.dtmfOutstanding = true
	m.dtmfLine = line.ID()
	return nil
}

func (m *Manager) stopDTMF() error {
	if !m.dtmfOutstanding {
		return nil
	}
	line := m.Line(m.dtmfLine)
	m.dtmfOutstanding = false
	m.dtmfLine = ""
	if line == nil {
		return nil
	}
	return line.StopDTMF()
}

func (m *Manager) sendDTMF(digit rune) error {
	if !phone.IsValidDTMF(digit) {
		return fmt.Errorf("invalid DTMF digit %q", digit)
	}
	active := m.activeCall()
	if active == nil {
		return invalidState("send dtmf", "no active call")
	}
	return m.Line(active.LineID()).SendDTMF(digit)
}
