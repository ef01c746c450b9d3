package callmanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/sebas/linemux/internal/phone"
)

// Waiting reasons. NONE is both the initial and the terminal state.
const (
	WaitNone   = "NONE"
	WaitAccept = "ACCEPT"
	WaitSwitch = "SWITCH"
	WaitDial   = "DIAL"
)

const (
	evHoldAccept = "hold_accept"
	evHoldSwitch = "hold_switch"
	evHoldDial   = "hold_dial"
	evComplete   = "complete"
	evCancel     = "cancel"
)

var beginEvents = map[string]string{
	WaitAccept: evHoldAccept,
	WaitSwitch: evHoldSwitch,
	WaitDial:   evHoldDial,
}

type dialResult struct {
	conn *phone.Connection
	err  error
}

// waitingState records the operation deferred until callBeingHeld has
// finished moving to HOLDING. Only the worker mutates it; reason is safe
// to read from any goroutine.
type waitingState struct {
	fsm    *fsm.FSM
	logger *slog.Logger

	target phone.Line
	held   *phone.Call

	// DIAL only.
	number string
	result chan dialResult

	gen   uint64
	timer *time.Timer
}

func newWaitingState(logger *slog.Logger) *waitingState {
	pending := []string{WaitAccept, WaitSwitch, WaitDial}
	return &waitingState{
		logger: logger,
		fsm: fsm.NewFSM(
			WaitNone,
			fsm.Events{
				{Name: evHoldAccept, Src: []string{WaitNone}, Dst: WaitAccept},
				{Name: evHoldSwitch, Src: []string{WaitNone}, Dst: WaitSwitch},
				{Name: evHoldDial, Src: []string{WaitNone}, Dst: WaitDial},
				{Name: evComplete, Src: pending, Dst: WaitNone},
				{Name: evCancel, Src: pending, Dst: WaitNone},
			}, nil,
		),
	}
}

func (w *waitingState) reason() string {
	return w.fsm.Current()
}

func (w *waitingState) pending() bool {
	return !w.fsm.Is(WaitNone)
}

// begin moves from NONE to reason. It fails while another wait is pending.
func (w *waitingState) begin(reason string, target phone.Line, held *phone.Call) error {
	if w.pending() {
		return &StateError{
			Op:     "hold " + reason,
			Reason: "waiting for " + w.reason() + " to complete",
			Err:    ErrWaitPending,
		}
	}
	if err := w.fsm.Event(context.Background(), beginEvents[reason]); err != nil {
		return err
	}
	w.target = target
	w.held = held
	w.gen++
	return nil
}

// finish returns to NONE through event and clears the record. It returns
// the dial waiter, if any, so the caller can resolve it. The wait ends even
// if the machine rejects event.
func (w *waitingState) finish(event string) chan dialResult {
	if !w.pending() {
		return nil
	}
	if err := w.fsm.Event(context.Background(), event); err != nil {
		w.logger.Error("[CallManager] Waiting state transition failed, forcing NONE",
			"reason", w.reason(), "event", event, "error", err)
		w.fsm.SetState(WaitNone)
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	result := w.result
	w.target = nil
	w.held = nil
	w.number = ""
	w.result = nil
	return result
}

// involves reports whether the pending wait references lineID.
func (w *waitingState) involves(lineID string) bool {
	if !w.pending() {
		return false
	}
	if w.target != nil && w.target.ID() == lineID {
		return true
	}
	return w.held != nil && w.held.LineID() == lineID
}
