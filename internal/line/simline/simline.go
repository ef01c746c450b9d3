// Package simline is an in-memory radio line with GSM call-control
// behaviour: at most one active and one held call, a waiting call while
// offhook, and the in-call control codes 0, 1, 1X, 2, 2X, 3 and 4.
//
// Remote-side behaviour (ringing, answer, hangup, hold outcome) is driven
// through methods such as Ring and RemoteAnswer, which lets the daemon run
// simulated lines and tests script call flows.
package simline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/linemux/internal/phone"
)

var (
	ErrNoRingingCall   = errors.New("no ringing call")
	ErrNoActiveCall    = errors.New("no active call")
	ErrNoHeldCall      = errors.New("no held call")
	ErrCallsFull       = errors.New("no free call slot")
	ErrUnknownCall     = errors.New("call does not belong to this line")
	ErrNotSupported    = errors.New("not supported by line")
	ErrSwitchPending   = errors.New("switch already in progress")
	ErrUnavailable     = errors.New("radio unavailable")
	ErrPoweredOff      = errors.New("radio powered off")
	ErrInvalidCallCode = errors.New("invalid in-call code")
)

// Config configures a simulated line.
type Config struct {
	ID           string
	Kind         phone.Kind
	Capabilities phone.Capabilities
	ServiceState phone.ServiceState

	// ManualHold leaves SwitchHoldingAndActive in flight until CompleteSwitch
	// or FailSwitch is called. Otherwise the switch completes at once.
	ManualHold bool

	Logger *slog.Logger
}

// Line is a simulated line. It is safe for concurrent use.
type Line struct {
	id     string
	kind   phone.Kind
	caps   phone.Capabilities
	manual bool
	logger *slog.Logger

	mu          sync.Mutex
	ringing     *phone.Call
	fg          *phone.Call
	bg          *phone.Call
	service     phone.ServiceState
	muted       bool
	dtmf        rune
	tones       []string
	switching   bool
	unavailable bool
	sinks       []phone.Sink
}

var _ phone.Line = (*Line)(nil)

// New creates an idle line.
func New(cfg Config) *Line {
	if cfg.Capabilities.MaxCalls == 0 {
		cfg.Capabilities.MaxCalls = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Line{
		id:      cfg.ID,
		kind:    cfg.Kind,
		caps:    cfg.Capabilities,
		manual:  cfg.ManualHold,
		logger:  logger.With("line", cfg.ID),
		ringing: phone.NewCall(cfg.ID, phone.SlotRinging),
		fg:      phone.NewCall(cfg.ID, phone.SlotForeground),
		bg:      phone.NewCall(cfg.ID, phone.SlotBackground),
		service: cfg.ServiceState,
	}
}

func (l *Line) ID() string                       { return l.id }
func (l *Line) Kind() phone.Kind                 { return l.kind }
func (l *Line) Capabilities() phone.Capabilities { return l.caps }

func (l *Line) State() phone.PhoneState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return phone.LineState(l.ringing, l.fg, l.bg)
}

func (l *Line) ServiceState() phone.ServiceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.service
}

func (l *Line) RingingCall() *phone.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ringing
}

func (l *Line) ForegroundCall() *phone.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fg
}

func (l *Line) BackgroundCall() *phone.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bg
}

// Subscribe adds a sink for line events.
func (l *Line) Subscribe(sink phone.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sinks {
		if s == sink {
			return
		}
	}
	l.sinks = append(l.sinks, sink)
}

// Unsubscribe removes a sink.
func (l *Line) Unsubscribe(sink phone.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sinks {
		if s == sink {
			l.sinks = append(l.sinks[:i:i], l.sinks[i+1:]...)
			return
		}
	}
}

// emit delivers events in order. It must be called without l.mu held.
func (l *Line) emit(evs []phone.Event) {
	if len(evs) == 0 {
		return
	}
	l.mu.Lock()
	sinks := make([]phone.Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	now := time.Now()
	for _, ev := range evs {
		ev.LineID = l.id
		ev.Time = now
		for _, s := range sinks {
			s.PostLineEvent(ev)
		}
	}
}

func stateChanged(c *phone.Call) phone.Event {
	return phone.Event{Kind: phone.EventPreciseCallStateChanged, Call: c}
}

// disconnectLocked ends c and returns its Disconnect events.
func disconnectLocked(c *phone.Call, cause phone.DisconnectCause) []phone.Event {
	var evs []phone.Event
	for _, conn := range c.Disconnect(cause) {
		evs = append(evs, phone.Event{Kind: phone.EventDisconnect, Call: c, Connection: conn, Cause: cause})
	}
	if len(evs) > 0 {
		evs = append(evs, stateChanged(c))
	}
	return evs
}

func (l *Line) checkUsableLocked() error {
	if l.unavailable {
		return ErrUnavailable
	}
	if l.service == phone.ServicePowerOff {
		return ErrPoweredOff
	}
	return nil
}

// Dial places an outgoing call. The active call, if any, is put on hold.
// In-call control codes act on existing calls and return a nil connection.
func (l *Line) Dial(number string) (*phone.Connection, error) {
	if phone.IsInCallControlCode(number) {
		return nil, l.inCallCode(number)
	}

	l.mu.Lock()
	if err := l.checkUsableLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if l.ringing.IsRinging() {
		l.mu.Unlock()
		return nil, fmt.Errorf("dial while ringing: %w", ErrCallsFull)
	}

	var evs []phone.Event
	if l.fg.IsAlive() {
		if l.fg.State() != phone.CallActive || l.bg.IsAlive() || !l.caps.CanHold() {
			l.mu.Unlock()
			return nil, ErrCallsFull
		}
		evs = append(evs, l.swapLocked()...)
	}
	if !l.fg.IsIdle() {
		l.fg.Clear()
	}

	conn := phone.NewConnection(number, false)
	l.fg.Attach(conn, phone.CallDialing)
	evs = append(evs, stateChanged(l.fg))
	l.mu.Unlock()

	l.logger.Info("[SimLine] Dialing", "number", conn.Address())
	l.emit(evs)
	return conn, nil
}

// swapLocked exchanges the foreground and background calls. The call
// moving to the background becomes HOLDING; the one moving to the
// foreground becomes ACTIVE. A disconnected remnant is dropped.
func (l *Line) swapLocked() []phone.Event {
	if !l.fg.IsAlive() {
		l.fg.Clear()
	}
	if !l.bg.IsAlive() {
		l.bg.Clear()
	}
	l.fg, l.bg = l.bg, l.fg
	l.fg.SetSlot(phone.SlotForeground)
	l.bg.SetSlot(phone.SlotBackground)

	var evs []phone.Event
	if l.bg.IsAlive() {
		l.bg.SetState(phone.CallHolding)
		evs = append(evs, stateChanged(l.bg))
	}
	if l.fg.IsAlive() {
		l.fg.SetState(phone.CallActive)
		evs = append(evs, stateChanged(l.fg))
	}
	return evs
}

// AcceptCall answers the ringing call. An active call is put on hold.
func (l *Line) AcceptCall() error {
	l.mu.Lock()
	evs, err := l.acceptLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.emit(evs)
	return nil
}

func (l *Line) acceptLocked() ([]phone.Event, error) {
	if err := l.checkUsableLocked(); err != nil {
		return nil, err
	}
	if !l.ringing.IsRinging() {
		return nil, ErrNoRingingCall
	}
	var evs []phone.Event
	if l.fg.IsAlive() {
		if l.bg.IsAlive() || !l.caps.CanHold() {
			return nil, ErrCallsFull
		}
		evs = append(evs, l.swapLocked()...)
	}
	if !l.fg.IsIdle() {
		l.fg.Clear()
	}
	l.fg.TakeFrom(l.ringing, phone.CallActive)
	for _, c := range l.fg.Connections() {
		c.MarkConnected()
	}
	l.dtmf = 0
	evs = append(evs, stateChanged(l.fg))
	return evs, nil
}

// RejectCall declines the ringing call.
func (l *Line) RejectCall() error {
	l.mu.Lock()
	if !l.ringing.IsRinging() {
		l.mu.Unlock()
		return ErrNoRingingCall
	}
	evs := disconnectLocked(l.ringing, phone.CauseIncomingRejected)
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// SwitchHoldingAndActive holds the active call and resumes the held one,
// or answers a waiting call.
func (l *Line) SwitchHoldingAndActive() error {
	l.mu.Lock()
	if err := l.checkUsableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if l.switching {
		l.mu.Unlock()
		return ErrSwitchPending
	}
	if l.ringing.IsRinging() && !l.bg.IsAlive() {
		evs, err := l.acceptLocked()
		l.mu.Unlock()
		if err != nil {
			return err
		}
		l.emit(evs)
		return nil
	}
	if l.fg.State() != phone.CallActive && l.bg.State() != phone.CallHolding {
		l.mu.Unlock()
		return ErrNoActiveCall
	}
	if l.fg.State() == phone.CallActive && !l.caps.CanHold() {
		l.mu.Unlock()
		return ErrNotSupported
	}
	if l.manual {
		l.switching = true
		l.mu.Unlock()
		l.logger.Debug("[SimLine] Switch requested")
		return nil
	}
	evs := l.swapLocked()
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// CompleteSwitch finishes a switch left in flight by ManualHold.
func (l *Line) CompleteSwitch() bool {
	l.mu.Lock()
	if !l.switching {
		l.mu.Unlock()
		return false
	}
	l.switching = false
	evs := l.swapLocked()
	l.mu.Unlock()
	l.emit(evs)
	return true
}

// FailSwitch reports a switch left in flight by ManualHold as failed. The
// calls keep their states.
func (l *Line) FailSwitch() bool {
	l.mu.Lock()
	if !l.switching {
		l.mu.Unlock()
		return false
	}
	l.switching = false
	l.mu.Unlock()
	l.emit([]phone.Event{{Kind: phone.EventSuppServiceFailed, Service: phone.SuppSwitch}})
	return true
}

// SwitchPending reports whether a manual switch is in flight.
func (l *Line) SwitchPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.switching
}

// Conference merges the held call into the active call.
func (l *Line) Conference() error {
	l.mu.Lock()
	if !l.caps.Conference {
		l.mu.Unlock()
		l.emit([]phone.Event{{Kind: phone.EventSuppServiceFailed, Service: phone.SuppConference}})
		return ErrNotSupported
	}
	if l.fg.State() != phone.CallActive || l.bg.State() != phone.CallHolding {
		l.mu.Unlock()
		return ErrNoHeldCall
	}
	l.fg.TakeFrom(l.bg, phone.CallActive)
	evs := []phone.Event{stateChanged(l.fg), stateChanged(l.bg)}
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// ExplicitCallTransfer connects the held and active parties and leaves
// both calls.
func (l *Line) ExplicitCallTransfer() error {
	l.mu.Lock()
	if !l.caps.Transfer {
		l.mu.Unlock()
		l.emit([]phone.Event{{Kind: phone.EventSuppServiceFailed, Service: phone.SuppTransfer}})
		return ErrNotSupported
	}
	if !l.fg.IsAlive() || l.bg.State() != phone.CallHolding {
		l.mu.Unlock()
		return ErrNoHeldCall
	}
	evs := disconnectLocked(l.fg, phone.CauseNormal)
	evs = append(evs, disconnectLocked(l.bg, phone.CauseNormal)...)
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// Hangup ends one of the line's calls. Hanging up the ringing call
// rejects it. The held call is not resumed.
func (l *Line) Hangup(call *phone.Call) error {
	l.mu.Lock()
	var cause phone.DisconnectCause
	switch call {
	case l.ringing:
		cause = phone.CauseIncomingRejected
	case l.fg, l.bg:
		cause = phone.CauseLocal
	default:
		l.mu.Unlock()
		return ErrUnknownCall
	}
	if !call.IsAlive() {
		l.mu.Unlock()
		return fmt.Errorf("hangup %s call: %w", call.State(), ErrNoActiveCall)
	}
	if call == l.fg {
		l.dtmf = 0
	}
	evs := disconnectLocked(call, cause)
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// HangupAll ends every call on the line.
func (l *Line) HangupAll() error {
	l.mu.Lock()
	var evs []phone.Event
	evs = append(evs, disconnectLocked(l.ringing, phone.CauseIncomingRejected)...)
	evs = append(evs, disconnectLocked(l.fg, phone.CauseLocal)...)
	evs = append(evs, disconnectLocked(l.bg, phone.CauseLocal)...)
	l.dtmf = 0
	l.mu.Unlock()
	l.emit(evs)
	return nil
}

// ClearDisconnected drops disconnected remnants.
func (l *Line) ClearDisconnected() {
	l.mu.Lock()
	var evs []phone.Event
	for _, c := range []*phone.Call{l.ringing, l.fg, l.bg} {
		if c.State() == phone.CallDisconnected {
			c.Clear()
			evs = append(evs, stateChanged(c))
		}
	}
	l.mu.Unlock()
	l.emit(evs)
}

func (l *Line) SetMute(muted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted = muted
}

func (l *Line) Mute() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted
}

// StartDTMF starts a continuous tone on the active call.
func (l *Line) StartDTMF(digit rune) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fg.State() != phone.CallActive {
		return ErrNoActiveCall
	}
	l.dtmf = digit
	l.tones = append(l.tones, "start:"+string(digit))
	return nil
}

// StopDTMF stops the current tone.
func (l *Line) StopDTMF() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dtmf = 0
	l.tones = append(l.tones, "stop")
	return nil
}

// SendDTMF sends a single tone on the active call.
func (l *Line) SendDTMF(digit rune) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fg.State() != phone.CallActive {
		return ErrNoActiveCall
	}
	l.tones = append(l.tones, "send:"+string(digit))
	return nil
}

// Tones returns the DTMF commands issued so far.
func (l *Line) Tones() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.tones))
	copy(out, l.tones)
	return out
}
