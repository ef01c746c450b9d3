package callmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sebas/linemux/internal/audio"
	"github.com/sebas/linemux/internal/events"
	"github.com/sebas/linemux/internal/line/simline"
	"github.com/sebas/linemux/internal/phone"
)

type recordingRouter struct {
	mu   sync.Mutex
	mode audio.Mode
	sets []audio.Mode
}

func (r *recordingRouter) SetMode(m audio.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
	r.sets = append(r.sets, m)
	return nil
}

func (r *recordingRouter) Mode() audio.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *recordingRouter) RequestFocus(audio.Stream) error { return nil }
func (r *recordingRouter) AbandonFocus() error             { return nil }

func (r *recordingRouter) count(m audio.Mode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sets {
		if s == m {
			n++
		}
	}
	return n
}

type eventLog struct {
	mu  sync.Mutex
	evs []phone.Event
}

func (l *eventLog) add(ev phone.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
}

func (l *eventLog) count(kind phone.EventKind, lineID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Kind == kind && (lineID == "" || ev.LineID == lineID) {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	m      *Manager
	router *recordingRouter
	log    *eventLog
	sim1   *simline.Line
	sim2   *simline.Line
}

// newHarness runs a manager over two simulated lines whose holds complete
// only when the test says so.
func newHarness(t *testing.T, holdTimeout time.Duration, cfgs ...simline.Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if len(cfgs) == 0 {
		cfgs = []simline.Config{
			{ID: "sim1", ManualHold: true},
			{ID: "sim2", ManualHold: true},
		}
	}

	router := &recordingRouter{}
	m := New(Config{HoldTimeout: holdTimeout, Router: router, Logger: logger})
	h := &harness{t: t, m: m, router: router, log: &eventLog{}}

	var lines []*simline.Line
	for _, c := range cfgs {
		c.Logger = logger
		l := simline.New(c)
		lines = append(lines, l)
		m.Register(l)
	}
	h.sim1 = lines[0]
	if len(lines) > 1 {
		h.sim2 = lines[1]
	}
	m.Bus().SubscribeAll(events.Func(h.log.add))

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	stopped := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	if err := h.m.Flush(ctx); err != nil {
		h.t.Fatalf("Flush() error = %v", err)
	}
}

// answered places an answered outgoing call directly on the line.
func (h *harness) answered(l *simline.Line, number string) *phone.Call {
	h.t.Helper()
	if _, err := l.Dial(number); err != nil {
		h.t.Fatalf("Dial(%q) on %s error = %v", number, l.ID(), err)
	}
	if err := l.RemoteAnswer(); err != nil {
		h.t.Fatalf("RemoteAnswer() on %s error = %v", l.ID(), err)
	}
	h.flush()
	return l.ForegroundCall()
}

func (h *harness) ring(l *simline.Line, from string) *phone.Call {
	h.t.Helper()
	if _, err := l.Ring(from); err != nil {
		h.t.Fatalf("Ring(%q) on %s error = %v", from, l.ID(), err)
	}
	h.flush()
	return l.RingingCall()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcceptHoldsOtherLine(t *testing.T) {
	h := newHarness(t, time.Minute)
	held := h.answered(h.sim1, "100")
	ringing := h.ring(h.sim2, "200")

	if got := h.m.AggregateState(); got != phone.StateRinging {
		t.Fatalf("AggregateState() = %v, want RINGING", got)
	}

	if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	if got := h.m.WaitingReason(); got != WaitAccept {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitAccept)
	}
	want := audio.Mode{Kind: audio.ModeInCall, Line: "sim2"}
	if got := h.m.AudioMode(); got != want {
		t.Errorf("AudioMode() while holding = %v, want %v", got, want)
	}
	if !h.sim2.RingingCall().IsRinging() {
		t.Error("sim2 answered before the hold completed")
	}

	h.sim1.CompleteSwitch()
	h.flush()

	if got := held.State(); got != phone.CallHolding {
		t.Errorf("sim1 call state = %v, want HOLDING", got)
	}
	if got := h.sim2.ForegroundCall().State(); got != phone.CallActive {
		t.Errorf("sim2 fg state = %v, want ACTIVE", got)
	}
	if got := h.m.WaitingReason(); got != WaitNone {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitNone)
	}
	if got := h.m.AudioMode(); got != want {
		t.Errorf("AudioMode() = %v, want %v", got, want)
	}
	if got := h.m.FgLine(); got == nil || got.ID() != "sim2" {
		t.Errorf("FgLine() = %v, want sim2", got)
	}
	if n := h.log.count(phone.EventResendInCallMute, "sim2"); n == 0 {
		t.Error("no ResendInCallMute for the new foreground line")
	}
}

func TestAcceptHoldFailureRollsBack(t *testing.T) {
	h := newHarness(t, time.Minute)
	active := h.answered(h.sim1, "100")
	ringing := h.ring(h.sim2, "200")
	before := h.m.AudioMode()

	if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	h.sim1.FailSwitch()
	h.flush()

	if got := h.m.WaitingReason(); got != WaitNone {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitNone)
	}
	if got := active.State(); got != phone.CallActive {
		t.Errorf("sim1 call state = %v, want ACTIVE", got)
	}
	if !h.sim2.RingingCall().IsRinging() {
		t.Errorf("sim2 ringing state = %v, want still ringing", h.sim2.RingingCall().State())
	}
	if got := h.m.AudioMode(); got != before {
		t.Errorf("AudioMode() = %v, want %v", got, before)
	}
	if n := h.log.count(phone.EventSuppServiceFailed, "sim1"); n != 1 {
		t.Errorf("SuppServiceFailed events = %d, want 1", n)
	}
}

func TestRepeatedHoldFailuresRestoreOnce(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.answered(h.sim1, "100")
	ringing := h.ring(h.sim2, "200")
	before := h.m.AudioMode()
	prepared := audio.Mode{Kind: audio.ModeInCall, Line: "sim2"}

	for i := 0; i < 3; i++ {
		if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
			t.Fatalf("AcceptCall() #%d error = %v", i, err)
		}
		h.sim1.FailSwitch()
		h.flush()
		if got := h.m.AudioMode(); got != before {
			t.Fatalf("AudioMode() after failure #%d = %v, want %v", i, got, before)
		}
	}
	if got := h.router.count(prepared); got != 3 {
		t.Errorf("prepared mode applied %d times, want 3", got)
	}
}

func TestDialWaitsForHold(t *testing.T) {
	h := newHarness(t, time.Minute)
	held := h.answered(h.sim1, "100")

	type result struct {
		conn *phone.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := h.m.Dial(h.ctx, h.sim2, "5551234")
		done <- result{conn, err}
	}()

	waitFor(t, "hold request", h.sim1.SwitchPending)
	if got := h.m.WaitingReason(); got != WaitDial {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitDial)
	}
	select {
	case r := <-done:
		t.Fatalf("Dial() returned before hold completed: %v, %v", r.conn, r.err)
	default:
	}

	h.sim1.CompleteSwitch()
	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dial() did not return after hold completed")
	}
	if r.err != nil {
		t.Fatalf("Dial() error = %v", r.err)
	}
	if r.conn == nil || r.conn.Address() != "5551234" {
		t.Errorf("Dial() connection = %v, want address 5551234", r.conn)
	}
	if got := held.State(); got != phone.CallHolding {
		t.Errorf("sim1 call state = %v, want HOLDING", got)
	}
	if got := h.sim2.ForegroundCall().State(); got != phone.CallDialing {
		t.Errorf("sim2 fg state = %v, want DIALING", got)
	}
}

func TestDialAbandonedByContext(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.answered(h.sim1, "100")
	before := h.m.AudioMode()

	ctx, cancel := context.WithTimeout(h.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := h.m.Dial(ctx, h.sim2, "5551234")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dial() error = %v, want DeadlineExceeded", err)
	}
	h.flush()

	if got := h.m.WaitingReason(); got != WaitNone {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitNone)
	}
	if got := h.m.AudioMode(); got != before {
		t.Errorf("AudioMode() = %v, want %v", got, before)
	}

	// A late hold completion must not dial.
	h.sim1.CompleteSwitch()
	h.flush()
	if !h.sim2.ForegroundCall().IsIdle() {
		t.Errorf("sim2 fg state = %v, want IDLE", h.sim2.ForegroundCall().State())
	}
}

func TestHoldWatchdog(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	h.answered(h.sim1, "100")

	_, err := h.m.Dial(h.ctx, h.sim2, "5551234")
	if !errors.Is(err, ErrHoldTimeout) {
		t.Fatalf("Dial() error = %v, want ErrHoldTimeout", err)
	}
	h.flush()
	if got := h.m.WaitingReason(); got != WaitNone {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitNone)
	}
}

func TestWaitIsExclusive(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.answered(h.sim1, "100")
	ringing := h.ring(h.sim2, "200")

	if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}

	checks := []struct {
		name string
		run  func() error
	}{
		{"accept", func() error { return h.m.AcceptCall(h.ctx, ringing) }},
		{"switch", func() error { return h.m.SwitchHoldingAndActive(h.ctx, nil) }},
		{"dial", func() error { _, err := h.m.Dial(h.ctx, h.sim2, "300"); return err }},
	}
	for _, c := range checks {
		err := c.run()
		if !errors.Is(err, ErrInvalidState) || !errors.Is(err, ErrWaitPending) {
			t.Errorf("%s during pending wait: error = %v, want ErrInvalidState and ErrWaitPending", c.name, err)
		}
	}
	if got := h.m.WaitingReason(); got != WaitAccept {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitAccept)
	}
}

func TestSwitchAcrossLines(t *testing.T) {
	h := newHarness(t, time.Minute)
	first := h.answered(h.sim1, "100")
	h.m.SwitchHoldingAndActive(h.ctx, nil)
	h.sim1.CompleteSwitch()
	h.flush()
	if got := first.State(); got != phone.CallHolding {
		t.Fatalf("sim1 call state = %v, want HOLDING", got)
	}
	second := h.answered(h.sim2, "200")

	if err := h.m.SwitchHoldingAndActive(h.ctx, first); err != nil {
		t.Fatalf("SwitchHoldingAndActive() error = %v", err)
	}
	if got := h.m.WaitingReason(); got != WaitSwitch {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitSwitch)
	}
	h.sim2.CompleteSwitch()
	h.flush()
	h.sim1.CompleteSwitch()
	h.flush()

	if got := second.State(); got != phone.CallHolding {
		t.Errorf("sim2 call state = %v, want HOLDING", got)
	}
	if got := first.State(); got != phone.CallActive {
		t.Errorf("sim1 call state = %v, want ACTIVE", got)
	}
}

func TestInCallCodeOnBusyLine(t *testing.T) {
	h := newHarness(t, time.Minute,
		simline.Config{ID: "sim1"},
		simline.Config{ID: "sim2"},
	)
	first := h.answered(h.sim1, "100")
	second := h.answered(h.sim1, "200")
	if got := first.State(); got != phone.CallHolding {
		t.Fatalf("first call state = %v, want HOLDING", got)
	}

	if h.m.CanDial(h.sim2, "555") {
		t.Error("CanDial(sim2, number) = true with all calls taken")
	}
	if h.m.CanDial(h.sim2, "2") {
		t.Error("CanDial(sim2, \"2\") = true for a line without calls")
	}
	if !h.m.CanDial(h.sim1, "2") {
		t.Fatal("CanDial(sim1, \"2\") = false, want true")
	}

	conn, err := h.m.Dial(h.ctx, h.sim1, "2")
	if err != nil {
		t.Fatalf("Dial(\"2\") error = %v", err)
	}
	if conn != nil {
		t.Errorf("Dial(\"2\") connection = %v, want nil", conn)
	}
	h.flush()
	if got := second.State(); got != phone.CallHolding {
		t.Errorf("second call state = %v, want HOLDING", got)
	}
	if got := first.State(); got != phone.CallActive {
		t.Errorf("first call state = %v, want ACTIVE", got)
	}
	if n := h.log.count(phone.EventMmiComplete, "sim1"); n != 1 {
		t.Errorf("MmiComplete events = %d, want 1", n)
	}
}

func TestCanDial(t *testing.T) {
	t.Run("unregistered line", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		stray := simline.New(simline.Config{ID: "stray"})
		if h.m.CanDial(stray, "555") {
			t.Error("CanDial() = true for unregistered line")
		}
		_, err := h.m.Dial(h.ctx, stray, "555")
		if !errors.Is(err, ErrNoLine) {
			t.Errorf("Dial() error = %v, want ErrNoLine", err)
		}
	})

	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		if !h.m.CanDial(h.sim1, "555") {
			t.Error("CanDial() = false on idle lines")
		}
	})

	t.Run("powered off", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.sim1.SetServiceState(phone.ServicePowerOff)
		h.sim2.SetServiceState(phone.ServicePowerOff)
		h.flush()
		if h.m.CanDial(h.sim1, "555") {
			t.Error("CanDial() = true with every radio off")
		}
	})

	t.Run("ringing", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.ring(h.sim2, "200")
		if h.m.CanDial(h.sim1, "555") {
			t.Error("CanDial() = true while ringing")
		}
	})

	t.Run("alerting", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.sim1.Dial("100")
		h.sim1.RemoteAlert()
		h.flush()
		if h.m.CanDial(h.sim1, "555") {
			t.Error("CanDial(number) = true while alerting")
		}
	})

	t.Run("emergency call", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.answered(h.sim1, "112")
		if h.m.CanDial(h.sim2, "555") {
			t.Error("CanDial() = true during an emergency call")
		}
	})
}

// Adding a ringing call or a second live call never turns a refused dial
// into an allowed one.
func TestCanDialMonotonic(t *testing.T) {
	h := newHarness(t, time.Minute,
		simline.Config{ID: "sim1"},
		simline.Config{ID: "sim2"},
	)
	h.answered(h.sim1, "100")
	h.answered(h.sim1, "200")
	if h.m.CanDial(h.sim2, "555") {
		t.Fatal("CanDial() = true with all calls taken")
	}
	h.ring(h.sim2, "300")
	if h.m.CanDial(h.sim2, "555") {
		t.Error("CanDial() = true after adding a ringing call")
	}
}

func TestAggregateState(t *testing.T) {
	h := newHarness(t, time.Minute)
	if got := h.m.AggregateState(); got != phone.StateIdle {
		t.Errorf("AggregateState() idle = %v, want IDLE", got)
	}
	h.answered(h.sim2, "100")
	if got := h.m.AggregateState(); got != phone.StateOffhook {
		t.Errorf("AggregateState() = %v, want OFFHOOK", got)
	}
	h.ring(h.sim1, "200")
	if got := h.m.AggregateState(); got != phone.StateRinging {
		t.Errorf("AggregateState() = %v, want RINGING", got)
	}
	if got := h.m.RingingLine(); got == nil || got.ID() != "sim1" {
		t.Errorf("RingingLine() = %v, want sim1", got)
	}
	if got := h.m.FgLine(); got == nil || got.ID() != "sim2" {
		t.Errorf("FgLine() = %v, want sim2", got)
	}
	if got := h.m.LineState("sim2"); got != phone.StateOffhook {
		t.Errorf("LineState(sim2) = %v, want OFFHOOK", got)
	}
	if got := h.m.LineState("nope"); got != phone.StateIdle {
		t.Errorf("LineState(nope) = %v, want IDLE", got)
	}
}

func TestAggregateServiceState(t *testing.T) {
	tests := []struct {
		name   string
		states []phone.ServiceState
		want   phone.ServiceState
	}{
		{"one in service", []phone.ServiceState{phone.ServiceOutOfService, phone.ServiceInService}, phone.ServiceInService},
		{"emergency beats power off", []phone.ServiceState{phone.ServicePowerOff, phone.ServiceEmergencyOnly}, phone.ServiceEmergencyOnly},
		{"out of service beats emergency", []phone.ServiceState{phone.ServiceEmergencyOnly, phone.ServiceOutOfService}, phone.ServiceOutOfService},
		{"all off", []phone.ServiceState{phone.ServicePowerOff, phone.ServicePowerOff}, phone.ServicePowerOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Minute,
				simline.Config{ID: "sim1", ServiceState: tt.states[0]},
				simline.Config{ID: "sim2", ServiceState: tt.states[1]},
			)
			if got := h.m.AggregateServiceState(); got != tt.want {
				t.Errorf("AggregateServiceState() = %v, want %v", got, tt.want)
			}
		})
	}

	m := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if got := m.AggregateServiceState(); got != phone.ServiceOutOfService {
		t.Errorf("AggregateServiceState() without lines = %v, want OUT_OF_SERVICE", got)
	}
}

func TestNoLines(t *testing.T) {
	m := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	if got := m.AggregateState(); got != phone.StateIdle {
		t.Errorf("AggregateState() = %v, want IDLE", got)
	}
	if got := m.AggregateServiceState(); got != phone.ServiceOutOfService {
		t.Errorf("AggregateServiceState() = %v, want OUT_OF_SERVICE", got)
	}
	if got := m.DefaultLine(); got != nil {
		t.Errorf("DefaultLine() = %v, want nil", got.ID())
	}

	_, err := m.Dial(ctx, m.DefaultLine(), "100")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Dial() error = %v, want ErrInvalidState", err)
	}
	if !errors.Is(err, ErrNoLine) {
		t.Errorf("Dial() error = %v, want ErrNoLine", err)
	}

	stray := simline.New(simline.Config{ID: "stray", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if _, err := m.Dial(ctx, stray, "100"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Dial(unregistered) error = %v, want ErrInvalidState", err)
	}
}

func TestFirstNonIdleFallsBackToDefault(t *testing.T) {
	h := newHarness(t, time.Minute)
	c := h.m.FirstNonIdle(phone.SlotForeground)
	if c == nil || c.LineID() != "sim1" {
		t.Fatalf("FirstNonIdle() = %v, want the default line's call", c)
	}

	conn, _ := h.sim2.Ring("200")
	h.flush()
	h.m.RejectCall(h.ctx, h.sim2.RingingCall())
	h.flush()
	r := h.m.FirstNonIdle(phone.SlotRinging)
	if r == nil || !r.HasConnection(conn) {
		t.Errorf("FirstNonIdle(ringing) = %v, want the disconnected remnant on sim2", r)
	}
}

func TestDTMFStopFollowsStart(t *testing.T) {
	h := newHarness(t, time.Minute,
		simline.Config{ID: "sim1"},
		simline.Config{ID: "sim2"},
	)
	if err := h.m.StopDTMF(h.ctx); err != nil {
		t.Fatalf("StopDTMF() without start error = %v", err)
	}
	h.answered(h.sim1, "100")

	if err := h.m.StartDTMF(h.ctx, '5'); err != nil {
		t.Fatalf("StartDTMF() error = %v", err)
	}
	// The call leaves ACTIVE before the tone is stopped.
	if _, err := h.m.Dial(h.ctx, h.sim1, "200"); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	h.flush()
	if err := h.m.StopDTMF(h.ctx); err != nil {
		t.Fatalf("StopDTMF() error = %v", err)
	}
	if err := h.m.StopDTMF(h.ctx); err != nil {
		t.Fatalf("second StopDTMF() error = %v", err)
	}

	want := []string{"start:5", "stop"}
	got := h.sim1.Tones()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Tones() = %v, want %v", got, want)
	}
	if err := h.m.StartDTMF(h.ctx, 'x'); err == nil {
		t.Error("StartDTMF('x') error = nil")
	}
}

func TestRemoteFailureCancelsWait(t *testing.T) {
	h := newHarness(t, time.Minute)
	call := h.answered(h.sim1, "100")
	ringing := h.ring(h.sim2, "200")

	if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	h.sim1.RadioUnavailable()
	h.flush()

	if got := h.m.WaitingReason(); got != WaitNone {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitNone)
	}
	if got := call.Earliest().Cause(); got != phone.CauseRadioUnavailable {
		t.Errorf("Cause() = %v, want RADIO_UNAVAILABLE", got)
	}
	if n := h.log.count(phone.EventDisconnect, "sim1"); n != 1 {
		t.Errorf("Disconnect events on sim1 = %d, want 1", n)
	}
	if n := h.log.count(phone.EventServiceStateChanged, "sim1"); n != 1 {
		t.Errorf("ServiceStateChanged events on sim1 = %d, want 1", n)
	}
	if n := h.log.count(phone.EventRadioUnavailable, ""); n != 0 {
		t.Errorf("RadioUnavailable reached subscribers %d times", n)
	}
	if !h.sim2.RingingCall().IsRinging() {
		t.Error("sim2 ringing call lost")
	}
	if got := h.m.AggregateState(); got != phone.StateRinging {
		t.Errorf("AggregateState() = %v, want RINGING", got)
	}
}

func TestRegisterUnregister(t *testing.T) {
	h := newHarness(t, time.Minute)
	if h.m.Register(simline.New(simline.Config{ID: "sim1"})) {
		t.Error("Register() of a duplicate ID = true")
	}
	if got := len(h.m.Lines()); got != 2 {
		t.Errorf("len(Lines()) = %d, want 2", got)
	}
	if got := h.m.DefaultLine(); got.ID() != "sim1" {
		t.Errorf("DefaultLine() = %s, want sim1", got.ID())
	}

	if !h.m.Unregister(h.sim1) {
		t.Fatal("Unregister(sim1) = false")
	}
	if h.m.Unregister(h.sim1) {
		t.Error("second Unregister(sim1) = true")
	}
	if got := h.m.DefaultLine(); got == nil || got.ID() != "sim2" {
		t.Errorf("DefaultLine() = %v, want sim2", got)
	}

	h.sim1.Ring("100")
	h.flush()
	if h.m.HasActiveRingingCall() {
		t.Error("unregistered line's call is visible")
	}

	h.m.Unregister(h.sim2)
	h.flush()
	if got := h.m.DefaultLine(); got != nil {
		t.Errorf("DefaultLine() = %v, want nil", got)
	}
	if got := h.m.FirstNonIdle(phone.SlotForeground); got != nil {
		t.Errorf("FirstNonIdle() = %v, want nil", got)
	}
}

func TestUnregisterCancelsWait(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.answered(h.sim1, "100")
	ringing := h.ring(h.sim2, "200")
	if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	h.m.Unregister(h.sim2)
	h.flush()
	if got := h.m.WaitingReason(); got != WaitNone {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitNone)
	}
}

func TestConferenceRequiresSameLine(t *testing.T) {
	h := newHarness(t, time.Minute,
		simline.Config{ID: "sim1", Capabilities: phone.Capabilities{MaxCalls: 2, Conference: true}},
		simline.Config{ID: "sim2", Capabilities: phone.Capabilities{MaxCalls: 2, Conference: true}},
	)
	first := h.answered(h.sim1, "100")
	h.answered(h.sim1, "200")

	if !h.m.CanConference(first) {
		t.Fatal("CanConference() = false for held and active on one line")
	}
	if h.m.CanTransfer(first) {
		t.Error("CanTransfer() = true on a line without transfer")
	}
	if err := h.m.ExplicitCallTransfer(h.ctx, first); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ExplicitCallTransfer() error = %v, want ErrInvalidState", err)
	}
	if err := h.m.Conference(h.ctx, first); err != nil {
		t.Fatalf("Conference() error = %v", err)
	}
	h.flush()
	if !h.sim1.ForegroundCall().IsMultiparty() {
		t.Error("foreground call is not multiparty after conference")
	}
}

func TestHangupForegroundResumeBackground(t *testing.T) {
	h := newHarness(t, time.Minute,
		simline.Config{ID: "sim1"},
		simline.Config{ID: "sim2"},
	)
	first := h.answered(h.sim1, "100")
	second := h.answered(h.sim1, "200")

	if err := h.m.HangupForegroundResumeBackground(h.ctx, first); err != nil {
		t.Fatalf("HangupForegroundResumeBackground() error = %v", err)
	}
	h.flush()
	if got := second.State(); got != phone.CallDisconnected && got != phone.CallIdle {
		t.Errorf("foreground call state = %v, want ended", got)
	}
	if got := h.sim1.ForegroundCall().State(); got != phone.CallActive {
		t.Errorf("sim1 fg state = %v, want ACTIVE", got)
	}
}

func TestMuteFollowsAcceptAndHangupAll(t *testing.T) {
	h := newHarness(t, time.Minute,
		simline.Config{ID: "sim1"},
		simline.Config{ID: "sim2"},
	)
	h.answered(h.sim1, "100")
	if err := h.m.SetMute(h.ctx, true); err != nil {
		t.Fatalf("SetMute() error = %v", err)
	}
	if !h.m.Mute() || !h.sim1.Mute() {
		t.Fatal("Mute() = false after SetMute(true)")
	}

	ringing := h.ring(h.sim1, "200")
	if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	h.flush()
	if h.m.Mute() {
		t.Error("Mute() = true after accepting a call")
	}

	if err := h.m.HangupAll(h.ctx); err != nil {
		t.Fatalf("HangupAll() error = %v", err)
	}
	h.flush()
	if h.m.HasActiveFgCall() || h.m.HasActiveBgCall() {
		t.Error("calls still alive after HangupAll")
	}
	if got := h.m.AudioMode(); got != (audio.Mode{Kind: audio.ModeNormal}) {
		t.Errorf("AudioMode() = %v, want NORMAL", got)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.answered(h.sim1, "100")

	st := h.m.Snapshot()
	if st.State != "OFFHOOK" {
		t.Errorf("State = %q, want OFFHOOK", st.State)
	}
	if st.ForegroundLine != "sim1" || st.DefaultLine != "sim1" {
		t.Errorf("ForegroundLine, DefaultLine = %q, %q, want sim1, sim1", st.ForegroundLine, st.DefaultLine)
	}
	if st.Waiting != WaitNone {
		t.Errorf("Waiting = %q, want %q", st.Waiting, WaitNone)
	}
	if len(st.Lines) != 2 {
		t.Fatalf("len(Lines) = %d, want 2", len(st.Lines))
	}
	fg := st.Lines[0].Foreground
	if fg.State != "ACTIVE" || len(fg.Connections) != 1 || fg.Connections[0].Address != "100" {
		t.Errorf("Lines[0].Foreground = %+v, want one ACTIVE connection to 100", fg)
	}
	if st.Lines[1].State != "IDLE" {
		t.Errorf("Lines[1].State = %q, want IDLE", st.Lines[1].State)
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.flush()
	if err := h.m.Run(h.ctx); err == nil {
		t.Error("second Run() error = nil")
	}
}

func TestAcceptKeepsHeldCallOnSameLine(t *testing.T) {
	h := newHarness(t, time.Minute, simline.Config{ID: "sim1"}, simline.Config{ID: "sim2"})
	held := h.answered(h.sim1, "100")
	active := h.answered(h.sim1, "200")
	if held.State() != phone.CallHolding || active.State() != phone.CallActive {
		t.Fatalf("setup states = %v/%v, want HOLDING/ACTIVE", held.State(), active.State())
	}
	activeConn := active.Connections()[0]

	ringing := h.ring(h.sim1, "300")
	if got := ringing.State(); got != phone.CallWaiting {
		t.Fatalf("ringing state = %v, want WAITING", got)
	}
	ringConn := ringing.Connections()[0]

	if err := h.m.AcceptCall(h.ctx, ringing); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	h.flush()

	if activeConn.IsAlive() {
		t.Error("previously active call still alive")
	}
	if got := activeConn.Cause(); got != phone.CauseLocal {
		t.Errorf("active call cause = %v, want LOCAL", got)
	}
	if got := h.sim1.BackgroundCall(); got != held || got.State() != phone.CallHolding {
		t.Errorf("background call state = %v, want the held call HOLDING", got.State())
	}
	fg := h.sim1.ForegroundCall()
	if got := fg.State(); got != phone.CallActive {
		t.Errorf("foreground state = %v, want ACTIVE", got)
	}
	if !fg.HasConnection(ringConn) {
		t.Error("accepted call is not in the foreground")
	}
	if got := h.m.WaitingReason(); got != WaitNone {
		t.Errorf("WaitingReason() = %q, want %q", got, WaitNone)
	}
}

func TestWaitFinishRejectedEvent(t *testing.T) {
	w := newWaitingState(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.begin(WaitSwitch, nil, nil); err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	w.finish("no_such_event")
	if w.pending() {
		t.Errorf("reason() = %q after finish, want %q", w.reason(), WaitNone)
	}
	if err := w.begin(WaitDial, nil, nil); err != nil {
		t.Errorf("begin() after forced finish error = %v", err)
	}
}
