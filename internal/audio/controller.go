package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/linemux/internal/phone"
)

// Input is what the controller needs to know about the aggregate state.
type Input struct {
	State phone.PhoneState
	// OffhookLine is the line that supplies the in-call mode: the
	// foreground line, or the background line when nothing is active.
	OffhookLine string
	OffhookKind phone.Kind
	// MultiLine is true when more than one line is registered.
	MultiLine bool
}

// ModeFor returns the offhook mode for a line.
func ModeFor(kind phone.Kind, lineID string, multiLine bool) Mode {
	m := Mode{Kind: ModeInCall}
	if kind == phone.KindPacketVoice {
		m.Kind = ModeInCommunication
	}
	if multiLine {
		m.Line = lineID
	}
	return m
}

// Desired maps the aggregate state to a mode.
func Desired(in Input) Mode {
	switch in.State {
	case phone.StateRinging:
		return Mode{Kind: ModeRingtone}
	case phone.StateOffhook:
		return ModeFor(in.OffhookKind, in.OffhookLine, in.MultiLine)
	default:
		return Mode{Kind: ModeNormal}
	}
}

// Controller requests a mode from the Router once per observed change and
// keeps the snapshot needed to roll back a mode change made for a hold
// request.
type Controller struct {
	mu     sync.Mutex
	router Router
	logger *slog.Logger

	applied Mode
	saved   *Mode
	focus   *Stream
}

// NewController creates a controller starting from the router's mode.
func NewController(router Router, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		router:  router,
		logger:  logger,
		applied: router.Mode(),
	}
}

// Mode returns the last applied mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Pending reports whether a saved previous mode is waiting for Commit or
// Rollback.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved != nil
}

// Update applies the mode for in. It does nothing while a hold-triggered
// change is pending, since the prepared mode must stay until Commit or
// Rollback.
func (c *Controller) Update(in Input) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved != nil {
		return nil
	}
	if err := c.applyFocus(in.State); err != nil {
		return err
	}
	return c.apply(Desired(in))
}

// Prepare applies target ahead of a hold request and saves the mode it
// replaces. A second Prepare before Commit or Rollback keeps the first
// saved mode.
func (c *Controller) Prepare(target Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		prev := c.applied
		c.saved = &prev
	}
	if err := c.applyFocus(phone.StateOffhook); err != nil {
		return err
	}
	return c.apply(target)
}

// Commit drops the saved mode once the prepared mode is known to stick.
func (c *Controller) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = nil
}

// Rollback restores the saved mode and clears it. It returns false when
// nothing was saved, so repeated calls restore at most once.
func (c *Controller) Rollback() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		return false, nil
	}
	prev := *c.saved
	c.saved = nil
	c.logger.Info("[Audio] rolling back mode", "from", c.applied.String(), "to", prev.String())
	return true, c.apply(prev)
}

func (c *Controller) apply(m Mode) error {
	if m == c.applied {
		return nil
	}
	if err := c.router.SetMode(m); err != nil {
		return fmt.Errorf("set audio mode %s: %w", m, err)
	}
	c.logger.Debug("[Audio] mode changed", "from", c.applied.String(), "to", m.String())
	c.applied = m
	return nil
}

// applyFocus requests ring focus while ringing even when the ringer is
// silent, voice focus while offhook, and releases focus when idle.
func (c *Controller) applyFocus(state phone.PhoneState) error {
	var want *Stream
	switch state {
	case phone.StateRinging:
		s := StreamRing
		want = &s
	case phone.StateOffhook:
		s := StreamVoiceCall
		want = &s
	}

	switch {
	case want == nil && c.focus == nil:
		return nil
	case want == nil:
		c.focus = nil
		return c.router.AbandonFocus()
	case c.focus != nil && *c.focus == *want:
		return nil
	}
	c.focus = want
	return c.router.RequestFocus(*want)
}
