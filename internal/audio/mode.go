// Package audio decides which audio routing mode the platform should use
// for the current aggregate call state.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// ModeKind is the routing family requested from the platform.
type ModeKind int

const (
	ModeNormal ModeKind = iota
	ModeRingtone
	ModeInCall
	ModeInCommunication
)

// String returns the string representation of ModeKind.
func (k ModeKind) String() string {
	switch k {
	case ModeNormal:
		return "NORMAL"
	case ModeRingtone:
		return "RINGTONE"
	case ModeInCall:
		return "IN_CALL"
	case ModeInCommunication:
		return "IN_COMMUNICATION"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Mode is a routing mode. Line is set for the in-call variants when more
// than one line is registered, so the platform can pick the audio path of
// that line.
type Mode struct {
	Kind ModeKind
	Line string
}

// String returns e.g. "IN_CALL" or "IN_CALL(sim2)".
func (m Mode) String() string {
	if m.Line == "" {
		return m.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", m.Kind, m.Line)
}

// Stream identifies the audio stream focus is requested for.
type Stream int

const (
	StreamRing Stream = iota
	StreamVoiceCall
)

// String returns the string representation of Stream.
func (s Stream) String() string {
	switch s {
	case StreamRing:
		return "ring"
	case StreamVoiceCall:
		return "voice_call"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Router applies modes on the platform.
type Router interface {
	SetMode(m Mode) error
	Mode() Mode
	RequestFocus(s Stream) error
	AbandonFocus() error
}

// LoggingRouter records the requested mode and logs every request. It is
// used when no platform router is attached.
type LoggingRouter struct {
	mu     sync.Mutex
	mode   Mode
	focus  *Stream
	logger *slog.Logger
}

// NewLoggingRouter creates a LoggingRouter in normal mode.
func NewLoggingRouter(logger *slog.Logger) *LoggingRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingRouter{logger: logger}
}

func (r *LoggingRouter) SetMode(m Mode) error {
	r.mu.Lock()
	r.mode = m
	r.mu.Unlock()
	r.logger.Info("[Audio] mode set", "mode", m.String())
	return nil
}

func (r *LoggingRouter) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *LoggingRouter) RequestFocus(s Stream) error {
	r.mu.Lock()
	r.focus = &s
	r.mu.Unlock()
	r.logger.Debug("[Audio] focus requested", "stream", s.String())
	return nil
}

func (r *LoggingRouter) AbandonFocus() error {
	r.mu.Lock()
	r.focus = nil
	r.mu.Unlock()
	r.logger.Debug("[Audio] focus abandoned")
	return nil
}

// Focus returns the stream holding focus, if any.
func (r *LoggingRouter) Focus() (Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focus == nil {
		return 0, false
	}
	return *r.focus, true
}
