package callmanager

import (
	"github.com/sebas/linemux/internal/phone"
)

// Register adds a line and subscribes to its events. The first line
// registered becomes the default. Registering a line ID twice is a no-op
// that returns false.
func (m *Manager) Register(line phone.Line) bool {
	m.mu.Lock()
	for _, l := range m.lines {
		if l.ID() == line.ID() {
			m.mu.Unlock()
			return false
		}
	}
	m.lines = append(m.lines, line)
	if m.defaultLine == nil {
		m.defaultLine = line
	}
	m.mu.Unlock()

	line.Subscribe(m)
	m.logger.Info("[CallManager] Line registered",
		"line", line.ID(),
		"kind", line.Kind().String(),
		"max_calls", line.Capabilities().MaxCalls,
	)
	return true
}

// Unregister removes a line and unsubscribes from its events. The default
// moves to the first remaining line, or to none. A pending wait involving
// the line is cancelled.
func (m *Manager) Unregister(line phone.Line) bool {
	m.mu.Lock()
	idx := -1
	for i, l := range m.lines {
		if l.ID() == line.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	removed := m.lines[idx]
	m.lines = append(m.lines[:idx:idx], m.lines[idx+1:]...)
	if m.defaultLine != nil && m.defaultLine.ID() == removed.ID() {
		m.defaultLine = nil
		if len(m.lines) > 0 {
			m.defaultLine = m.lines[0]
		}
	}
	m.mu.Unlock()

	removed.Unsubscribe(m)
	id := removed.ID()
	m.box.push(func() {
		if m.wait.involves(id) {
			m.cancelWait(&RemoteError{Line: id})
		}
		if m.dtmfLine == id {
			m.dtmfOutstanding = false
			m.dtmfLine = ""
		}
		m.updateAudio()
	})
	m.logger.Info("[CallManager] Line unregistered", "line", id)
	return true
}

// Lines returns the registered lines in registration order.
func (m *Manager) Lines() []phone.Line {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]phone.Line, len(m.lines))
	copy(out, m.lines)
	return out
}

// DefaultLine returns the default line, or nil when none is registered.
func (m *Manager) DefaultLine() phone.Line {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultLine
}

// Line returns the registered line with the given ID, or nil.
func (m *Manager) Line(id string) phone.Line {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.lines {
		if l.ID() == id {
			return l
		}
	}
	return nil
}

func (m *Manager) multiLine() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lines) > 1
}
