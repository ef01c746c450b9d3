package callmanager

import (
	"time"

	apitypes "github.com/sebas/linemux/api/types/v1"
	"github.com/sebas/linemux/internal/phone"
)

// Snapshot returns the aggregate and per-line state. It reads the lines
// directly and is safe to call from any goroutine.
func (m *Manager) Snapshot() apitypes.Status {
	st := apitypes.Status{
		State:        m.AggregateState().String(),
		ServiceState: m.AggregateServiceState().String(),
		AudioMode:    m.audio.Mode().String(),
		Waiting:      m.wait.reason(),
		Muted:        m.Mute(),
	}
	if d := m.DefaultLine(); d != nil {
		st.DefaultLine = d.ID()
	}
	if fg := m.liveCall(phone.SlotForeground); fg != nil {
		st.ForegroundLine = fg.LineID()
	}
	for _, l := range m.Lines() {
		caps := l.Capabilities()
		st.Lines = append(st.Lines, apitypes.LineStatus{
			ID:           l.ID(),
			Kind:         l.Kind().String(),
			State:        l.State().String(),
			ServiceState: l.ServiceState().String(),
			MaxCalls:     caps.MaxCalls,
			Conference:   caps.Conference,
			Transfer:     caps.Transfer,
			Ringing:      callStatus(l.RingingCall()),
			Foreground:   callStatus(l.ForegroundCall()),
			Background:   callStatus(l.BackgroundCall()),
		})
	}
	return st
}

func callStatus(c *phone.Call) apitypes.CallStatus {
	if c == nil {
		return apitypes.CallStatus{State: phone.CallIdle.String()}
	}
	cs := apitypes.CallStatus{State: c.State().String()}
	for _, conn := range c.Connections() {
		s := apitypes.ConnectionStatus{
			ID:        conn.ID(),
			Address:   conn.Address(),
			Incoming:  conn.IsIncoming(),
			Video:     conn.IsVideo(),
			CreatedAt: conn.CreatedAt().UTC().Format(time.RFC3339),
		}
		if t := conn.ConnectedAt(); !t.IsZero() {
			s.ConnectedAt = t.UTC().Format(time.RFC3339)
		}
		if cause := conn.Cause(); cause != phone.CauseNotDisconnected {
			s.Cause = cause.String()
		}
		cs.Connections = append(cs.Connections, s)
	}
	return cs
}
