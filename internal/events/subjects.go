package events

import (
	"fmt"
	"time"

	apitypes "github.com/sebas/linemux/api/types/v1"
	"github.com/sebas/linemux/internal/phone"
)

// Subject naming for exported events.
//
// Hierarchy:
//   linemux.lines.<line_id>.<event_kind>   - Per-line events
//   linemux.status                         - Aggregate status snapshots
//
// Wildcard subscriptions:
//   linemux.lines.>                        - All line events
//   linemux.lines.*.disconnect             - All disconnects
//   linemux.lines.<line_id>.*              - All events for one line

const (
	// SubjectPrefix is the root of all linemux subjects
	SubjectPrefix = "linemux"

	SubjectLines  = SubjectPrefix + ".lines"
	SubjectStatus = SubjectPrefix + ".status"
)

var (
	// PatternAllLines matches all line events
	PatternAllLines = SubjectLines + ".>"

	// PatternDisconnects matches every disconnect
	PatternDisconnects = SubjectLines + ".*." + phone.EventDisconnect.String()
)

// LineSubject builds the subject for a line event.
// Example: LineSubject("sim1", "disconnect") => "linemux.lines.sim1.disconnect"
func LineSubject(lineID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectLines, lineID, kind)
}

// Record converts a fan-out event to its exported form.
func Record(ev phone.Event) apitypes.Event {
	rec := apitypes.Event{
		ID:        ev.ID,
		Kind:      ev.Kind.String(),
		LineID:    ev.LineID,
		Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
		Text:      ev.Text,
		On:        ev.On,
	}
	if ev.Call != nil {
		rec.CallState = ev.Call.State().String()
	}
	if ev.Connection != nil {
		rec.ConnectionID = ev.Connection.ID()
		rec.Address = ev.Connection.Address()
	}
	switch ev.Kind {
	case phone.EventSuppServiceFailed, phone.EventSuppServiceNotification:
		rec.Service = ev.Service.String()
	case phone.EventServiceStateChanged:
		rec.ServiceState = ev.ServiceState.String()
	case phone.EventDisconnect:
		rec.Cause = ev.Cause.String()
	}
	if ev.Char != 0 {
		rec.Char = string(ev.Char)
	}
	return rec
}

// Subject returns the export subject of a record.
func Subject(rec apitypes.Event) string {
	return LineSubject(rec.LineID, rec.Kind)
}
