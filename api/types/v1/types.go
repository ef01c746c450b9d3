// Package types defines shared API types for the control API and event export.
package types

// Status is the aggregate call-manager snapshot returned by Status.
type Status struct {
	State          string       `json:"state"`
	ServiceState   string       `json:"service_state"`
	AudioMode      string       `json:"audio_mode"`
	Waiting        string       `json:"waiting"`
	DefaultLine    string       `json:"default_line,omitempty"`
	ForegroundLine string       `json:"foreground_line,omitempty"`
	Muted          bool         `json:"muted"`
	Lines          []LineStatus `json:"lines"`
}

// LineStatus describes one registered line
type LineStatus struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	State        string     `json:"state"`
	ServiceState string     `json:"service_state"`
	MaxCalls     int        `json:"max_calls"`
	Conference   bool       `json:"conference"`
	Transfer     bool       `json:"transfer"`
	Ringing      CallStatus `json:"ringing"`
	Foreground   CallStatus `json:"foreground"`
	Background   CallStatus `json:"background"`
}

// CallStatus describes one call slot
type CallStatus struct {
	State       string             `json:"state"`
	Connections []ConnectionStatus `json:"connections,omitempty"`
}

// ConnectionStatus describes one party of a call
type ConnectionStatus struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Incoming    bool   `json:"incoming"`
	Video       bool   `json:"video,omitempty"`
	CreatedAt   string `json:"created_at"`
	ConnectedAt string `json:"connected_at,omitempty"`
	Cause       string `json:"cause,omitempty"`
}

// Event is the exported form of a fan-out event
type Event struct {
	ID           string `json:"event_id"`
	Kind         string `json:"kind"`
	LineID       string `json:"line_id"`
	Timestamp    string `json:"timestamp"`
	CallState    string `json:"call_state,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Address      string `json:"address,omitempty"`
	Service      string `json:"service,omitempty"`
	ServiceState string `json:"service_state,omitempty"`
	Cause        string `json:"cause,omitempty"`
	Char         string `json:"char,omitempty"`
	Text         string `json:"text,omitempty"`
	On           bool   `json:"on,omitempty"`
}
