package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sebas/linemux/internal/phone"
)

// Line kinds accepted in the inventory.
const (
	KindRadio = "radio"
	KindSIP   = "sip"
)

// LineConfig is one entry of the line inventory.
type LineConfig struct {
	ID           string  `yaml:"id"`
	Kind         string  `yaml:"kind"` // "radio" (simulated) or "sip"
	MaxCalls     int     `yaml:"max_calls"`
	Conference   bool    `yaml:"conference"`
	Transfer     bool    `yaml:"transfer"`
	ServiceState string  `yaml:"service_state"`
	ManualHold   bool    `yaml:"manual_hold"`
	SIP          SIPLine `yaml:"sip"`
}

// SIPLine holds the per-line SIP settings. Empty fields take the daemon
// defaults.
type SIPLine struct {
	Listen       string        `yaml:"listen"`
	Transport    string        `yaml:"transport"`
	Advertise    string        `yaml:"advertise"`
	MediaHost    string        `yaml:"media_host"`
	Proxy        string        `yaml:"proxy"`
	User         string        `yaml:"user"`
	DisplayName  string        `yaml:"display_name"`
	DTMFDuration time.Duration `yaml:"dtmf_duration"`
}

type inventory struct {
	Lines []LineConfig `yaml:"lines"`
}

// DefaultLines is the inventory used without a lines file: a dual-radio
// device.
func DefaultLines() []LineConfig {
	return []LineConfig{
		{ID: "sim1", Kind: KindRadio, MaxCalls: 2, Conference: true, Transfer: true},
		{ID: "sim2", Kind: KindRadio, MaxCalls: 2, Conference: true, Transfer: true},
	}
}

// LoadLines reads the line inventory at path. An empty path returns
// DefaultLines.
func LoadLines(path string) ([]LineConfig, error) {
	if path == "" {
		return DefaultLines(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lines file: %w", err)
	}
	return ParseLines(data)
}

// ParseLines decodes and validates a YAML inventory.
func ParseLines(data []byte) ([]LineConfig, error) {
	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse lines file: %w", err)
	}
	if len(inv.Lines) == 0 {
		return nil, fmt.Errorf("lines file defines no lines")
	}

	seen := make(map[string]bool, len(inv.Lines))
	for i := range inv.Lines {
		lc := &inv.Lines[i]
		if lc.ID == "" {
			return nil, fmt.Errorf("line %d: id is required", i)
		}
		if seen[lc.ID] {
			return nil, fmt.Errorf("line %s: duplicate id", lc.ID)
		}
		seen[lc.ID] = true

		if lc.Kind == "" {
			lc.Kind = KindRadio
		}
		if lc.Kind != KindRadio && lc.Kind != KindSIP {
			return nil, fmt.Errorf("line %s: unknown kind %q", lc.ID, lc.Kind)
		}
		if lc.MaxCalls < 0 {
			return nil, fmt.Errorf("line %s: max_calls must not be negative", lc.ID)
		}
		if _, err := lc.Service(); err != nil {
			return nil, fmt.Errorf("line %s: %w", lc.ID, err)
		}
	}
	return inv.Lines, nil
}

// Service returns the configured initial service state, IN_SERVICE when
// unset.
func (lc LineConfig) Service() (phone.ServiceState, error) {
	if lc.ServiceState == "" {
		return phone.ServiceInService, nil
	}
	return phone.ParseServiceState(lc.ServiceState)
}

// Capabilities returns the line capabilities.
func (lc LineConfig) Capabilities() phone.Capabilities {
	return phone.Capabilities{
		MaxCalls:   lc.MaxCalls,
		Conference: lc.Conference,
		Transfer:   lc.Transfer,
	}
}
