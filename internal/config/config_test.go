package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sebas/linemux/internal/phone"
)

// chdirTemp runs the test in an empty directory so no stray .env is loaded.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENV_FILE", "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.APIAddr != ":9191" {
		t.Errorf("APIAddr = %q, want :9191", cfg.APIAddr)
	}
	if cfg.HoldTimeout != 10*time.Second {
		t.Errorf("HoldTimeout = %v, want 10s", cfg.HoldTimeout)
	}
	if want := []string{"112", "911"}; !reflect.DeepEqual(cfg.EmergencyNumbers, want) {
		t.Errorf("EmergencyNumbers = %v, want %v", cfg.EmergencyNumbers, want)
	}
	if cfg.SIPAdvertise == "" {
		t.Error("SIPAdvertise was not auto-detected")
	}
}

func TestLoadEnvOverridesFlags(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENV_FILE", "")
	t.Setenv("API_ADDR", "127.0.0.1:7000")
	t.Setenv("HOLD_TIMEOUT", "3s")
	t.Setenv("EMERGENCY_NUMBERS", "999,112")

	cfg, err := Load([]string{"-api", ":8000", "-loglevel", "debug"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:7000" {
		t.Errorf("APIAddr = %q, want 127.0.0.1:7000", cfg.APIAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.HoldTimeout != 3*time.Second {
		t.Errorf("HoldTimeout = %v, want 3s", cfg.HoldTimeout)
	}
	if want := []string{"999", "112"}; !reflect.DeepEqual(cfg.EmergencyNumbers, want) {
		t.Errorf("EmergencyNumbers = %v, want %v", cfg.EmergencyNumbers, want)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "linemux.env")
	if err := os.WriteFile(path, []byte("MQTT_BROKER=tcp://broker:1883\nSIP_PORT=5070\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv does not override variables that are already set.
	os.Unsetenv("MQTT_BROKER")
	os.Unsetenv("SIP_PORT")
	t.Cleanup(func() {
		os.Unsetenv("MQTT_BROKER")
		os.Unsetenv("SIP_PORT")
	})

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTTBroker != "tcp://broker:1883" {
		t.Errorf("MQTTBroker = %q, want tcp://broker:1883", cfg.MQTTBroker)
	}
	if cfg.SIPPort != 5070 {
		t.Errorf("SIPPort = %d, want 5070", cfg.SIPPort)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENV_FILE", "/nonexistent/linemux.env")

	if _, err := Load(nil); err == nil {
		t.Error("Load() error = nil, want error for missing ENV_FILE")
	}
}

func TestLoadInvalid(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENV_FILE", "")

	tests := []struct {
		name string
		args []string
	}{
		{"negative hold timeout", []string{"-holdtimeout", "-1s"}},
		{"bad sip port", []string{"-sipport", "70000"}},
		{"empty api address", []string{"-api", ""}},
		{"rtp range without max", []string{"-rtpmin", "10000"}},
		{"inverted rtp range", []string{"-rtpmin", "20000", "-rtpmax", "10000"}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Errorf("Load(%v) error = nil, want error", tt.args)
			}
		})
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"112", []string{"112"}},
		{" 112 , 911,,", []string{"112", "911"}},
	}
	for _, tt := range tests {
		if got := parseList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadLinesDefault(t *testing.T) {
	lines, err := LoadLines("")
	if err != nil {
		t.Fatalf("LoadLines() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[0].ID != "sim1" || lines[1].ID != "sim2" {
		t.Errorf("line ids = %s,%s, want sim1,sim2", lines[0].ID, lines[1].ID)
	}
}

func TestParseLines(t *testing.T) {
	data := []byte(`
lines:
  - id: sim1
    max_calls: 2
    conference: true
  - id: voip
    kind: sip
    service_state: OUT_OF_SERVICE
    sip:
      listen: 0.0.0.0:5070
      proxy: pbx.example.com
      dtmf_duration: 200ms
`)
	lines, err := ParseLines(data)
	if err != nil {
		t.Fatalf("ParseLines() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}

	if lines[0].Kind != KindRadio {
		t.Errorf("lines[0].Kind = %q, want %q", lines[0].Kind, KindRadio)
	}
	caps := lines[0].Capabilities()
	if caps.MaxCalls != 2 || !caps.Conference || caps.Transfer {
		t.Errorf("lines[0].Capabilities() = %+v", caps)
	}

	sip := lines[1]
	if sip.Kind != KindSIP {
		t.Errorf("lines[1].Kind = %q, want %q", sip.Kind, KindSIP)
	}
	if sip.SIP.Proxy != "pbx.example.com" {
		t.Errorf("Proxy = %q, want pbx.example.com", sip.SIP.Proxy)
	}
	if sip.SIP.DTMFDuration != 200*time.Millisecond {
		t.Errorf("DTMFDuration = %v, want 200ms", sip.SIP.DTMFDuration)
	}
	if got, _ := sip.Service(); got != phone.ServiceOutOfService {
		t.Errorf("Service() = %v, want OUT_OF_SERVICE", got)
	}
}

func TestParseLinesInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no lines", "lines: []"},
		{"missing id", "lines:\n  - kind: radio"},
		{"duplicate id", "lines:\n  - id: a\n  - id: a"},
		{"bad kind", "lines:\n  - id: a\n    kind: pots"},
		{"bad service state", "lines:\n  - id: a\n    service_state: SLEEPING"},
		{"negative max calls", "lines:\n  - id: a\n    max_calls: -1"},
		{"not yaml", "lines: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseLines([]byte(tt.data)); err == nil {
				t.Error("ParseLines() error = nil, want error")
			}
		})
	}
}

func TestLoadLinesMissingFile(t *testing.T) {
	if _, err := LoadLines(filepath.Join(t.TempDir(), "lines.yaml")); err == nil {
		t.Error("LoadLines() error = nil, want error")
	}
}
