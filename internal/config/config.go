package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the linemux daemon configuration
type Config struct {
	LogLevel      string `env:"LOGLEVEL"`
	LogFile       string `env:"LOG_FILE"`        // Rotating log file, empty for stdout only
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB"` // Rotate after this many megabytes
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS"`

	// Control API
	APIAddr string `env:"API_ADDR"`

	// Call manager settings
	HoldTimeout      time.Duration `env:"HOLD_TIMEOUT"`
	EmergencyNumbers []string      `env:"EMERGENCY_NUMBERS" envSeparator:","`

	// LinesFile is the YAML line inventory. Empty means two simulated lines.
	LinesFile string `env:"LINES_FILE"`

	// SIP defaults for sip lines that do not set their own
	SIPBind      string `env:"SIP_BIND"`
	SIPPort      int    `env:"SIP_PORT"`
	SIPAdvertise string `env:"SIP_ADVERTISE"`

	// RTP port range shared by sip lines; zero means ephemeral ports
	RTPPortMin int `env:"RTP_PORT_MIN"`
	RTPPortMax int `env:"RTP_PORT_MAX"`

	// Event export; each is disabled when its address is empty
	NATSURL      string `env:"NATS_URL"`
	NATSStream   string `env:"NATS_STREAM"`
	MQTTBroker   string `env:"MQTT_BROKER"`
	MQTTClientID string `env:"MQTT_CLIENT_ID"`
	MQTTUsername string `env:"MQTT_USERNAME"`
	MQTTPassword string `env:"MQTT_PASSWORD"`
	MQTTPrefix   string `env:"MQTT_PREFIX"`
	LogEvents    bool   `env:"LOG_EVENTS"`
}

// Load parses command line flags, then overlays environment variables. An
// optional .env file (or the file named by ENV_FILE) is loaded first.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fset := flag.NewFlagSet("linemux", flag.ContinueOnError)
	fset.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fset.StringVar(&cfg.LogFile, "logfile", "", "Rotating log file (empty for stdout only)")
	fset.IntVar(&cfg.LogMaxSizeMB, "logmaxsize", 100, "Log file size in megabytes before rotation")
	fset.IntVar(&cfg.LogMaxBackups, "logmaxbackups", 3, "Rotated log files to keep")
	fset.StringVar(&cfg.APIAddr, "api", ":9191", "gRPC control API listen address")
	fset.DurationVar(&cfg.HoldTimeout, "holdtimeout", 10*time.Second, "How long to wait for a hold to complete")
	fset.StringVar(&cfg.LinesFile, "lines", "", "Line inventory YAML file")
	fset.StringVar(&cfg.SIPBind, "sipbind", "0.0.0.0", "SIP bind address")
	fset.IntVar(&cfg.SIPPort, "sipport", 5060, "First SIP listening port")
	fset.StringVar(&cfg.SIPAdvertise, "sipadvertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fset.IntVar(&cfg.RTPPortMin, "rtpmin", 0, "Lowest RTP port (0 for ephemeral ports)")
	fset.IntVar(&cfg.RTPPortMax, "rtpmax", 0, "Highest RTP port")
	fset.StringVar(&cfg.NATSURL, "nats", "", "NATS server URL for event export")
	fset.StringVar(&cfg.NATSStream, "natsstream", "LINE_EVENTS", "NATS JetStream stream name")
	fset.StringVar(&cfg.MQTTBroker, "mqtt", "", "MQTT broker URL for event export")
	fset.StringVar(&cfg.MQTTPrefix, "mqttprefix", "linemux", "MQTT topic prefix")
	fset.BoolVar(&cfg.LogEvents, "logevents", false, "Log every exported event")

	var emergency string
	fset.StringVar(&emergency, "emergency", "112,911", "Emergency numbers (comma-separated)")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	cfg.EmergencyNumbers = parseList(emergency)

	if err := LoadEnv(); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	// Validate and fallback to auto-detection if invalid
	if cfg.SIPAdvertise == "" || !isValidAddress(cfg.SIPAdvertise) {
		cfg.SIPAdvertise = getPrimaryInterfaceIP()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads ENV_FILE (or .env) into the environment. A missing .env
// is not an error; a missing ENV_FILE is.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile != "" {
		return godotenv.Load(envfile)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("api address is required")
	}
	if c.HoldTimeout < 0 {
		return fmt.Errorf("hold timeout must not be negative, got %s", c.HoldTimeout)
	}
	if c.SIPPort <= 0 || c.SIPPort > 65535 {
		return fmt.Errorf("sip port must be 1-65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin != 0 || c.RTPPortMax != 0 {
		if c.RTPPortMin <= 0 || c.RTPPortMax > 65535 || c.RTPPortMax <= c.RTPPortMin {
			return fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax)
		}
	}
	return nil
}

// parseList parses a comma-separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP returns the first IPv4 address of an up,
// non-loopback interface.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
