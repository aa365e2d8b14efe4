// Package config loads the agent's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UDPListener describes the telemetry ingress socket.
type UDPListener struct {
	// Recipient is the receiving unicast address or multicast group.
	Recipient string `yaml:"recipient"`
	Port      int    `yaml:"port"`
	// Interface, if set, is the local address identifying the interface
	// to join multicast traffic on. Only meaningful when Recipient is a
	// multicast group.
	Interface string `yaml:"interface"`
}

// Console describes the optional introspection TCP listener.
type Console struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the agent's full runtime configuration, loaded from YAML.
type Config struct {
	UDPListener UDPListener `yaml:"udp_listener"`

	// TelemetryID names the JSON field in a telemetry datagram carrying
	// a sequence number to track, or is empty to disable tracking.
	TelemetryID string `yaml:"telemetry_id"`

	LogLevel string `yaml:"log_level"`

	// StatsInterval, if non-zero, is the number of seconds between
	// periodic statistics log lines. Zero disables periodic reporting.
	StatsInterval int `yaml:"stats_interval"`

	DNSServer          string `yaml:"dns_server"`
	ResponsePolicyZone string `yaml:"response_policy_zone"`

	// CacheSize bounds the number of resolutions held across all
	// addresses. Zero means the default of 10000.
	CacheSize int `yaml:"cache_size"`

	Console *Console `yaml:"console"`

	// AddressClasses lists which DNS record types ("A", "AAAA") the
	// agent associates addresses for. An empty list means both.
	AddressClasses []string `yaml:"address_classes"`

	// GarbageLogging controls whether unexpected RRs encountered during
	// AXFR bootstrap are logged. Default true.
	GarbageLogging *bool `yaml:"garbage_logging"`

	// Heuristic selects the scoring function: "standard" or
	// "attenuating" (the default).
	Heuristic string `yaml:"heuristic"`
}

const defaultCacheSize = 10000

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DNSServer == "" {
		c.DNSServer = "127.0.0.1"
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultCacheSize
	}
	if len(c.AddressClasses) == 0 {
		c.AddressClasses = []string{"A", "AAAA"}
	}
	if c.Heuristic == "" {
		c.Heuristic = "attenuating"
	}
}

func (c *Config) validate() error {
	if c.UDPListener.Recipient == "" {
		return fmt.Errorf("udp_listener.recipient is required")
	}
	if c.UDPListener.Port == 0 {
		return fmt.Errorf("udp_listener.port is required")
	}
	if c.ResponsePolicyZone == "" {
		return fmt.Errorf("response_policy_zone is required")
	}
	switch c.Heuristic {
	case "standard", "attenuating":
	default:
		return fmt.Errorf("heuristic must be \"standard\" or \"attenuating\", got %q", c.Heuristic)
	}
	return nil
}

// GarbageLoggingEnabled reports whether unexpected RRs should be logged,
// honoring the explicit-nil-means-default-true convention GarbageLogging
// uses.
func (c *Config) GarbageLoggingEnabled() bool {
	return c.GarbageLogging == nil || *c.GarbageLogging
}
