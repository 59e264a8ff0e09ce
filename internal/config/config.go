// Package config provides configuration parsing and validation for udp-obfuscat.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/postalsys/udp-obfuscat/internal/filter"
	"github.com/postalsys/udp-obfuscat/internal/logging"
	"github.com/postalsys/udp-obfuscat/internal/resolve"
	"gopkg.in/yaml.v3"
)

// KeySchedulePacket restarts the XOR key at offset 0 for every datagram.
// It is the only supported schedule.
const KeySchedulePacket = "packet"

// Config represents the complete relay configuration.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Listener ListenerConfig `yaml:"listener"`
	Remote   RemoteConfig   `yaml:"remote"`
	DNS      DNSConfig      `yaml:"dns"`
	Filters  FiltersConfig  `yaml:"filters"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
}

// GeneralConfig contains process-wide settings.
type GeneralConfig struct {
	// User to switch to after the listeners are bound. Empty keeps the
	// current user.
	User string `yaml:"user,omitempty"`
}

// ListenerConfig defines the client-facing bind addresses.
type ListenerConfig struct {
	Addresses []string `yaml:"addresses"`
	IPv4Only  bool     `yaml:"ipv4_only"`
	IPv6Only  bool     `yaml:"ipv6_only"`
}

// RemoteConfig defines the relay target.
type RemoteConfig struct {
	Address  string `yaml:"address"`
	IPv4Only bool   `yaml:"ipv4_only"`
	IPv6Only bool   `yaml:"ipv6_only"`
}

// DNSConfig configures name resolution at startup.
type DNSConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// FiltersConfig configures the datagram transform.
type FiltersConfig struct {
	// XorKey is the base64-encoded key.
	XorKey string `yaml:"xor_key"`

	// HeadLen limits the transform to a datagram prefix. Nil transforms
	// whole datagrams.
	HeadLen *int `yaml:"head_len,omitempty"`

	KeySchedule string `yaml:"key_schedule"`
}

// RelayConfig contains flow tracking and socket settings.
type RelayConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	UnrepliedTimeout time.Duration `yaml:"unreplied_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxFlows         int           `yaml:"max_flows"`
	FlowRate         float64       `yaml:"flow_rate"`
	FlowBurst        int           `yaml:"flow_burst"`
	MaxDatagramSize  int           `yaml:"max_datagram_size"`
	SocketBuffer     int           `yaml:"socket_buffer"`
	DSCP             int           `yaml:"dscp"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HealthConfig configures the health check HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Pprof exposes net/http/pprof on the health address.
	Pprof bool `yaml:"pprof"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		DNS: DNSConfig{
			Timeout: resolve.DefaultTimeout,
		},
		Filters: FiltersConfig{
			KeySchedule: KeySchedulePacket,
		},
		Relay: RelayConfig{
			IdleTimeout:      120 * time.Second,
			UnrepliedTimeout: 30 * time.Second,
			FlowBurst:        64,
			MaxDatagramSize:  65535,
			DrainTimeout:     2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, and $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references in s.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	// Listener
	if len(c.Listener.Addresses) == 0 {
		errs = append(errs, "listener.addresses must not be empty")
	}
	for i, addr := range c.Listener.Addresses {
		if err := validateHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("listener.addresses[%d]: %v", i, err))
		}
	}
	if c.Listener.IPv4Only && c.Listener.IPv6Only {
		errs = append(errs, "listener.ipv4_only and listener.ipv6_only are mutually exclusive")
	}

	// Remote
	if c.Remote.Address == "" {
		errs = append(errs, "remote.address is required")
	} else if err := validateHostPort(c.Remote.Address); err != nil {
		errs = append(errs, fmt.Sprintf("remote.address: %v", err))
	}
	if c.Remote.IPv4Only && c.Remote.IPv6Only {
		errs = append(errs, "remote.ipv4_only and remote.ipv6_only are mutually exclusive")
	}

	// DNS
	for i, server := range c.DNS.Servers {
		if server == "" {
			errs = append(errs, fmt.Sprintf("dns.servers[%d]: empty address", i))
		}
	}
	if c.DNS.Timeout <= 0 {
		errs = append(errs, "dns.timeout must be positive")
	}

	// Filters
	if c.Filters.XorKey == "" {
		errs = append(errs, "filters.xor_key is required")
	} else if _, err := filter.DecodeKey(c.Filters.XorKey); err != nil {
		errs = append(errs, fmt.Sprintf("filters.xor_key: %v", err))
	}
	if c.Filters.HeadLen != nil && *c.Filters.HeadLen < 0 {
		errs = append(errs, "filters.head_len must not be negative")
	}
	if c.Filters.KeySchedule != KeySchedulePacket {
		errs = append(errs, fmt.Sprintf(
			"filters.key_schedule: unsupported value %q (only %q is supported; a running stream position would desynchronize the peers on the first lost datagram)",
			c.Filters.KeySchedule, KeySchedulePacket))
	}

	// Relay
	if c.Relay.IdleTimeout <= 0 {
		errs = append(errs, "relay.idle_timeout must be positive")
	}
	if c.Relay.UnrepliedTimeout < 0 {
		errs = append(errs, "relay.unreplied_timeout must not be negative")
	}
	if c.Relay.SweepInterval < 0 {
		errs = append(errs, "relay.sweep_interval must not be negative")
	}
	if c.Relay.MaxFlows < 0 {
		errs = append(errs, "relay.max_flows must not be negative")
	}
	if c.Relay.FlowRate < 0 {
		errs = append(errs, "relay.flow_rate must not be negative")
	}
	if c.Relay.FlowRate > 0 && c.Relay.FlowBurst < 1 {
		errs = append(errs, "relay.flow_burst must be at least 1 when flow_rate is set")
	}
	if c.Relay.MaxDatagramSize < 1 || c.Relay.MaxDatagramSize > 65535 {
		errs = append(errs, "relay.max_datagram_size must be between 1 and 65535")
	}
	if c.Relay.SocketBuffer < 0 {
		errs = append(errs, "relay.socket_buffer must not be negative")
	}
	if c.Relay.DSCP < 0 || c.Relay.DSCP > 63 {
		errs = append(errs, "relay.dscp must be between 0 and 63")
	}
	if c.Relay.DrainTimeout < 0 {
		errs = append(errs, "relay.drain_timeout must not be negative")
	}

	// Logging
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !logging.ValidFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	// Health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("missing port in address %s", addr)
	}
	return nil
}

// FilterOptions decodes the key and returns the filter chain options.
func (c *Config) FilterOptions() (filter.Options, error) {
	key, err := filter.DecodeKey(c.Filters.XorKey)
	if err != nil {
		return filter.Options{}, fmt.Errorf("filters.xor_key: %w", err)
	}
	return filter.Options{Key: key, HeadLen: c.Filters.HeadLen}, nil
}

// ListenerResolveOptions returns resolver options for the listen addresses.
func (c *Config) ListenerResolveOptions() resolve.Options {
	return resolve.Options{
		IPv4Only: c.Listener.IPv4Only,
		IPv6Only: c.Listener.IPv6Only,
		Servers:  c.DNSServers(),
		Timeout:  c.DNS.Timeout,
	}
}

// RemoteResolveOptions returns resolver options for the remote address.
func (c *Config) RemoteResolveOptions() resolve.Options {
	return resolve.Options{
		IPv4Only: c.Remote.IPv4Only,
		IPv6Only: c.Remote.IPv6Only,
		Servers:  c.DNSServers(),
		Timeout:  c.DNS.Timeout,
	}
}

// DNSServers returns the configured DNS servers, defaulting the port to 53.
func (c *Config) DNSServers() []string {
	if len(c.DNS.Servers) == 0 {
		return nil
	}
	servers := make([]string, 0, len(c.DNS.Servers))
	for _, s := range c.DNS.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		servers = append(servers, s)
	}
	return servers
}

// String returns a YAML representation of the config with sensitive
// values redacted.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a YAML representation of the config including the key.
// Use with caution - only for debugging purposes.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the key redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Filters.XorKey != "" {
		redacted.Filters.XorKey = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains a key.
func (c *Config) HasSensitiveData() bool {
	return c.Filters.XorKey != ""
}
