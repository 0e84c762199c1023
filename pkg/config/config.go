package config

import (
	"fmt"
	"os"
	"time"

	"ntp-time/pkg/policy"

	"gopkg.in/yaml.v3"
)

// DefaultServers are the ntp.br hosts, which serve Brazilian legal time.
var DefaultServers = []string{
	"pool.ntp.br",
	"a.ntp.br",
	"b.ntp.br",
	"c.ntp.br",
	"a.st1.ntp.br",
	"b.st1.ntp.br",
	"c.st1.ntp.br",
	"d.st1.ntp.br",
	"gps.ntp.br",
}

// Config holds the application configuration
type Config struct {
	// Candidate time servers, tried in shuffled order
	Servers []string `yaml:"servers"`

	// UDP port of the time servers
	Port int `yaml:"port"`

	// Retry / timeout escalation
	Policy PolicyConfig `yaml:"policy"`

	// Optional expression deciding whether an inbound datagram is accepted
	// as the reply. Empty accepts the first datagram from any source.
	AcceptRule string `yaml:"accept_rule"`

	// Name resolution for the time servers
	DNS DNSConfig `yaml:"dns"`

	// Continuous mode for the CLI
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PolicyConfig holds the per-attempt timeout schedule
type PolicyConfig struct {
	InitialTimeout time.Duration `yaml:"initial_timeout"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxRounds      int           `yaml:"max_rounds"` // 0 = bounded by max_timeout only
}

// DNSConfig holds resolver settings
type DNSConfig struct {
	Upstreams []string      `yaml:"upstreams"` // empty = system resolver
	Timeout   time.Duration `yaml:"timeout"`
	Strict    bool          `yaml:"strict"` // never fall back to system resolver
}

// WatchConfig holds settings for repeated resolution
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = append([]string(nil), DefaultServers...)
	}
	if c.Port == 0 {
		c.Port = 123
	}

	// Policy defaults: 1s, 2s, 4s, 8s
	if c.Policy.InitialTimeout == 0 {
		c.Policy.InitialTimeout = time.Second
	}
	if c.Policy.Multiplier == 0 {
		c.Policy.Multiplier = 2
	}
	if c.Policy.MaxTimeout == 0 {
		c.Policy.MaxTimeout = 10 * time.Second
	}

	if c.DNS.Timeout == 0 {
		c.DNS.Timeout = 2 * time.Second
	}

	if c.Watch.Interval == 0 {
		c.Watch.Interval = 5 * time.Minute
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ntp-time"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one time server must be configured")
	}
	for i, s := range c.Servers {
		if s == "" {
			return fmt.Errorf("servers[%d] cannot be empty", i)
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if err := c.Policy.Validate(); err != nil {
		return err
	}

	if _, err := policy.NewEngineFromLogic(c.AcceptRule); err != nil {
		return fmt.Errorf("invalid accept_rule: %w", err)
	}

	if c.DNS.Strict && len(c.DNS.Upstreams) == 0 {
		return fmt.Errorf("dns.strict requires at least one dns.upstreams entry")
	}

	if c.Watch.Enabled && c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// Validate checks that the schedule terminates
func (p PolicyConfig) Validate() error {
	if p.InitialTimeout <= 0 {
		return fmt.Errorf("policy.initial_timeout must be positive")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("policy.multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.MaxTimeout <= p.InitialTimeout {
		return fmt.Errorf("policy.max_timeout (%s) must exceed policy.initial_timeout (%s)", p.MaxTimeout, p.InitialTimeout)
	}
	if p.MaxRounds < 0 {
		return fmt.Errorf("policy.max_rounds cannot be negative")
	}
	// With a multiplier of 1 the timeout never reaches the cap
	if p.Multiplier == 1 && p.MaxRounds == 0 {
		return fmt.Errorf("policy.max_rounds must be set when policy.multiplier is 1")
	}
	return nil
}
