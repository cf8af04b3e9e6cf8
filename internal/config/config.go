// ABOUTME: Configuration loading and parsing for cauldron
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete cauldron configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Simulator SimulatorConfig `yaml:"simulator" toml:"simulator"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AgentsConfig holds host agent dispatch configuration
type AgentsConfig struct {
	CommandTimeout time.Duration `yaml:"-" toml:"-"`
	// Workers run asynchronous sends and their callbacks
	Workers int `yaml:"workers" toml:"workers"`
	// MaxOutstanding caps in-flight commands per simulated host
	MaxOutstanding int `yaml:"max_outstanding" toml:"max_outstanding"`

	// Raw string values for unmarshaling
	CommandTimeoutRaw string `yaml:"command_timeout" toml:"command_timeout"`
}

// JobsConfig holds job execution configuration
type JobsConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
	// Limits caps concurrent jobs per host for each concurrency class
	Limits          map[string]int `yaml:"limits" toml:"limits"`
	ShutdownTimeout time.Duration  `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// SimulatorConfig seeds simulated hosts for development and tests
type SimulatorConfig struct {
	Hosts     []SimulatedHost     `yaml:"hosts" toml:"hosts"`
	Templates []SimulatedTemplate `yaml:"templates" toml:"templates"`
	Delay     time.Duration       `yaml:"-" toml:"-"`

	DelayRaw string `yaml:"delay" toml:"delay"`
}

// SimulatedHost is a simulator host plus the storage pool attached to it
type SimulatedHost struct {
	ID             int64  `yaml:"id" toml:"id"`
	Name           string `yaml:"name" toml:"name"`
	PoolID         int64  `yaml:"pool_id" toml:"pool_id"`
	PoolCapacityGB int64  `yaml:"pool_capacity_gb" toml:"pool_capacity_gb"`
}

// SimulatedTemplate is a template available on every simulated host
type SimulatedTemplate struct {
	ID     int64  `yaml:"id" toml:"id"`
	Name   string `yaml:"name" toml:"name"`
	SizeGB int64  `yaml:"size_gb" toml:"size_gb"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied to unset fields
const (
	DefaultCommandTimeout  = 30 * time.Second
	DefaultAgentWorkers    = 8
	DefaultMaxOutstanding  = 4
	DefaultJobWorkers      = 10
	DefaultJobQueueSize    = 100
	DefaultShutdownTimeout = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, formatOf(path))
}

// Format names a configuration file syntax
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes, defaults and validates configuration data.
func Parse(data []byte, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agents.CommandTimeout == 0 {
		c.Agents.CommandTimeout = DefaultCommandTimeout
	}
	if c.Agents.Workers == 0 {
		c.Agents.Workers = DefaultAgentWorkers
	}
	if c.Agents.MaxOutstanding == 0 {
		c.Agents.MaxOutstanding = DefaultMaxOutstanding
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = DefaultJobWorkers
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = DefaultJobQueueSize
	}
	if c.Jobs.ShutdownTimeout == 0 {
		c.Jobs.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	for i := range c.Simulator.Hosts {
		h := &c.Simulator.Hosts[i]
		if h.Name == "" {
			h.Name = fmt.Sprintf("sim-%d", h.ID)
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.Workers < 0 || c.Agents.MaxOutstanding < 0 {
		return fmt.Errorf("agents.workers and agents.max_outstanding must not be negative")
	}
	if c.Jobs.Workers < 0 || c.Jobs.QueueSize < 0 {
		return fmt.Errorf("jobs.workers and jobs.queue_size must not be negative")
	}
	for class, limit := range c.Jobs.Limits {
		if limit < 0 {
			return fmt.Errorf("jobs.limits.%s must not be negative", class)
		}
	}

	seen := make(map[int64]bool, len(c.Simulator.Hosts))
	for _, h := range c.Simulator.Hosts {
		if h.ID <= 0 {
			return fmt.Errorf("simulator.hosts: id must be positive")
		}
		if seen[h.ID] {
			return fmt.Errorf("simulator.hosts: duplicate id %d", h.ID)
		}
		seen[h.ID] = true
	}
	for _, tmpl := range c.Simulator.Templates {
		if tmpl.ID <= 0 || tmpl.SizeGB <= 0 {
			return fmt.Errorf("simulator.templates: id and size_gb must be positive")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"agents.command_timeout", cfg.Agents.CommandTimeoutRaw, &cfg.Agents.CommandTimeout},
		{"jobs.shutdown_timeout", cfg.Jobs.ShutdownTimeoutRaw, &cfg.Jobs.ShutdownTimeout},
		{"simulator.delay", cfg.Simulator.DelayRaw, &cfg.Simulator.Delay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.key, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.key, f.raw)
		}
		*f.dst = d
	}
	return nil
}
