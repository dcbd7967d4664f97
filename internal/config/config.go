// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Commands  CommandsConfig  `yaml:"commands"`
	Streams   StreamsConfig   `yaml:"streams"`
	Transfers TransfersConfig `yaml:"transfers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	ArtifactsDir string `yaml:"artifacts_dir"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds console authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent-related timing configuration.
// IdleThreshold governs when a silent agent is considered offline; it
// defaults to three heartbeat intervals.
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	IdleThreshold     time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	IdleThresholdRaw     string `yaml:"idle_threshold"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// CommandsConfig holds per-kind command response deadlines.
// Session and control commands fail fast; bulk transfer commands get longer.
type CommandsConfig struct {
	DefaultTimeout  time.Duration `yaml:"-"`
	SessionTimeout  time.Duration `yaml:"-"`
	TransferTimeout time.Duration `yaml:"-"`

	DefaultTimeoutRaw  string `yaml:"default_timeout"`
	SessionTimeoutRaw  string `yaml:"session_timeout"`
	TransferTimeoutRaw string `yaml:"transfer_timeout"`
}

// StreamsConfig holds live screen stream defaults applied when a console
// subscribes without explicit parameters.
type StreamsConfig struct {
	DefaultQuality int `yaml:"default_quality"`
	DefaultFPS     int `yaml:"default_fps"`
}

// TransfersConfig holds chunked transfer reassembly timeouts.
type TransfersConfig struct {
	RecordingTimeout time.Duration `yaml:"-"`
	FileTimeout      time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`

	RecordingTimeoutRaw string `yaml:"recording_timeout"`
	FileTimeoutRaw      string `yaml:"file_timeout"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are absent from the config file.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultSessionTimeout    = 10 * time.Second
	DefaultTransferTimeout   = 5 * time.Minute
	DefaultRecordingTimeout  = 10 * time.Second
	DefaultFileTimeout       = 2 * time.Minute
	DefaultStreamQuality     = 60
	DefaultStreamFPS         = 5
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued optional fields.
func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.IdleThreshold == 0 {
		c.Agents.IdleThreshold = 3 * c.Agents.HeartbeatInterval
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = c.Agents.HeartbeatInterval
	}
	if c.Commands.DefaultTimeout == 0 {
		c.Commands.DefaultTimeout = DefaultCommandTimeout
	}
	if c.Commands.SessionTimeout == 0 {
		c.Commands.SessionTimeout = DefaultSessionTimeout
	}
	if c.Commands.TransferTimeout == 0 {
		c.Commands.TransferTimeout = DefaultTransferTimeout
	}
	if c.Streams.DefaultQuality == 0 {
		c.Streams.DefaultQuality = DefaultStreamQuality
	}
	if c.Streams.DefaultFPS == 0 {
		c.Streams.DefaultFPS = DefaultStreamFPS
	}
	if c.Transfers.RecordingTimeout == 0 {
		c.Transfers.RecordingTimeout = DefaultRecordingTimeout
	}
	if c.Transfers.FileTimeout == 0 {
		c.Transfers.FileTimeout = DefaultFileTimeout
	}
	if c.Transfers.SweepInterval == 0 {
		c.Transfers.SweepInterval = time.Second
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Streams.DefaultQuality < 1 || c.Streams.DefaultQuality > 100 {
		return fmt.Errorf("streams.default_quality must be between 1 and 100")
	}
	if c.Streams.DefaultFPS < 1 {
		return fmt.Errorf("streams.default_fps must be at least 1")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval, "agents.heartbeat_interval"},
		{cfg.Agents.IdleThresholdRaw, &cfg.Agents.IdleThreshold, "agents.idle_threshold"},
		{cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval, "agents.sweep_interval"},
		{cfg.Commands.DefaultTimeoutRaw, &cfg.Commands.DefaultTimeout, "commands.default_timeout"},
		{cfg.Commands.SessionTimeoutRaw, &cfg.Commands.SessionTimeout, "commands.session_timeout"},
		{cfg.Commands.TransferTimeoutRaw, &cfg.Commands.TransferTimeout, "commands.transfer_timeout"},
		{cfg.Transfers.RecordingTimeoutRaw, &cfg.Transfers.RecordingTimeout, "transfers.recording_timeout"},
		{cfg.Transfers.FileTimeoutRaw, &cfg.Transfers.FileTimeout, "transfers.file_timeout"},
		{cfg.Transfers.SweepIntervalRaw, &cfg.Transfers.SweepInterval, "transfers.sweep_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
