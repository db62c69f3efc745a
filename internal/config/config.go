// ABOUTME: Configuration loading and parsing for the parley relay and client engine
// ABOUTME: Reads YAML or TOML with environment variable expansion, defaults and duration parsing

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

// MaxPageSize bounds inbox.page_size.
const MaxPageSize = 500

// Config represents the complete parley configuration
type Config struct {
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Client   ClientConfig   `yaml:"client" toml:"client"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Typing   TypingConfig   `yaml:"typing" toml:"typing"`
	Presence PresenceConfig `yaml:"presence" toml:"presence"`
	Inbox    InboxConfig    `yaml:"inbox" toml:"inbox"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// RelayConfig holds the gRPC relay server settings
type RelayConfig struct {
	GRPCAddr    string  `yaml:"grpc_addr" toml:"grpc_addr"`
	JWTSecret   string  `yaml:"jwt_secret" toml:"jwt_secret"`
	ReplaySize  int     `yaml:"replay_size" toml:"replay_size"`
	TypingRate  float64 `yaml:"typing_rate" toml:"typing_rate"` // typing frames per second per stream
	TypingBurst int     `yaml:"typing_burst" toml:"typing_burst"`

	ShutdownGrace    time.Duration `yaml:"-" toml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// ClientConfig holds the relay client settings
type ClientConfig struct {
	RelayAddr  string `yaml:"relay_addr" toml:"relay_addr"`
	Token      string `yaml:"token" toml:"token"`
	DedupeSize int    `yaml:"dedupe_size" toml:"dedupe_size"`

	BackoffMin time.Duration `yaml:"-" toml:"-"`
	BackoffMax time.Duration `yaml:"-" toml:"-"`
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BackoffMinRaw string `yaml:"backoff_min" toml:"backoff_min"`
	BackoffMaxRaw string `yaml:"backoff_max" toml:"backoff_max"`
	DedupeTTLRaw  string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// TypingConfig holds typing indicator timing
type TypingConfig struct {
	StopAfter     time.Duration `yaml:"-" toml:"-"`
	SafetyTimeout time.Duration `yaml:"-" toml:"-"`

	StopAfterRaw     string `yaml:"stop_after" toml:"stop_after"`
	SafetyTimeoutRaw string `yaml:"safety_timeout" toml:"safety_timeout"`
}

// PresenceConfig holds presence polling configuration
type PresenceConfig struct {
	PollInterval    time.Duration `yaml:"-" toml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval" toml:"poll_interval"`
}

// InboxConfig holds conversation store settings
type InboxConfig struct {
	PageSize int `yaml:"page_size" toml:"page_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			GRPCAddr:      "127.0.0.1:50061",
			ReplaySize:    256,
			TypingRate:    5,
			TypingBurst:   10,
			ShutdownGrace: 10 * time.Second,
		},
		Client: ClientConfig{
			RelayAddr:  "127.0.0.1:50061",
			DedupeSize: 10000,
			BackoffMin: 100 * time.Millisecond,
			BackoffMax: 10 * time.Second,
			DedupeTTL:  10 * time.Minute,
		},
		Database: DatabaseConfig{
			Path: "./parley.db",
		},
		Typing: TypingConfig{
			StopAfter:     2 * time.Second,
			SafetyTimeout: 5 * time.Second,
		},
		Presence: PresenceConfig{
			PollInterval: 10 * time.Second,
		},
		Inbox: InboxConfig{
			PageSize: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Keys missing from the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
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

// Validate checks that all configuration fields are present and in range.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Relay.GRPCAddr == "" {
		return fmt.Errorf("relay.grpc_addr is required")
	}
	if c.Relay.JWTSecret != "" && len(c.Relay.JWTSecret) < 32 {
		return fmt.Errorf("relay.jwt_secret must be at least 32 bytes")
	}
	if c.Relay.TypingRate <= 0 || c.Relay.TypingBurst <= 0 {
		return fmt.Errorf("relay.typing_rate and relay.typing_burst must be positive")
	}
	if c.Relay.ReplaySize <= 0 {
		return fmt.Errorf("relay.replay_size must be positive")
	}
	if c.Client.BackoffMin <= 0 || c.Client.BackoffMax < c.Client.BackoffMin {
		return fmt.Errorf("client.backoff_min must be positive and not above client.backoff_max")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Typing.StopAfter <= 0 || c.Typing.SafetyTimeout <= 0 {
		return fmt.Errorf("typing.stop_after and typing.safety_timeout must be positive")
	}
	if c.Presence.PollInterval <= 0 {
		return fmt.Errorf("presence.poll_interval must be positive")
	}
	if c.Inbox.PageSize < 1 || c.Inbox.PageSize > MaxPageSize {
		return fmt.Errorf("inbox.page_size must be between 1 and %d", MaxPageSize)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// Empty strings keep the current value.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.shutdown_grace", cfg.Relay.ShutdownGraceRaw, &cfg.Relay.ShutdownGrace},
		{"client.backoff_min", cfg.Client.BackoffMinRaw, &cfg.Client.BackoffMin},
		{"client.backoff_max", cfg.Client.BackoffMaxRaw, &cfg.Client.BackoffMax},
		{"client.dedupe_ttl", cfg.Client.DedupeTTLRaw, &cfg.Client.DedupeTTL},
		{"typing.stop_after", cfg.Typing.StopAfterRaw, &cfg.Typing.StopAfter},
		{"typing.safety_timeout", cfg.Typing.SafetyTimeoutRaw, &cfg.Typing.SafetyTimeout},
		{"presence.poll_interval", cfg.Presence.PollIntervalRaw, &cfg.Presence.PollInterval},
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
