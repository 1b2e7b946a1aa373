// ABOUTME: Configuration loading and parsing for agent-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

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

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "AGENT_RELAY_CONFIG"

// Config represents the complete agent-relay configuration
type Config struct {
	Platform  PlatformConfig  `yaml:"platform" toml:"platform"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Polling   PollingConfig   `yaml:"polling" toml:"polling"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	User      UserConfig      `yaml:"user" toml:"user"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// PlatformConfig holds the agent platform endpoint
type PlatformConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	APIKey  string `yaml:"api_key" toml:"api_key"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// StoreConfig holds key/value store selection and health settings
type StoreConfig struct {
	Mode             string            `yaml:"mode" toml:"mode"` // auto, local, remote
	Codec            string            `yaml:"codec" toml:"codec"`
	KeyPrefix        string            `yaml:"key_prefix" toml:"key_prefix"`
	Local            LocalStoreConfig  `yaml:"local" toml:"local"`
	Remote           RemoteStoreConfig `yaml:"remote" toml:"remote"`
	FailureThreshold int               `yaml:"failure_threshold" toml:"failure_threshold"`

	FailureWindow    time.Duration `yaml:"-" toml:"-"`
	ProbeInterval    time.Duration `yaml:"-" toml:"-"`
	ProbeMaxInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	FailureWindowRaw    string `yaml:"failure_window" toml:"failure_window"`
	ProbeIntervalRaw    string `yaml:"probe_interval" toml:"probe_interval"`
	ProbeMaxIntervalRaw string `yaml:"probe_max_interval" toml:"probe_max_interval"`
}

// LocalStoreConfig holds in-process store settings
type LocalStoreConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity"`

	DefaultTTL    time.Duration `yaml:"-" toml:"-"`
	DefaultTTLRaw string        `yaml:"default_ttl" toml:"default_ttl"`
}

// RemoteStoreConfig holds Redis connection settings
type RemoteStoreConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	TLS      bool   `yaml:"tls" toml:"tls"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout" toml:"connect_timeout"`
}

// SessionConfig holds session continuity settings
type SessionConfig struct {
	MaxDocumentRefs int `yaml:"max_document_refs" toml:"max_document_refs"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// AgentsConfig holds agent metadata caching settings
type AgentsConfig struct {
	ConfigTTL    time.Duration `yaml:"-" toml:"-"`
	ConfigTTLRaw string        `yaml:"config_ttl" toml:"config_ttl"`
}

// PollingConfig holds the turn polling budget
type PollingConfig struct {
	MaxAttempts     int `yaml:"max_attempts" toml:"max_attempts"`
	MaxContextBytes int `yaml:"max_context_bytes" toml:"max_context_bytes"`

	Interval time.Duration `yaml:"-" toml:"-"`
	Ceiling  time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
	CeilingRaw  string `yaml:"ceiling" toml:"ceiling"`
}

// LedgerConfig holds turn ledger settings
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// UserConfig is the identity sent with every message
type UserConfig struct {
	Username string `yaml:"username" toml:"username"`
	Fullname string `yaml:"fullname" toml:"fullname"`
	Email    string `yaml:"email" toml:"email"`
	Timezone string `yaml:"timezone" toml:"timezone"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Stdout      bool   `yaml:"stdout" toml:"stdout"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are read as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
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

// ResolvePath picks the config file: the explicit flag value, then
// $AGENT_RELAY_CONFIG, then $XDG_CONFIG_HOME/agent-relay/relay.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "agent-relay", "relay.yaml")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Platform.RequestTimeout == 0 {
		c.Platform.RequestTimeout = 30 * time.Second
	}

	if c.Store.Mode == "" {
		c.Store.Mode = "auto"
	}
	if c.Store.Codec == "" {
		c.Store.Codec = "json"
	}
	if c.Store.Local.Capacity == 0 {
		c.Store.Local.Capacity = 1000
	}
	if c.Store.Local.DefaultTTL == 0 {
		c.Store.Local.DefaultTTL = time.Hour
	}
	if c.Store.Remote.Addr == "" {
		c.Store.Remote.Addr = "localhost:6379"
	}
	if c.Store.Remote.ConnectTimeout == 0 {
		c.Store.Remote.ConnectTimeout = 2 * time.Second
	}
	if c.Store.FailureThreshold == 0 {
		c.Store.FailureThreshold = 3
	}
	if c.Store.FailureWindow == 0 {
		c.Store.FailureWindow = 30 * time.Second
	}
	if c.Store.ProbeInterval == 0 {
		c.Store.ProbeInterval = 5 * time.Second
	}
	if c.Store.ProbeMaxInterval == 0 {
		c.Store.ProbeMaxInterval = time.Minute
	}

	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.MaxDocumentRefs == 0 {
		c.Session.MaxDocumentRefs = 20
	}
	if c.Agents.ConfigTTL == 0 {
		c.Agents.ConfigTTL = 5 * time.Minute
	}

	if c.Polling.Interval == 0 {
		c.Polling.Interval = 1500 * time.Millisecond
	}
	if c.Polling.MaxAttempts == 0 {
		c.Polling.MaxAttempts = 30
	}
	if c.Polling.Ceiling == 0 {
		c.Polling.Ceiling = 120 * time.Second
	}
	if c.Polling.MaxContextBytes == 0 {
		c.Polling.MaxContextBytes = 64 << 10
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = defaultLedgerPath()
	}
	c.Ledger.Path = expandHome(c.Ledger.Path)

	if c.User.Timezone == "" {
		c.User.Timezone = "UTC"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "agent-relay"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}

	switch c.Store.Mode {
	case "auto", "local", "remote":
	default:
		return fmt.Errorf("store.mode must be auto, local, or remote (got %q)", c.Store.Mode)
	}
	switch c.Store.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("store.codec must be json or cbor (got %q)", c.Store.Codec)
	}
	if c.Store.Mode == "remote" && c.Store.Remote.Addr == "" {
		return fmt.Errorf("store.remote.addr is required when store.mode is remote")
	}
	if c.Store.FailureThreshold < 1 {
		return fmt.Errorf("store.failure_threshold must be at least 1")
	}

	if c.Polling.MaxAttempts < 1 {
		return fmt.Errorf("polling.max_attempts must be at least 1")
	}
	if c.Polling.Interval > c.Polling.Ceiling {
		return fmt.Errorf("polling.interval %s exceeds polling.ceiling %s", c.Polling.Interval, c.Polling.Ceiling)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"platform.request_timeout", cfg.Platform.RequestTimeoutRaw, &cfg.Platform.RequestTimeout},
		{"store.failure_window", cfg.Store.FailureWindowRaw, &cfg.Store.FailureWindow},
		{"store.probe_interval", cfg.Store.ProbeIntervalRaw, &cfg.Store.ProbeInterval},
		{"store.probe_max_interval", cfg.Store.ProbeMaxIntervalRaw, &cfg.Store.ProbeMaxInterval},
		{"store.local.default_ttl", cfg.Store.Local.DefaultTTLRaw, &cfg.Store.Local.DefaultTTL},
		{"store.remote.connect_timeout", cfg.Store.Remote.ConnectTimeoutRaw, &cfg.Store.Remote.ConnectTimeout},
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
		{"agents.config_ttl", cfg.Agents.ConfigTTLRaw, &cfg.Agents.ConfigTTL},
		{"polling.interval", cfg.Polling.IntervalRaw, &cfg.Polling.Interval},
		{"polling.ceiling", cfg.Polling.CeilingRaw, &cfg.Polling.Ceiling},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got %q)", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

func defaultLedgerPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		return filepath.Join("~", ".local", "share", "agent-relay", "ledger.db")
	}
	return filepath.Join(dir, "agent-relay", "ledger.db")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
