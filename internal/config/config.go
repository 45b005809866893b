// ABOUTME: Configuration loading and parsing for ember-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ember-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Agent     AgentConfig     `yaml:"agent"`
	Session   SessionConfig   `yaml:"session"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	AgentAddr string `yaml:"agent_addr"` // framed RPC listener for agents
	HTTPAddr  string `yaml:"http_addr"`  // health, pairing API, event feed
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PairingConfig holds device pairing configuration
type PairingConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TicketTTL     time.Duration `yaml:"-"`
	CredentialTTL time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TicketTTLRaw     string `yaml:"ticket_ttl"`
	CredentialTTLRaw string `yaml:"credential_ttl"`
}

// AgentConfig holds agent call configuration
type AgentConfig struct {
	RequestTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	HistoryBound int `yaml:"history_bound"`

	IdleAfter  time.Duration `yaml:"-"`
	CloseGrace time.Duration `yaml:"-"`

	IdleAfterRaw  string `yaml:"idle_after"`
	CloseGraceRaw string `yaml:"close_grace"`
}

// DedupeConfig holds delivery deduplication configuration
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Listener addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.AgentAddr == "" {
			return fmt.Errorf("server.agent_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Pairing.JWTSecret == "" {
		return fmt.Errorf("pairing.jwt_secret is required")
	}

	if c.Session.HistoryBound < 0 {
		return fmt.Errorf("session.history_bound must not be negative")
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
		{"pairing.ticket_ttl", cfg.Pairing.TicketTTLRaw, &cfg.Pairing.TicketTTL},
		{"pairing.credential_ttl", cfg.Pairing.CredentialTTLRaw, &cfg.Pairing.CredentialTTL},
		{"agent.request_timeout", cfg.Agent.RequestTimeoutRaw, &cfg.Agent.RequestTimeout},
		{"session.idle_after", cfg.Session.IdleAfterRaw, &cfg.Session.IdleAfter},
		{"session.close_grace", cfg.Session.CloseGraceRaw, &cfg.Session.CloseGrace},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
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
