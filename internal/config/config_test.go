// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  agent_addr: "0.0.0.0:9190"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

pairing:
  jwt_secret: "test-secret"
  ticket_ttl: "5m"
  credential_ttl: "720h"

agent:
  request_timeout: "30s"

session:
  history_bound: 50
  idle_after: "10m"
  close_grace: "1h"

dedupe:
  ttl: "2m"
  max_size: 10000

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.AgentAddr != "0.0.0.0:9190" {
		t.Errorf("Server.AgentAddr = %q, want %q", cfg.Server.AgentAddr, "0.0.0.0:9190")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Pairing.JWTSecret != "test-secret" {
		t.Errorf("Pairing.JWTSecret = %q, want %q", cfg.Pairing.JWTSecret, "test-secret")
	}
	if cfg.Pairing.TicketTTL != 5*time.Minute {
		t.Errorf("Pairing.TicketTTL = %v, want %v", cfg.Pairing.TicketTTL, 5*time.Minute)
	}
	if cfg.Pairing.CredentialTTL != 720*time.Hour {
		t.Errorf("Pairing.CredentialTTL = %v, want %v", cfg.Pairing.CredentialTTL, 720*time.Hour)
	}
	if cfg.Agent.RequestTimeout != 30*time.Second {
		t.Errorf("Agent.RequestTimeout = %v, want %v", cfg.Agent.RequestTimeout, 30*time.Second)
	}
	if cfg.Session.HistoryBound != 50 {
		t.Errorf("Session.HistoryBound = %d, want 50", cfg.Session.HistoryBound)
	}
	if cfg.Session.IdleAfter != 10*time.Minute {
		t.Errorf("Session.IdleAfter = %v, want %v", cfg.Session.IdleAfter, 10*time.Minute)
	}
	if cfg.Dedupe.TTL != 2*time.Minute {
		t.Errorf("Dedupe.TTL = %v, want %v", cfg.Dedupe.TTL, 2*time.Minute)
	}
	if cfg.Dedupe.MaxSize != 10000 {
		t.Errorf("Dedupe.MaxSize = %d, want 10000", cfg.Dedupe.MaxSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("EMBER_TEST_SECRET", "from-env")

	configPath := writeConfig(t, `
server:
  agent_addr: ":9190"
  http_addr: ":8080"
database:
  path: "./test.db"
pairing:
  jwt_secret: "${EMBER_TEST_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pairing.JWTSecret != "from-env" {
		t.Errorf("Pairing.JWTSecret = %q, want %q", cfg.Pairing.JWTSecret, "from-env")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  agent_addr: ":9190"
  http_addr: ":8080"
database:
  path: "./test.db"
pairing:
  jwt_secret: "${EMBER_DEFINITELY_UNSET_VAR}"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("Load() error = %v, want jwt_secret validation failure", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  agent_addr: ":9190"
  http_addr: ":8080"
database:
  path: "./test.db"
pairing:
  jwt_secret: "secret"
  ticket_ttl: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "ticket_ttl") {
		t.Errorf("Load() error = %v, want ticket_ttl parse failure", err)
	}
}

func TestLoad_MissingAddressesWithoutTailscale(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
pairing:
  jwt_secret: "secret"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "agent_addr") {
		t.Errorf("Load() error = %v, want agent_addr validation failure", err)
	}
}

func TestLoad_TailscaleAllowsMissingAddresses(t *testing.T) {
	configPath := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "ember"
database:
  path: "./test.db"
pairing:
  jwt_secret: "secret"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Tailscale.Enabled {
		t.Error("Tailscale.Enabled = false, want true")
	}
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	configPath := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "./test.db"
pairing:
  jwt_secret: "secret"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "hostname") {
		t.Errorf("Load() error = %v, want hostname validation failure", err)
	}
}
