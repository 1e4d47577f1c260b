package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.Host.DataDir == "" {
		t.Error("default data_dir is empty")
	}
	if cfg.Queue.MaxAttempts < 1 {
		t.Error("default max_attempts below 1")
	}
	if cfg.Relay.Reconnect.Multiplier < 1.0 {
		t.Error("default reconnect multiplier below 1.0")
	}
}

func TestParse(t *testing.T) {
	yaml := `
host:
  data_dir: /tmp/tether
  log_level: debug
  log_format: json
relay:
  endpoint: wss://relay.example.com/channel
  reconnect:
    initial_delay: 2s
    max_delay: 30s
server:
  base_url: https://api.example.com
queue:
  default_ttl: 1h
  max_attempts: 3
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Host.DataDir != "/tmp/tether" {
		t.Errorf("data_dir = %s", cfg.Host.DataDir)
	}
	if cfg.Relay.Endpoint != "wss://relay.example.com/channel" {
		t.Errorf("endpoint = %s", cfg.Relay.Endpoint)
	}
	if cfg.Relay.Reconnect.InitialDelay != 2*time.Second {
		t.Errorf("initial_delay = %v", cfg.Relay.Reconnect.InitialDelay)
	}
	if cfg.Queue.DefaultTTL != time.Hour {
		t.Errorf("default_ttl = %v", cfg.Queue.DefaultTTL)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d", cfg.Queue.MaxAttempts)
	}

	// Unset fields keep defaults
	if cfg.Queue.Retention != 24*time.Hour {
		t.Errorf("retention = %v, want default 24h", cfg.Queue.Retention)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("TETHER_TEST_DIR", "/var/lib/tether")
	defer os.Unsetenv("TETHER_TEST_DIR")

	yaml := `
host:
  data_dir: ${TETHER_TEST_DIR}
server:
  auth_token: ${TETHER_TEST_TOKEN:-fallback}
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Host.DataDir != "/var/lib/tether" {
		t.Errorf("data_dir = %s, want expanded env var", cfg.Host.DataDir)
	}
	if cfg.Server.AuthToken != "fallback" {
		t.Errorf("auth_token = %s, want default fallback", cfg.Server.AuthToken)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty data dir", func(c *Config) { c.Host.DataDir = "" }, "data_dir"},
		{"bad log level", func(c *Config) { c.Host.LogLevel = "verbose" }, "log_level"},
		{"bad log format", func(c *Config) { c.Host.LogFormat = "xml" }, "log_format"},
		{"bad endpoint scheme", func(c *Config) { c.Relay.Endpoint = "http://x" }, "relay.endpoint"},
		{"bad base url", func(c *Config) { c.Server.BaseURL = "ftp://x" }, "server.base_url"},
		{"zero ttl", func(c *Config) { c.Queue.DefaultTTL = 0 }, "default_ttl"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "max_attempts"},
		{"bad jitter", func(c *Config) { c.Relay.Reconnect.Jitter = 2 }, "jitter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "host:\n  data_dir: /tmp/x\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Host.DataDir != "/tmp/x" {
		t.Errorf("data_dir = %s", cfg.Host.DataDir)
	}
}
