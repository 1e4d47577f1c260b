// Package config provides configuration parsing and validation for Tether.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete host configuration.
type Config struct {
	Host    HostConfig    `yaml:"host"`
	Relay   RelayConfig   `yaml:"relay"`
	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// HostConfig contains host identity settings.
type HostConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// RelayConfig defines the hosted relay channel connection.
type RelayConfig struct {
	Endpoint    string          `yaml:"endpoint"`     // wss:// channel endpoint
	PublishRate float64         `yaml:"publish_rate"` // messages per second, 0 = unlimited
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// ServerConfig defines the hosted row store (key directory + session rows).
type ServerConfig struct {
	BaseURL   string        `yaml:"base_url"`
	AuthToken string        `yaml:"auth_token"`
	Timeout   time.Duration `yaml:"timeout"`
}

// QueueConfig defines the durable offline queue.
type QueueConfig struct {
	Path        string        `yaml:"path"`         // SQLite file, empty = <data_dir>/queue.db
	DefaultTTL  time.Duration `yaml:"default_ttl"`  // TTL for enqueued commands
	MaxAttempts int           `yaml:"max_attempts"` // retry budget per command
	Retention   time.Duration `yaml:"retention"`    // how long terminal items are kept
}

// HealthConfig defines health/metrics server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Relay: RelayConfig{
			PublishRate: 50,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Server: ServerConfig{
			Timeout: 15 * time.Second,
		},
		Queue: QueueConfig{
			DefaultTTL:  24 * time.Hour,
			MaxAttempts: 5,
			Retention:   24 * time.Hour,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
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

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Host.DataDir == "" {
		errs = append(errs, "host.data_dir is required")
	}
	if !isValidLogLevel(c.Host.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Host.LogLevel))
	}
	if !isValidLogFormat(c.Host.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Host.LogFormat))
	}

	if c.Relay.Endpoint != "" && !strings.HasPrefix(c.Relay.Endpoint, "ws://") && !strings.HasPrefix(c.Relay.Endpoint, "wss://") {
		errs = append(errs, fmt.Sprintf("relay.endpoint must be a ws:// or wss:// URL: %s", c.Relay.Endpoint))
	}
	if c.Relay.PublishRate < 0 {
		errs = append(errs, "relay.publish_rate must not be negative")
	}
	if c.Relay.Reconnect.Multiplier < 1.0 {
		errs = append(errs, "relay.reconnect.multiplier must be >= 1.0")
	}
	if c.Relay.Reconnect.Jitter < 0 || c.Relay.Reconnect.Jitter > 1 {
		errs = append(errs, "relay.reconnect.jitter must be between 0 and 1")
	}

	if c.Server.BaseURL != "" && !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		errs = append(errs, fmt.Sprintf("server.base_url must be an http:// or https:// URL: %s", c.Server.BaseURL))
	}

	if c.Queue.DefaultTTL <= 0 {
		errs = append(errs, "queue.default_ttl must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be at least 1")
	}
	if c.Queue.Retention <= 0 {
		errs = append(errs, "queue.retention must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
