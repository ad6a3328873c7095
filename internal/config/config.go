// Package config provides the daemon's externally-documented JSON
// configuration (§6 "Persisted state": API bind host/port, CORS flag,
// logging level) plus, in performance.go, the internal-only YAML
// performance-tuning file spec.md never documents (DESIGN.md Open
// Question decision 5).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ntracing/ntd/internal/constants"
)

// Config is the daemon's JSON config file contents.
type Config struct {
	APIHost  string `json:"api_host"`
	APIPort  int    `json:"api_port"`
	CORS     bool   `json:"cors"`
	LogLevel string `json:"log_level"`
}

// Default returns a Config with the spec's documented defaults
// (§6: "default port 10032").
func Default() *Config {
	return &Config{
		APIHost:  constants.DefaultAPIHost,
		APIPort:  constants.DefaultAPIPort,
		CORS:     false,
		LogLevel: constants.DefaultLogLevel,
	}
}

// Load reads the JSON config at path, merging onto defaults. A missing
// file is not an error — the daemon runs on defaults, matching the
// teacher's `Load`. Environment variables override file settings, same
// as the teacher's `applyEnvOverrides`.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv(constants.EnvLogLevel); level != "" {
		c.LogLevel = level
	}
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug/info/warn/error", c.LogLevel)
	}
	return nil
}
