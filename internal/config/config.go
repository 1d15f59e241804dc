// Package config loads the proxy's YAML configuration file: read the
// whole file, unmarshal with yaml.v3, fill in defaults, validate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level potproxy.yaml document.
type Config struct {
	Debug bool `yaml:"debug"`

	// BaseDir resolves relative worker binary paths below.
	BaseDir string `yaml:"basedir"`

	ExternalRequest string `yaml:"external_request"` // e.g. ":7001"
	ExternalPublish string `yaml:"external_publish"` // e.g. ":7002"

	Stores []StoreConfig `yaml:"stores"`

	RestartDelaySeconds int `yaml:"restart_delay_seconds"`
}

// StoreConfig names one store and the backend worker that serves it.
type StoreConfig struct {
	Name   string   `yaml:"name"`
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args,omitempty"`
}

// RestartDelay is the fixed pause the supervisor observes between a
// worker's exit and respawning it.
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelaySeconds) * time.Second
}

// ResolveBinary joins a store's binary path against BaseDir unless it
// is already absolute.
func (c *Config) ResolveBinary(s StoreConfig) string {
	if filepath.IsAbs(s.Binary) || c.BaseDir == "" {
		return s.Binary
	}
	return filepath.Join(c.BaseDir, s.Binary)
}

// Load reads and validates filename.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.ExternalRequest == "" {
		cfg.ExternalRequest = ":7001"
	}
	if cfg.ExternalPublish == "" {
		cfg.ExternalPublish = ":7002"
	}
	if cfg.RestartDelaySeconds == 0 {
		cfg.RestartDelaySeconds = 10
	}

	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("config: no stores configured; at least one store is required")
	}
	seen := make(map[string]bool, len(cfg.Stores))
	for _, s := range cfg.Stores {
		if s.Name == "" {
			return nil, fmt.Errorf("config: store entry missing 'name'")
		}
		if s.Binary == "" {
			return nil, fmt.Errorf("config: store %q missing 'binary'", s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("config: duplicate store name %q", s.Name)
		}
		seen[s.Name] = true
	}

	return &cfg, nil
}
