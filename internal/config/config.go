// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-u2fzero.
//
// go-u2fzero is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the host tool configuration: which bus reaches
// the secure element, where flash pages persist, the capability preset
// and the logging and metrics settings.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc/i2c"
	"github.com/jeremyhahn/go-u2fzero/pkg/features"
)

// Bus kinds.
const (
	BusSimulator = "sim"
	BusI2C       = "i2c"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

// Config represents the complete tool configuration
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Storage  StorageConfig  `yaml:"storage"`
	Features FeaturesConfig `yaml:"features"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Presence PresenceConfig `yaml:"presence"`
}

// BusConfig selects how the secure element is reached
type BusConfig struct {
	Kind    string `yaml:"kind"`
	Device  string `yaml:"device"`
	Address uint16 `yaml:"address"`

	// Seed makes the simulator deterministic. Empty uses crypto/rand.
	Seed string `yaml:"seed"`

	SendAttempts    int `yaml:"send_attempts"`
	ReceiveAttempts int `yaml:"receive_attempts"`
}

// I2C returns the adapter settings.
func (b BusConfig) I2C() *i2c.Config {
	cfg := &i2c.Config{Device: b.Device, Address: b.Address}
	cfg.SetDefaults()
	return cfg
}

// StorageConfig controls where flash pages and simulator state persist
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// FeaturesConfig selects the capability set. Flags, when present,
// replace the preset entirely.
type FeaturesConfig struct {
	Preset string          `yaml:"preset"`
	Flags  *features.Flags `yaml:"flags,omitempty"`
}

// Resolve returns the effective flags.
func (f FeaturesConfig) Resolve() (features.Flags, error) {
	if f.Flags != nil {
		return *f.Flags, nil
	}
	flags, ok := features.Preset(f.Preset)
	if !ok {
		return features.Flags{}, fmt.Errorf("unknown feature preset: %s", f.Preset)
	}
	return flags, nil
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// PresenceConfig tunes user presence waits
type PresenceConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	FakeTouch bool          `yaml:"fake_touch"`
}

// Default returns the configuration used when no file is given: a
// simulated part over in-memory flash with the development preset.
func Default() *Config {
	return &Config{
		Bus:      BusConfig{Kind: BusSimulator},
		Storage:  StorageConfig{Backend: StorageMemory},
		Features: FeaturesConfig{Preset: "development"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Address: ":9090", Path: "/metrics"},
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or the defaults with environment overrides
// when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if kind := os.Getenv("U2FZERO_BUS"); kind != "" {
		cfg.Bus.Kind = kind
	}
	if dev := os.Getenv("U2FZERO_I2C_DEVICE"); dev != "" {
		cfg.Bus.Device = dev
	}
	if addr := os.Getenv("U2FZERO_I2C_ADDRESS"); addr != "" {
		v, err := strconv.ParseUint(addr, 0, 16)
		if err != nil {
			log.Printf("Warning: invalid U2FZERO_I2C_ADDRESS value %q, using 0x%02x: %v",
				addr, cfg.Bus.Address, err)
		} else {
			cfg.Bus.Address = uint16(v)
		}
	}
	if seed := os.Getenv("U2FZERO_SIM_SEED"); seed != "" {
		cfg.Bus.Seed = seed
	}

	if store := os.Getenv("U2FZERO_STORE"); store != "" {
		cfg.Storage.Backend = StorageFile
		cfg.Storage.Path = store
	}

	if preset := os.Getenv("U2FZERO_FEATURES"); preset != "" {
		cfg.Features.Preset = preset
		cfg.Features.Flags = nil
	}

	if level := os.Getenv("U2FZERO_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("U2FZERO_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if addr := os.Getenv("U2FZERO_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = addr
	}

	if timeout := os.Getenv("U2FZERO_PRESENCE_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d < 0 {
			log.Printf("Warning: invalid U2FZERO_PRESENCE_TIMEOUT value %q, using %s",
				timeout, cfg.Presence.Timeout)
		} else {
			cfg.Presence.Timeout = d
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch strings.ToLower(c.Bus.Kind) {
	case BusSimulator:
	case BusI2C:
		if err := c.Bus.I2C().Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid bus kind: %s (must be sim or i2c)", c.Bus.Kind)
	}
	if c.Bus.SendAttempts < 0 || c.Bus.ReceiveAttempts < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path must be specified for the file backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or file)", c.Storage.Backend)
	}

	if _, err := c.Features.Resolve(); err != nil {
		return err
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}
	if c.Presence.Timeout < 0 {
		return fmt.Errorf("presence timeout must not be negative")
	}
	return nil
}
