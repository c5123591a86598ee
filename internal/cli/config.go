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

package cli

import (
	"fmt"

	"github.com/jeremyhahn/go-u2fzero/internal/config"
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// Bus overrides the configured bus kind (sim, i2c)
	Bus string

	// I2CDevice overrides the configured adapter path
	I2CDevice string

	// Store is a directory for flash pages and simulator state. Empty
	// keeps the configured storage backend.
	Store string

	// Features overrides the configured capability preset
	Features string

	// OutputFormat controls output formatting (json, text)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
	}
}

// Resolve loads the tool configuration and applies the command line
// overrides on top of it.
func (c *Config) Resolve() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	if c.Bus != "" {
		cfg.Bus.Kind = c.Bus
	}
	if c.I2CDevice != "" {
		cfg.Bus.Device = c.I2CDevice
	}
	if c.Store != "" {
		cfg.Storage.Backend = config.StorageFile
		cfg.Storage.Path = c.Store
	}
	if c.Features != "" {
		cfg.Features.Preset = c.Features
		cfg.Features.Flags = nil
	}
	if c.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

