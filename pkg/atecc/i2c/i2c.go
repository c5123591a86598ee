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

// Package i2c drives the secure element through a Linux i2c-dev adapter.
package i2c

import (
	"errors"
	"fmt"
)

const (
	// DefaultDevice is the adapter used by most single-board hosts.
	DefaultDevice = "/dev/i2c-1"

	// DefaultAddress is the 7-bit address of a factory ATECC508A (0xC0
	// in 8-bit notation).
	DefaultAddress uint16 = 0x60

	// ioctlSlave selects the target address of subsequent transfers.
	ioctlSlave = 0x0703

	// generalCall is addressed during wake; nobody acknowledges it.
	generalCall uint16 = 0x00
)

// ErrUnsupported is returned on platforms without i2c-dev.
var ErrUnsupported = errors.New("i2c: not supported on this platform")

// Config selects the adapter and device address.
type Config struct {
	Device  string `yaml:"device" json:"device"`
	Address uint16 `yaml:"address" json:"address"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Address == 0 {
		c.Address = DefaultAddress
	}
}

// Validate checks the address range.
func (c *Config) Validate() error {
	if c.Address > 0x7F {
		return fmt.Errorf("i2c: address 0x%02x is not a 7-bit address", c.Address)
	}
	return nil
}
