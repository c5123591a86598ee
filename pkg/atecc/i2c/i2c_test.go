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

package i2c

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Equal(t, DefaultDevice, c.Device)
	assert.Equal(t, DefaultAddress, c.Address)
	assert.NoError(t, c.Validate())
}

func TestConfigRejectsEightBitAddress(t *testing.T) {
	c := Config{Device: "/dev/i2c-0", Address: 0xC0}
	assert.Error(t, c.Validate())
}
