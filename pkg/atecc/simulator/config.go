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

package simulator

import "github.com/jeremyhahn/go-u2fzero/pkg/atecc"

// factoryConfig is the configuration zone of an unprovisioned part. Slot
// and key descriptors are blank; both lock bytes read 0x55.
var factoryConfig = [atecc.ConfigZoneSize]byte{
	// SN[0:4], RevNum, SN[4:9], reserved, I2C enable, reserved
	0x01, 0x23, 0x6d, 0x10, 0x00, 0x00, 0x50, 0x00,
	0xd7, 0x2c, 0xa5, 0x71, 0xee, 0xc0, 0x85, 0x00,
	// I2C address, reserved, OTP mode, chip mode
	0xc0, 0x00, 0x55, 0x00,
	// SlotConfig[16]
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	// Counter[0], Counter[1]
	0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
	// LastKeyUse
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	// UserExtra, Selector, LockValue, LockConfig, SlotLocked, RFU, X509format
	0x00, 0x00, 0x55, 0x55, 0xff, 0xff, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
	// KeyConfig[16]
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// slotSize returns the byte size of a data slot.
func slotSize(slot int) int {
	switch {
	case slot < 8:
		return 36
	case slot == 8:
		return 416
	default:
		return 72
	}
}

const otpSize = 64

// slotConfig is the decoded access policy of one slot.
type slotConfig struct {
	readKey     uint8
	encRead     bool
	secret      bool
	writeKey    uint8
	writeConfig uint8
}

func (d *Device) slotConfig(slot int) slotConfig {
	b0 := d.config[atecc.ConfigSlotConfigBase+slot*2]
	b1 := d.config[atecc.ConfigSlotConfigBase+slot*2+1]
	return slotConfig{
		readKey:     b0 & 0x0F,
		encRead:     b0&0x40 != 0,
		secret:      b0&0x80 != 0,
		writeKey:    b1 & 0x0F,
		writeConfig: b1 >> 4,
	}
}

// writeAlways reports whether clear writes are permitted.
func (c slotConfig) writeAlways() bool {
	return c.writeConfig == 0x0 || c.writeConfig == 0x1
}

// writeEncrypted reports whether writes require encryption and a MAC.
func (c slotConfig) writeEncrypted() bool {
	return c.writeConfig&0x4 != 0
}

func (d *Device) keyIsPrivate(slot int) bool {
	return d.config[atecc.ConfigKeyConfigBase+slot*2]&0x01 != 0
}

func (d *Device) configLocked() bool {
	return d.config[atecc.ConfigLockConfig] != atecc.LockUnlocked
}

func (d *Device) dataLocked() bool {
	return d.config[atecc.ConfigLockValue] != atecc.LockUnlocked
}
