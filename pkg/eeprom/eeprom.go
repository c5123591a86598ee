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

// Package eeprom models the microcontroller flash that holds the
// authenticator's masks and constants. Memory is organised in erasable
// pages; an erased byte reads 0xFF and a write can only clear bits, so
// every update is erase-then-write. Pages persist through a
// storage.Backend.
package eeprom

import (
	"errors"
	"fmt"
)

const (
	// PageSize is the erase granularity.
	PageSize = 512

	// NumPages is the size of the modelled flash.
	NumPages = 16

	// Size is the total addressable flash.
	Size = PageSize * NumPages

	// Erased is the value of an erased byte.
	Erased uint8 = 0xFF
)

// Layout of the persisted secrets. Each item owns its page so it can be
// erased independently.
const (
	AddrReadMask  uint16 = 0 * PageSize
	AddrWriteMask uint16 = 1 * PageSize
	AddrConst     uint16 = 2 * PageSize
	AddrSerial    uint16 = 3 * PageSize
	AddrDevConf   uint16 = 4 * PageSize

	// AddrBootloader is the first of the pages holding the provisioning
	// bootloader, destroyed after provisioning.
	AddrBootloader uint16 = (NumPages - BootloaderPages) * PageSize

	MaskSize        = 36
	ConstSize       = 16
	SerialSize      = 13
	DevConfSize     = PageSize
	BootloaderPages = 3
)

var (
	// ErrOutOfRange is returned for accesses past the end of flash.
	ErrOutOfRange = errors.New("eeprom: address out of range")

	// ErrNotErased is returned when a write would need to set bits.
	ErrNotErased = errors.New("eeprom: write to unerased flash")
)

func checkRange(addr uint16, n int) error {
	if int(addr)+n > Size {
		return fmt.Errorf("%w: 0x%04x+%d", ErrOutOfRange, addr, n)
	}
	return nil
}

// PageOf returns the page index containing addr.
func PageOf(addr uint16) int {
	return int(addr) / PageSize
}
