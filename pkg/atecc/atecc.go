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

// Package atecc implements the command protocol of the ATECC508A secure
// element: frame encoding with CRC-16, response validation, the
// wake/send/receive/idle transaction with bounded retries, and typed helpers
// for every command the authenticator uses.
package atecc

// Command opcodes.
const (
	OpCounter   uint8 = 0x24
	OpGenDig    uint8 = 0x15
	OpInfo      uint8 = 0x30
	OpLock      uint8 = 0x17
	OpNonce     uint8 = 0x16
	OpPrivWrite uint8 = 0x46
	OpRead      uint8 = 0x02
	OpRandom    uint8 = 0x1B
	OpSHA       uint8 = 0x47
	OpWrite     uint8 = 0x12
	OpSign      uint8 = 0x41
	OpGenKey    uint8 = 0x40
)

// Read/Write zone selectors (param1).
const (
	ZoneConfig uint8 = 0x00
	ZoneOTP    uint8 = 0x01
	ZoneData   uint8 = 0x02

	// ZoneExtended selects a 32 byte transfer instead of 4.
	ZoneExtended uint8 = 0x80
)

// SHA command modes.
const (
	SHAStart     uint8 = 0x00
	SHAUpdate    uint8 = 0x01
	SHAEnd       uint8 = 0x02
	SHAHMACStart uint8 = 0x04
	SHAHMACEnd   uint8 = 0x05
)

// Lock modes.
const (
	LockConfig  uint8 = 0x00
	LockDataOTP uint8 = 0x01

	// LockNoCRC skips the zone summary check.
	LockNoCRC uint8 = 0x80
)

// Nonce modes.
const (
	// NonceRandom combines 20 input bytes with the internal RNG and
	// updates the seed.
	NonceRandom uint8 = 0x00

	// NoncePassThrough loads 32 input bytes directly into TempKey.
	NoncePassThrough uint8 = 0x03
)

// GenKey modes.
const (
	GenKeyPublic  uint8 = 0x00
	GenKeyPrivate uint8 = 0x04
)

const (
	// SignExternal signs the message digest held in TempKey.
	SignExternal uint8 = 0x80

	// PrivWriteEncrypted is the only PrivWrite mode the device accepts once
	// the data zone is locked.
	PrivWriteEncrypted uint8 = 0x40

	CounterRead      uint8 = 0x00
	CounterIncrement uint8 = 0x01

	InfoRevision uint8 = 0x00
)

// Frame sizes.
const (
	// WordAddressCommand precedes every command frame on the bus.
	WordAddressCommand uint8 = 0x03
	WordAddressSleep   uint8 = 0x01
	WordAddressIdle    uint8 = 0x02

	// CommandOverhead is len + opcode + p1 + p2(2) + crc(2).
	CommandOverhead = 7

	// MaxTransaction bounds a single command frame.
	MaxTransaction = 0xFF

	// ResponseOverhead is len + crc(2).
	ResponseOverhead = 3

	// MinResponse is the shortest valid response (status frame).
	MinResponse = 4

	// MaxResponse is large enough for every response the core requests.
	MaxResponse = 80

	BlockSize = 32
	WordSize  = 4
)

// Slot numbers used by the authenticator.
const (
	// SlotWriteKey holds the encryption key for PrivWrite and encrypted
	// Write. GenDig is always run against it.
	SlotWriteKey uint8 = 1

	// SlotTemp receives every per-credential private key.
	SlotTemp uint8 = 2

	// SlotDeviceKey holds the HMAC key that derives credentials.
	SlotDeviceKey uint8 = 7

	// SlotAttestation holds the batch attestation private key.
	SlotAttestation uint8 = 15

	// NumSlots is the number of data slots.
	NumSlots = 16
)

// Fixed serial-number bytes mixed into every MAC and GenDig input.
const (
	SN8 uint8 = 0xEE
	SN0 uint8 = 0x01
	SN1 uint8 = 0x23
)

// Config zone layout.
const (
	ConfigZoneSize = 128

	// ConfigSlotConfigBase is the first byte of the SlotConfig array.
	ConfigSlotConfigBase = 20

	// ConfigKeyConfigBase is the first byte of the KeyConfig array.
	ConfigKeyConfigBase = 96

	ConfigLockValue  = 86
	ConfigLockConfig = 87

	SerialSize = 9

	// LockUnlocked is the value of the lock bytes before locking.
	LockUnlocked uint8 = 0x55
)

// SlotAddress returns the param2 address of a data slot.
func SlotAddress(slot uint8) uint16 {
	return uint16(slot) << 3
}

// SlotConfigWord returns the config word and the byte offset within that
// word of the SlotConfig for slot.
func SlotConfigWord(slot uint8) (word uint16, offset int) {
	return 5 + uint16(slot>>1), int(slot&1) * 2
}

// KeyConfigWord returns the config word and the byte offset within that
// word of the KeyConfig for slot.
func KeyConfigWord(slot uint8) (word uint16, offset int) {
	return 24 + uint16(slot>>1), int(slot&1) * 2
}
