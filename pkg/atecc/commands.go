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

package atecc

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Sizes of fixed command outputs.
const (
	RandomSize    = 32
	DigestSize    = 32
	PublicKeySize = 64
	SignatureSize = 64

	// PrivWriteKeySize is the private key with its four zero pad bytes.
	PrivWriteKeySize = 36

	// PrivWritePayloadSize is the masked key followed by its MAC.
	PrivWritePayloadSize = PrivWriteKeySize + DigestSize

	// EncryptedWritePayloadSize is the masked block followed by its MAC.
	EncryptedWritePayloadSize = BlockSize + DigestSize

	// SeedInputSize is the input to a random-mode Nonce.
	SeedInputSize = 20
)

func (c *Conn) expect(ctx context.Context, cmd Command, n int) ([]byte, error) {
	resp, err := c.Execute(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) < n {
		return nil, fmt.Errorf("%w: opcode 0x%02x returned %d bytes, need %d",
			ErrShortResponse, cmd.Opcode, len(resp), n)
	}
	out := make([]byte, n)
	copy(out, resp)
	return out, nil
}

// status runs a command whose response is a single status byte.
func (c *Conn) status(ctx context.Context, cmd Command) error {
	_, err := c.Execute(ctx, cmd, nil)
	return err
}

// Random returns 32 bytes from the device RNG.
func (c *Conn) Random(ctx context.Context) ([]byte, error) {
	return c.expect(ctx, Command{Opcode: OpRandom}, RandomSize)
}

// Nonce runs the Nonce command. Pass-through mode loads 32 bytes into
// TempKey and returns nothing; random mode takes 20 bytes and returns the
// 32 byte RNG output.
func (c *Conn) Nonce(ctx context.Context, mode uint8, data []byte) ([]byte, error) {
	resp, err := c.Execute(ctx, Command{Opcode: OpNonce, Param1: mode, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(resp))
	copy(out, resp)
	return out, nil
}

// GenDig combines TempKey with the key in slot of zone.
func (c *Conn) GenDig(ctx context.Context, zone, slot uint8) error {
	return c.status(ctx, Command{Opcode: OpGenDig, Param1: zone, Param2: uint16(slot)})
}

// SHA runs one step of the SHA command. param2 carries the HMAC key slot
// on start and the byte count on update and end. End modes return the
// 32 byte digest.
func (c *Conn) SHA(ctx context.Context, mode uint8, param2 uint16, data []byte) ([]byte, error) {
	cmd := Command{Opcode: OpSHA, Param1: mode, Param2: param2, Data: data}
	if mode == SHAEnd || mode == SHAHMACEnd {
		return c.expect(ctx, cmd, DigestSize)
	}
	return nil, c.status(ctx, cmd)
}

// Read reads a 4 or 32 byte unit from zone at addr.
func (c *Conn) Read(ctx context.Context, zone uint8, addr uint16) ([]byte, error) {
	size := WordSize
	if zone&ZoneExtended != 0 {
		size = BlockSize
	}
	return c.expect(ctx, Command{Opcode: OpRead, Param1: zone, Param2: addr}, size)
}

// Write writes a 4 or 32 byte unit, optionally followed by a MAC.
func (c *Conn) Write(ctx context.Context, zone uint8, addr uint16, data []byte) error {
	return c.status(ctx, Command{Opcode: OpWrite, Param1: zone, Param2: addr, Data: data})
}

// ReadConfigByte reads the config word containing pos and returns the byte.
func (c *Conn) ReadConfigByte(ctx context.Context, pos int) (uint8, error) {
	word, err := c.Read(ctx, ZoneConfig, uint16(pos/WordSize))
	if err != nil {
		return 0, err
	}
	return word[pos%WordSize], nil
}

// WriteConfig writes len(data) bytes at offset within config word. Partial
// words are read, patched and written back.
func (c *Conn) WriteConfig(ctx context.Context, word uint16, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > WordSize {
		return fmt.Errorf("atecc: config write of %d bytes at offset %d crosses a word", len(data), offset)
	}
	buf := data
	if len(data) < WordSize {
		current, err := c.Read(ctx, ZoneConfig, word)
		if err != nil {
			return fmt.Errorf("atecc: config read word %d: %w", word, err)
		}
		copy(current[offset:], data)
		buf = current
	}
	if err := c.Write(ctx, ZoneConfig, word, buf); err != nil {
		return fmt.Errorf("atecc: config write word %d: %w", word, err)
	}
	return nil
}

// ReadConfigZone reads the whole 128 byte configuration zone.
func (c *Conn) ReadConfigZone(ctx context.Context) ([]byte, error) {
	zone := make([]byte, 0, ConfigZoneSize)
	for block := uint16(0); block < ConfigZoneSize/BlockSize; block++ {
		b, err := c.Read(ctx, ZoneConfig|ZoneExtended, block<<3)
		if err != nil {
			return nil, fmt.Errorf("atecc: config block %d: %w", block, err)
		}
		zone = append(zone, b...)
	}
	return zone, nil
}

// ReadSerial returns the 9 byte device serial number SN[0:4]‖SN[4:9].
func (c *Conn) ReadSerial(ctx context.Context) ([]byte, error) {
	block, err := c.Read(ctx, ZoneConfig|ZoneExtended, 0)
	if err != nil {
		return nil, err
	}
	sn := make([]byte, 0, SerialSize)
	sn = append(sn, block[0:4]...)
	sn = append(sn, block[8:13]...)
	return sn, nil
}

// LockState reports whether the config and data zones are locked.
func (c *Conn) LockState(ctx context.Context) (configLocked, dataLocked bool, err error) {
	word, err := c.Read(ctx, ZoneConfig, ConfigLockValue/WordSize)
	if err != nil {
		return false, false, err
	}
	dataLocked = word[ConfigLockValue%WordSize] == 0
	configLocked = word[ConfigLockConfig%WordSize] == 0
	return configLocked, dataLocked, nil
}

// Lock locks a zone. crc is the expected zone summary unless mode carries
// LockNoCRC.
func (c *Conn) Lock(ctx context.Context, mode uint8, crc uint16) error {
	return c.status(ctx, Command{Opcode: OpLock, Param1: mode, Param2: crc})
}

// GenKey generates a private key or computes the public key of slot.
// Returns the 64 byte X‖Y public key.
func (c *Conn) GenKey(ctx context.Context, mode, slot uint8) ([]byte, error) {
	return c.expect(ctx, Command{Opcode: OpGenKey, Param1: mode, Param2: uint16(slot)}, PublicKeySize)
}

// Sign signs the digest in TempKey with the key in slot and returns R‖S.
func (c *Conn) Sign(ctx context.Context, mode, slot uint8) ([]byte, error) {
	return c.expect(ctx, Command{Opcode: OpSign, Param1: mode, Param2: uint16(slot)}, SignatureSize)
}

// PrivWrite writes an encrypted private key and its MAC into slot.
func (c *Conn) PrivWrite(ctx context.Context, slot uint8, payload []byte) error {
	if len(payload) != PrivWritePayloadSize {
		return fmt.Errorf("atecc: privwrite payload is %d bytes, want %d", len(payload), PrivWritePayloadSize)
	}
	return c.status(ctx, Command{Opcode: OpPrivWrite, Param1: PrivWriteEncrypted, Param2: uint16(slot), Data: payload})
}

// Counter runs the Counter command and returns the little-endian value.
func (c *Conn) Counter(ctx context.Context, mode uint8, id uint16) (uint32, error) {
	resp, err := c.expect(ctx, Command{Opcode: OpCounter, Param1: mode, Param2: id}, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// Info returns the 4 byte revision word.
func (c *Conn) Info(ctx context.Context) ([]byte, error) {
	return c.expect(ctx, Command{Opcode: OpInfo, Param1: InfoRevision}, 4)
}
