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

// Package mask protects key material on its way to the secure element.
//
// Two masks live in microcontroller flash. The write mask equals the
// GenDig session key derived from the write key in slot 1 over a zero
// TempKey, so XOR with it is exactly the encryption the device removes on
// PrivWrite and encrypted Write. The read mask is an independent random
// pad applied to credential private keys before they leave the host.
package mask

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/hashengine"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
)

// Kind selects a mask.
type Kind int

const (
	// Write is the transport mask for PrivWrite and encrypted Write.
	Write Kind = iota

	// Read pads credential private keys.
	Read
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

func (k Kind) addr() uint16 {
	if k == Write {
		return eeprom.AddrWriteMask
	}
	return eeprom.AddrReadMask
}

// GeneratedSize is the output of Generate: the session digest followed
// by eight bytes of its own digest. The first eeprom.MaskSize bytes are
// persisted.
const GeneratedSize = 40

// Element is the secure element surface used here. *atecc.Conn
// implements it.
type Element interface {
	hashengine.Executor
	Random(ctx context.Context) ([]byte, error)
	Nonce(ctx context.Context, mode uint8, data []byte) ([]byte, error)
	GenDig(ctx context.Context, zone, slot uint8) error
	Write(ctx context.Context, zone uint8, addr uint16, data []byte) error
	PrivWrite(ctx context.Context, slot uint8, payload []byte) error
}

// Memory is the flash surface used here. *eeprom.Store implements it.
type Memory interface {
	Read(addr uint16, p []byte) error
	Replace(addr uint16, p []byte) error
	Xor(addr uint16, p []byte) error
}

// Engine applies and rotates the masks.
type Engine struct {
	el     Element
	mem    Memory
	logger *logging.Logger
}

// New returns an Engine. A nil logger discards output.
func New(el Element, mem Memory, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{el: el, mem: mem, logger: logger}
}

// Element returns the underlying secure element.
func (e *Engine) Element() Element {
	return e.el
}

// Load returns a copy of the persisted mask. Callers zero it after use.
func (e *Engine) Load(kind Kind) ([]byte, error) {
	m := make([]byte, eeprom.MaskSize)
	if err := e.mem.Read(kind.addr(), m); err != nil {
		return nil, fmt.Errorf("mask: load %s mask: %w", kind, err)
	}
	return m, nil
}

// Apply XORs the persisted mask into p in place. len(p) must not exceed
// eeprom.MaskSize.
func (e *Engine) Apply(kind Kind, p []byte) error {
	if len(p) > eeprom.MaskSize {
		return fmt.Errorf("mask: %d bytes exceed the %s mask", len(p), kind)
	}
	if err := e.mem.Xor(kind.addr(), p); err != nil {
		return fmt.Errorf("mask: apply %s mask: %w", kind, err)
	}
	return nil
}

// PrepareEncryption loads a zero TempKey and derives the session key
// from the write key. After it the device's session key equals the
// write mask.
func (e *Engine) PrepareEncryption(ctx context.Context) error {
	if _, err := e.el.Nonce(ctx, atecc.NoncePassThrough, make([]byte, 32)); err != nil {
		return fmt.Errorf("mask: pass-through nonce: %w", err)
	}
	if err := e.el.GenDig(ctx, atecc.ZoneData, atecc.SlotWriteKey); err != nil {
		return fmt.Errorf("mask: gendig: %w", err)
	}
	return nil
}

// macInput returns SHA-256 over
// WMASK[0:32] ‖ opcode ‖ p1 ‖ p2 ‖ 0x00 ‖ SN8 ‖ SN0 ‖ SN1 ‖ zeros ‖ payload.
func (e *Engine) macInput(ctx context.Context, opcode, p1, p2 uint8, zeros int, payload []byte) ([]byte, error) {
	wmask, err := e.Load(Write)
	if err != nil {
		return nil, err
	}
	defer clear(wmask)

	header := make([]byte, 7+zeros)
	copy(header, []byte{opcode, p1, p2, 0x00, atecc.SN8, atecc.SN0, atecc.SN1})
	sum, err := hashengine.Sum(ctx, e.el, wmask[:32], header, payload)
	if err != nil {
		return nil, fmt.Errorf("mask: mac digest: %w", err)
	}
	return sum, nil
}

// KeyHash returns the PrivWrite MAC of a 36 byte padded key for slot.
func (e *Engine) KeyHash(ctx context.Context, key []byte, slot uint8) ([]byte, error) {
	if len(key) != atecc.PrivWriteKeySize {
		return nil, fmt.Errorf("mask: key is %d bytes, want %d", len(key), atecc.PrivWriteKeySize)
	}
	return e.macInput(ctx, atecc.OpPrivWrite, atecc.PrivWriteEncrypted, slot, 21, key)
}

// WriteHash returns the encrypted Write MAC of a 32 byte block at addr.
func (e *Engine) WriteHash(ctx context.Context, data []byte, addr uint16) ([]byte, error) {
	if len(data) != atecc.BlockSize {
		return nil, fmt.Errorf("mask: block is %d bytes, want %d", len(data), atecc.BlockSize)
	}
	return e.macInput(ctx, atecc.OpWrite, atecc.ZoneData|atecc.ZoneExtended, uint8(addr), 25, data)
}

// PrivWrite prepares encryption and writes the 36 byte padded key with
// its MAC into slot. The key is sent masked with the write mask.
func (e *Engine) PrivWrite(ctx context.Context, slot uint8, key, mac []byte) (err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpPrivWrite, start, err) }(time.Now())

	if len(key) != atecc.PrivWriteKeySize || len(mac) != atecc.DigestSize {
		return fmt.Errorf("mask: privwrite needs a %d byte key and %d byte mac", atecc.PrivWriteKeySize, atecc.DigestSize)
	}
	if err := e.PrepareEncryption(ctx); err != nil {
		return err
	}
	payload := make([]byte, 0, atecc.PrivWritePayloadSize)
	defer clear(payload[:cap(payload)])
	payload = append(payload, key...)
	if err := e.Apply(Write, payload); err != nil {
		return err
	}
	payload = append(payload, mac...)
	if err := e.el.PrivWrite(ctx, slot, payload); err != nil {
		return fmt.Errorf("mask: privwrite slot %d: %w", slot, err)
	}
	return nil
}

// WriteKey pads a 32 byte private scalar, computes its MAC and writes it
// into slot.
func (e *Engine) WriteKey(ctx context.Context, slot uint8, scalar []byte) error {
	if len(scalar) != 32 {
		return fmt.Errorf("mask: private key is %d bytes, want 32", len(scalar))
	}
	key := make([]byte, atecc.PrivWriteKeySize)
	defer clear(key)
	copy(key[4:], scalar)
	mac, err := e.KeyHash(ctx, key, slot)
	if err != nil {
		return err
	}
	return e.PrivWrite(ctx, slot, key, mac)
}

// EncryptedWrite writes a 32 byte secret into block 0 of slot through
// the encrypted Write path.
func (e *Engine) EncryptedWrite(ctx context.Context, slot uint8, data []byte) (err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpEncWrite, start, err) }(time.Now())

	addr := atecc.SlotAddress(slot)
	mac, err := e.WriteHash(ctx, data, addr)
	if err != nil {
		return err
	}
	if err := e.PrepareEncryption(ctx); err != nil {
		return err
	}
	payload := make([]byte, 0, atecc.EncryptedWritePayloadSize)
	defer clear(payload[:cap(payload)])
	payload = append(payload, data...)
	if err := e.Apply(Write, payload); err != nil {
		return err
	}
	payload = append(payload, mac...)
	if err := e.el.Write(ctx, atecc.ZoneData|atecc.ZoneExtended, addr, payload); err != nil {
		return fmt.Errorf("mask: encrypted write slot %d: %w", slot, err)
	}
	return nil
}

// Generate derives a fresh mask from 32 random bytes. For the write mask
// the random bytes first become the write key in slot 1, so the result
// equals the device's session key.
func (e *Engine) Generate(ctx context.Context, kind Kind) (out []byte, err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpGenerateMask, start, err) }(time.Now())

	seed, err := e.seed(ctx)
	if err != nil {
		return nil, err
	}
	defer clear(seed)

	if kind == Write {
		if err := e.storeWriteKey(ctx, seed); err != nil {
			return nil, err
		}
	}
	out, err = e.derive(ctx, seed)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("generated mask", "kind", kind.String())
	return out, nil
}

// Rotate generates a mask, persists it and returns the persisted bytes.
// Flash is written before slot 1, so a failed persist leaves the device
// and the stored mask paired. If the slot 1 write fails after the
// persist the two disagree until the next Rotate of the write mask.
func (e *Engine) Rotate(ctx context.Context, kind Kind) (persisted []byte, err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpGenerateMask, start, err) }(time.Now())

	seed, err := e.seed(ctx)
	if err != nil {
		return nil, err
	}
	defer clear(seed)

	m, err := e.derive(ctx, seed)
	if err != nil {
		return nil, err
	}
	defer clear(m)

	persisted = append([]byte(nil), m[:eeprom.MaskSize]...)
	if err := e.mem.Replace(kind.addr(), persisted); err != nil {
		clear(persisted)
		return nil, fmt.Errorf("mask: persist %s mask: %w", kind, err)
	}
	if kind == Write {
		if err := e.storeWriteKey(ctx, seed); err != nil {
			clear(persisted)
			return nil, err
		}
	}
	e.logger.Debug("rotated mask", "kind", kind.String())
	return persisted, nil
}

func (e *Engine) seed(ctx context.Context) ([]byte, error) {
	seed, err := e.el.Random(ctx)
	if err != nil {
		return nil, fmt.Errorf("mask: random: %w", err)
	}
	return seed, nil
}

func (e *Engine) storeWriteKey(ctx context.Context, seed []byte) error {
	if err := e.el.Write(ctx, atecc.ZoneData|atecc.ZoneExtended, atecc.SlotAddress(atecc.SlotWriteKey), seed); err != nil {
		return fmt.Errorf("mask: store write key: %w", err)
	}
	return nil
}

// derive returns SHA-256(seed ‖ GenDig header) followed by eight bytes
// of its own digest.
func (e *Engine) derive(ctx context.Context, seed []byte) ([]byte, error) {
	header := make([]byte, 64)
	copy(header, []byte{atecc.OpGenDig, atecc.ZoneData, atecc.SlotWriteKey, 0x00, atecc.SN8, atecc.SN0, atecc.SN1})
	first, err := hashengine.Sum(ctx, e.el, seed, header)
	if err != nil {
		return nil, fmt.Errorf("mask: derive: %w", err)
	}
	defer clear(first)
	second, err := hashengine.Sum(ctx, e.el, first)
	if err != nil {
		return nil, fmt.Errorf("mask: derive: %w", err)
	}
	defer clear(second)
	out := make([]byte, 0, GeneratedSize)
	out = append(out, first...)
	out = append(out, second[:GeneratedSize-len(first)]...)
	return out, nil
}

// Xor sets dst[i] = a[i] ^ b[i] for the shorter of a and b and returns
// the count. dst must be at least that long.
func Xor(dst, a, b []byte) int {
	return subtle.XORBytes(dst, a, b)
}
