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

// Package testutil assembles a simulated authenticator for tests: a
// seeded secure element simulator behind a real atecc.Conn, and flash
// over an in-memory backend.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc/simulator"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/storage"
)

// SlotConfigTable is the SlotConfig area the authenticator programs.
var SlotConfigTable = [32]byte{
	0x83, 0x71, 0x81, 0x01, 0x83, 0x71, 0xC1, 0x01,
	0x83, 0x71, 0x83, 0x71, 0x83, 0x71, 0xC1, 0x71,
	0x01, 0x01, 0x83, 0x71, 0x83, 0x71, 0xC1, 0x71,
	0x83, 0x71, 0x83, 0x71, 0x83, 0x71, 0x83, 0x71,
}

// KeyConfigTable is the KeyConfig area the authenticator programs.
var KeyConfigTable = [32]byte{
	0x13, 0x00, 0x3C, 0x00, 0x13, 0x00, 0x3C, 0x00,
	0x13, 0x00, 0x3C, 0x00, 0x13, 0x00, 0x3C, 0x00,
	0x3C, 0x00, 0x3C, 0x00, 0x13, 0x00, 0x3C, 0x00,
	0x13, 0x00, 0x3C, 0x00, 0x13, 0x00, 0x33, 0x00,
}

// Seed makes simulator randomness reproducible across test runs.
var Seed = []byte("u2fzero test rig")

// Rig is a simulated device and its host-side plumbing.
type Rig struct {
	Device  *simulator.Device
	Conn    *atecc.Conn
	Flash   *eeprom.Store
	Backend *storage.MemoryBackend
}

// NewRig returns a factory-fresh rig.
func NewRig(t testing.TB) *Rig {
	t.Helper()
	dev, err := simulator.New(&simulator.Options{Seed: Seed})
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	conn, err := atecc.New(dev, &atecc.Config{
		Logger: logging.Discard(),
		Sleep:  func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	backend := storage.NewMemory()
	flash, err := eeprom.New(backend)
	if err != nil {
		t.Fatalf("eeprom: %v", err)
	}
	return &Rig{Device: dev, Conn: conn, Flash: flash, Backend: backend}
}

// Configure programs the slot and key tables and locks both zones.
func (r *Rig) Configure(t testing.TB) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		word := uint16(atecc.ConfigSlotConfigBase/atecc.WordSize + i)
		if err := r.Conn.Write(ctx, atecc.ZoneConfig, word, SlotConfigTable[i*4:i*4+4]); err != nil {
			t.Fatalf("slot config word %d: %v", word, err)
		}
		word = uint16(atecc.ConfigKeyConfigBase/atecc.WordSize + i)
		if err := r.Conn.Write(ctx, atecc.ZoneConfig, word, KeyConfigTable[i*4:i*4+4]); err != nil {
			t.Fatalf("key config word %d: %v", word, err)
		}
	}
	zone, err := r.Conn.ReadConfigZone(ctx)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if err := r.Conn.Lock(ctx, atecc.LockConfig, atecc.CRC16(zone)); err != nil {
		t.Fatalf("lock config: %v", err)
	}
	if err := r.Conn.Lock(ctx, atecc.LockDataOTP|atecc.LockNoCRC, 0); err != nil {
		t.Fatalf("lock data: %v", err)
	}
}

// NewConfiguredRig returns a rig with both zones locked.
func NewConfiguredRig(t testing.TB) *Rig {
	t.Helper()
	r := NewRig(t)
	r.Configure(t)
	return r
}
