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

//go:build linux

package i2c

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
)

// Bus is an atecc.Bus over /dev/i2c-N.
type Bus struct {
	mu   sync.Mutex
	fd   int
	addr uint16
}

// Open opens the adapter and selects the device address.
func Open(cfg *Config) (*Bus, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	fd, err := unix.Open(c.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: open %s: %w", c.Device, err)
	}
	b := &Bus{fd: fd, addr: c.Address}
	if err := b.selectAddress(c.Address); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return b, nil
}

func (b *Bus) selectAddress(addr uint16) error {
	if err := unix.IoctlSetInt(b.fd, ioctlSlave, int(addr)); err != nil {
		return fmt.Errorf("i2c: select address 0x%02x: %w", addr, err)
	}
	return nil
}

// Write implements atecc.Bus.
func (b *Bus) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := unix.Write(b.fd, p)
	if err != nil {
		return mapErr(err)
	}
	if n != len(p) {
		return fmt.Errorf("i2c: short write %d of %d", n, len(p))
	}
	return nil
}

// Read implements atecc.Bus. The whole buffer is requested; bytes past
// the frame read as padding and are ignored by the frame length.
func (b *Bus) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := unix.Read(b.fd, p)
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// Wake holds SDA low by addressing the general call with a zero byte.
// The transfer is expected to fail.
func (b *Bus) Wake() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.selectAddress(generalCall); err != nil {
		return err
	}
	_, _ = unix.Write(b.fd, []byte{0x00})
	return b.selectAddress(b.addr)
}

// Close releases the adapter.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return unix.Close(b.fd)
}

// mapErr reports address NACKs as atecc.ErrNACK.
func mapErr(err error) error {
	switch {
	case errors.Is(err, unix.EREMOTEIO), errors.Is(err, unix.ENXIO), errors.Is(err, unix.EIO):
		return fmt.Errorf("%w: %w", atecc.ErrNACK, err)
	default:
		return fmt.Errorf("i2c: %w", err)
	}
}
