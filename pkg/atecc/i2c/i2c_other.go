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

//go:build !linux

package i2c

// Bus is unavailable on this platform.
type Bus struct{}

// Open always fails with ErrUnsupported.
func Open(*Config) (*Bus, error) {
	return nil, ErrUnsupported
}

// Write implements atecc.Bus.
func (*Bus) Write([]byte) error { return ErrUnsupported }

// Read implements atecc.Bus.
func (*Bus) Read([]byte) (int, error) { return 0, ErrUnsupported }

// Wake implements atecc.Bus.
func (*Bus) Wake() error { return ErrUnsupported }

// Close implements io.Closer.
func (*Bus) Close() error { return nil }
