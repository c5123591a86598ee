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

// Package hashengine streams arbitrary-length input through the secure
// element's SHA-256 and HMAC-SHA256 engine, which accepts exactly 64
// bytes per update and up to 63 trailing bytes at finish.
package hashengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
)

// BlockSize is the update granularity of the device engine.
const BlockSize = 64

// ErrNotStarted is returned when Update or Finish precede Start.
var ErrNotStarted = errors.New("hashengine: not started")

// Executor runs a SHA command step. *atecc.Conn implements it.
type Executor interface {
	SHA(ctx context.Context, mode uint8, param2 uint16, data []byte) ([]byte, error)
}

// Engine buffers input into device-sized blocks. The first device error
// is sticky: later calls return it until the next Start.
type Engine struct {
	exec    Executor
	hmac    bool
	started bool
	buf     [BlockSize]byte
	n       int
	err     error
}

// New returns an Engine over exec.
func New(exec Executor) *Engine {
	return &Engine{exec: exec}
}

// Start begins a plain SHA-256 computation.
func (e *Engine) Start(ctx context.Context) error {
	return e.start(ctx, atecc.SHAStart, 0, false)
}

// StartHMAC begins an HMAC-SHA256 keyed by the secret in slot.
func (e *Engine) StartHMAC(ctx context.Context, slot uint8) error {
	return e.start(ctx, atecc.SHAHMACStart, uint16(slot), true)
}

func (e *Engine) start(ctx context.Context, mode uint8, param2 uint16, hmac bool) error {
	e.reset()
	if _, err := e.exec.SHA(ctx, mode, param2, nil); err != nil {
		e.err = fmt.Errorf("hashengine: start: %w", err)
		return e.err
	}
	e.hmac = hmac
	e.started = true
	return nil
}

// Update appends data, flushing every complete 64 byte block.
func (e *Engine) Update(ctx context.Context, data []byte) error {
	if e.err != nil {
		return e.err
	}
	if !e.started {
		return ErrNotStarted
	}
	for len(data) > 0 {
		c := copy(e.buf[e.n:], data)
		e.n += c
		data = data[c:]
		if e.n == BlockSize {
			if _, err := e.exec.SHA(ctx, atecc.SHAUpdate, BlockSize, e.buf[:]); err != nil {
				e.err = fmt.Errorf("hashengine: update: %w", err)
				return e.err
			}
			e.n = 0
		}
	}
	return nil
}

// Finish submits the buffered tail and returns the 32 byte digest. The
// device also leaves the digest in TempKey.
func (e *Engine) Finish(ctx context.Context) ([]byte, error) {
	defer e.reset()
	if e.err != nil {
		return nil, e.err
	}
	if !e.started {
		return nil, ErrNotStarted
	}
	mode := atecc.SHAEnd
	if e.hmac {
		mode = atecc.SHAHMACEnd
	}
	sum, err := e.exec.SHA(ctx, mode, uint16(e.n), e.buf[:e.n])
	if err != nil {
		return nil, fmt.Errorf("hashengine: finish: %w", err)
	}
	return sum, nil
}

func (e *Engine) reset() {
	clear(e.buf[:])
	e.n = 0
	e.started = false
	e.hmac = false
	e.err = nil
}

// Sum returns SHA-256 over the concatenation of parts.
func Sum(ctx context.Context, exec Executor, parts ...[]byte) ([]byte, error) {
	e := New(exec)
	if err := e.Start(ctx); err != nil {
		return nil, err
	}
	return e.finishParts(ctx, parts)
}

// HMAC returns HMAC-SHA256 over the concatenation of parts, keyed by slot.
func HMAC(ctx context.Context, exec Executor, slot uint8, parts ...[]byte) ([]byte, error) {
	e := New(exec)
	if err := e.StartHMAC(ctx, slot); err != nil {
		return nil, err
	}
	return e.finishParts(ctx, parts)
}

func (e *Engine) finishParts(ctx context.Context, parts [][]byte) ([]byte, error) {
	for _, p := range parts {
		if err := e.Update(ctx, p); err != nil {
			e.reset()
			return nil, err
		}
	}
	return e.Finish(ctx)
}
