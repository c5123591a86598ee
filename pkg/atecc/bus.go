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

import "time"

// Bus is the physical link to the secure element. Implementations exist
// for Linux I2C adapters and the software simulator; tests use mocks.
type Bus interface {
	// Write transmits p in one bus transaction. p begins with the word
	// address byte. Returns ErrNACK if the device did not acknowledge.
	Write(p []byte) error

	// Read fills p with a response frame and returns the number of bytes
	// received. Returns ErrNACK while the device is busy.
	Read(p []byte) (int, error)

	// Wake issues the wake condition (SDA held low for tWLO).
	Wake() error
}

// Delays used by the transaction state machine.
const (
	WakeSettle      = 5 * time.Millisecond
	AfterWakeDelay  = 1 * time.Millisecond
	GenericRetry    = 10 * time.Millisecond
	WatchdogRecover = 5 * time.Millisecond
)

// CommandDelay returns the expected execution time of opcode. The table
// is in units the firmware rounds as d/4+1 milliseconds.
func CommandDelay(opcode uint8) time.Duration {
	var d int
	switch opcode {
	case OpCounter:
		d = 20
	case OpGenDig:
		d = 11
	case OpInfo:
		d = 1
	case OpLock:
		d = 32
	case OpNonce:
		d = 7
	case OpPrivWrite:
		d = 48
	case OpRead:
		d = 1
	case OpRandom:
		d = 23
	case OpSHA:
		d = 9
	case OpWrite:
		d = 26
	case OpSign:
		d = 50
	case OpGenKey:
		d = 115
	default:
		d = 58
	}
	return time.Duration(d/4+1) * time.Millisecond
}
