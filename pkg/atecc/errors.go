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
	"errors"
	"fmt"
)

var (
	// ErrNACK is returned by a Bus when the device did not acknowledge.
	ErrNACK = errors.New("atecc: bus nack")

	// ErrTruncated is returned when fewer bytes arrived than the frame declared.
	ErrTruncated = errors.New("atecc: response truncated")

	// ErrCRC is returned when a response checksum does not validate.
	ErrCRC = errors.New("atecc: response crc mismatch")

	// ErrBadLength is returned when the declared response length is out of range.
	ErrBadLength = errors.New("atecc: response length out of range")

	// ErrRetriesExhausted wraps the last transport or device error after
	// the retry budget of a transaction is spent.
	ErrRetriesExhausted = errors.New("atecc: retries exhausted")

	// ErrBus wraps a bus failure other than a NACK, such as a closed
	// adapter or a failed wake.
	ErrBus = errors.New("atecc: bus failure")

	// ErrPayloadTooLarge is returned when a command does not fit one transaction.
	ErrPayloadTooLarge = errors.New("atecc: payload exceeds transaction size")

	// ErrShortResponse is returned when a command returned fewer bytes than
	// its caller requires.
	ErrShortResponse = errors.New("atecc: response shorter than expected")

	// ErrDeviceStatus matches any DeviceError via errors.Is.
	ErrDeviceStatus = errors.New("atecc: device status")

	// ErrInvalidConfig is returned for a nil bus or bad retry budget.
	ErrInvalidConfig = errors.New("atecc: invalid configuration")
)

// Device status codes carried in byte 1 of a four byte response.
const (
	StatusSuccess    uint8 = 0x00
	StatusMiscompare uint8 = 0x01
	StatusParse      uint8 = 0x03
	StatusECCFault   uint8 = 0x05
	StatusExecution  uint8 = 0x0F
	StatusAfterWake  uint8 = 0x11
	StatusWatchdog   uint8 = 0xEE
	StatusComm       uint8 = 0xFF
)

// DeviceError is a non-zero status reported by the secure element.
type DeviceError struct {
	Status uint8
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("atecc: device status 0x%02x (%s)", e.Status, statusText(e.Status))
}

// Is matches ErrDeviceStatus and any DeviceError with the same status.
func (e *DeviceError) Is(target error) bool {
	if target == ErrDeviceStatus {
		return true
	}
	var other *DeviceError
	if errors.As(target, &other) {
		return other.Status == e.Status
	}
	return false
}

// IsFatal reports whether err means the secure element can no longer be
// trusted to answer: the retry budget was spent or the bus itself failed.
// Device status codes and short responses returned after a completed
// transaction are not fatal on their own.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrBus)
}

// Status extracts the device status from err, if any.
func Status(err error) (uint8, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Status, true
	}
	return 0, false
}

func statusText(status uint8) string {
	switch status {
	case StatusSuccess:
		return "success"
	case StatusMiscompare:
		return "checkmac or verify miscompare"
	case StatusParse:
		return "parse error"
	case StatusECCFault:
		return "ecc fault"
	case StatusExecution:
		return "execution error"
	case StatusAfterWake:
		return "after wake"
	case StatusWatchdog:
		return "watchdog about to expire"
	case StatusComm:
		return "crc or communication error"
	default:
		return "unknown"
	}
}
