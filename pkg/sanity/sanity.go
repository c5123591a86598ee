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

// Package sanity decides whether a device is safe to run in the field:
// its persisted secrets must be provisioned and no bench bypass may be
// enabled.
package sanity

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/features"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
)

// Report bits, as carried by the status command.
const (
	BitConstantsFilled uint8 = 1 << iota
	BitSecureStorage
	BitFakeTouch
	BitWatchdogDisabled
	BitSetupMode
)

// Memory reads persisted bytes. *eeprom.Store implements it.
type Memory interface {
	Read(addr uint16, p []byte) error
}

// Report is the outcome of a check.
type Report struct {
	ConstantsFilled  bool `json:"constants_filled"`
	SecureStorage    bool `json:"secure_storage"`
	FakeTouch        bool `json:"fake_touch"`
	WatchdogDisabled bool `json:"watchdog_disabled"`
	SetupMode        bool `json:"setup_mode"`
}

// Passed reports the overall verdict.
func (r Report) Passed() bool {
	return r.ConstantsFilled && r.SecureStorage && !r.FakeTouch && !r.WatchdogDisabled && !r.SetupMode
}

// Bits packs the report into one byte.
func (r Report) Bits() uint8 {
	var b uint8
	for _, f := range []struct {
		set bool
		bit uint8
	}{
		{r.ConstantsFilled, BitConstantsFilled},
		{r.SecureStorage, BitSecureStorage},
		{r.FakeTouch, BitFakeTouch},
		{r.WatchdogDisabled, BitWatchdogDisabled},
		{r.SetupMode, BitSetupMode},
	} {
		if f.set {
			b |= f.bit
		}
	}
	return b
}

// region is a persisted secret that must be provisioned.
type region struct {
	addr uint16
	size int
}

var regions = []region{
	{eeprom.AddrReadMask, eeprom.MaskSize},
	{eeprom.AddrWriteMask, eeprom.MaskSize},
	{eeprom.AddrConst, eeprom.ConstSize},
}

// Filled reports whether p is neither all 0x00 nor all 0xFF. Every byte
// is examined regardless of content.
func Filled(p []byte) bool {
	zeros, ones := 0, 0
	for _, b := range p {
		zeros += subtle.ConstantTimeByteEq(b, 0x00)
		ones += subtle.ConstantTimeByteEq(b, 0xFF)
	}
	return subtle.ConstantTimeEq(int32(zeros), int32(len(p)))|
		subtle.ConstantTimeEq(int32(ones), int32(len(p))) == 0
}

// Check inspects the persisted secrets and the capability flags. Every
// region is read and scanned even after one fails.
func Check(mem Memory, flags features.Flags) (r Report, err error) {
	defer func(start time.Time) {
		metrics.Observe(metrics.OpSanity, start, err)
		metrics.SetSanity(err == nil && r.Passed())
	}(time.Now())

	filled := 1
	buf := make([]byte, eeprom.MaskSize)
	defer clear(buf)
	for _, reg := range regions {
		p := buf[:reg.size]
		if rerr := mem.Read(reg.addr, p); rerr != nil && err == nil {
			err = fmt.Errorf("sanity: read 0x%04x: %w", reg.addr, rerr)
		}
		if !Filled(p) {
			filled = 0
		}
	}

	r = Report{
		ConstantsFilled:  filled == 1 && err == nil,
		SecureStorage:    flags.SecureStorage,
		FakeTouch:        flags.FakeTouch,
		WatchdogDisabled: flags.WatchdogDisabled,
		SetupMode:        flags.SetupMode,
	}
	return r, err
}
