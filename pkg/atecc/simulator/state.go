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

package simulator

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/storage"
)

// StateKey is the storage key of the persisted chip image.
const StateKey = "atecc/state"

// image is the non-volatile part of the device. TempKey and the SHA
// context are volatile and never persisted.
type image struct {
	Config   []byte   `cbor:"1,keyasint"`
	OTP      []byte   `cbor:"2,keyasint"`
	Slots    [][]byte `cbor:"3,keyasint"`
	Counters []uint32 `cbor:"4,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func (d *Device) load() error {
	raw, err := d.store.Get(StateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("simulator: load state: %w", err)
	}
	var img image
	if err := cbor.Unmarshal(raw, &img); err != nil {
		return fmt.Errorf("simulator: decode state: %w", err)
	}
	if len(img.Config) != atecc.ConfigZoneSize || len(img.OTP) != otpSize ||
		len(img.Slots) != atecc.NumSlots || len(img.Counters) != len(d.counters) {
		return fmt.Errorf("simulator: state image has wrong shape")
	}
	for i, s := range img.Slots {
		if len(s) != slotSize(i) {
			return fmt.Errorf("simulator: slot %d image is %d bytes", i, len(s))
		}
	}
	copy(d.config[:], img.Config)
	copy(d.otp[:], img.OTP)
	for i, s := range img.Slots {
		copy(d.slots[i], s)
	}
	copy(d.counters[:], img.Counters)
	return nil
}

// persist writes the image after a command. Failures are logged; the
// volatile state remains authoritative. Caller holds d.mu.
func (d *Device) persist() {
	if d.store == nil {
		return
	}
	img := image{
		Config:   d.config[:],
		OTP:      d.otp[:],
		Slots:    d.slots[:],
		Counters: d.counters[:],
	}
	raw, err := encMode.Marshal(img)
	if err != nil {
		d.logger.Warn("simulator: encode state", "error", err)
		return
	}
	if err := d.store.Put(StateKey, raw, nil); err != nil {
		d.logger.Warn("simulator: persist state", "error", err)
	}
}
