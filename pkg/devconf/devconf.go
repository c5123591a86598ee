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

// Package devconf persists the user-adjustable device settings as a
// CBOR blob in its own flash page.
package devconf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
)

// Version is the current blob layout.
const Version = 1

// headerSize is the big-endian blob length that precedes the blob.
const headerSize = 2

// erasedHeader marks a page that was never written.
const erasedHeader = 0xFFFF

var (
	// ErrCorrupt is returned when the page holds an undecodable blob.
	ErrCorrupt = errors.New("devconf: corrupt configuration")

	// ErrTooLarge is returned when the encoded blob does not fit its page.
	ErrTooLarge = errors.New("devconf: configuration too large")
)

// Settings are the persisted options.
type Settings struct {
	Version uint8 `cbor:"0,keyasint" json:"version"`

	// USBSerial exposes the chip serial as the USB serial string.
	USBSerial bool `cbor:"1,keyasint" json:"usb_serial"`

	// PressMillis is the hold time that registers a touch. Zero keeps
	// the built-in default.
	PressMillis uint16 `cbor:"2,keyasint,omitempty" json:"press_ms,omitempty"`
}

// Default returns the settings of an unconfigured device.
func Default() Settings {
	return Settings{Version: Version}
}

// MinPress returns the configured hold time, or def when unset.
func (s Settings) MinPress(def time.Duration) time.Duration {
	if s.PressMillis == 0 {
		return def
	}
	return time.Duration(s.PressMillis) * time.Millisecond
}

// Memory is the flash surface used here. *eeprom.Store implements it.
type Memory interface {
	Read(addr uint16, p []byte) error
	Write(addr uint16, p []byte) error
	Erase(addr uint16) error
}

// Store reads and rewrites the settings page.
type Store struct {
	mem Memory
}

// New returns a Store over mem.
func New(mem Memory) *Store {
	return &Store{mem: mem}
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Load returns the persisted settings, or Default when none were saved.
func (s *Store) Load() (Settings, error) {
	var hdr [headerSize]byte
	if err := s.mem.Read(eeprom.AddrDevConf, hdr[:]); err != nil {
		return Settings{}, fmt.Errorf("devconf: read header: %w", err)
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == erasedHeader {
		return Default(), nil
	}
	if int(n) > eeprom.DevConfSize-headerSize {
		return Settings{}, fmt.Errorf("%w: length %d", ErrCorrupt, n)
	}
	raw := make([]byte, n)
	if err := s.mem.Read(eeprom.AddrDevConf+headerSize, raw); err != nil {
		return Settings{}, fmt.Errorf("devconf: read blob: %w", err)
	}
	var out Settings
	if err := cbor.Unmarshal(raw, &out); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, nil
}

// Save erases the page and writes settings.
func (s *Store) Save(settings Settings) error {
	settings.Version = Version
	raw, err := encMode.Marshal(settings)
	if err != nil {
		return fmt.Errorf("devconf: encode: %w", err)
	}
	if len(raw) > eeprom.DevConfSize-headerSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, headerSize+len(raw)), uint16(len(raw)))
	buf = append(buf, raw...)
	if err := s.mem.Erase(eeprom.AddrDevConf); err != nil {
		return fmt.Errorf("devconf: erase: %w", err)
	}
	if err := s.mem.Write(eeprom.AddrDevConf, buf); err != nil {
		return fmt.Errorf("devconf: write: %w", err)
	}
	return nil
}

// Update loads the settings, applies fn and saves the result.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	cur, err := s.Load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return Settings{}, err
	}
	if err != nil {
		cur = Default()
	}
	fn(&cur)
	if err := s.Save(cur); err != nil {
		return Settings{}, err
	}
	return cur, nil
}
