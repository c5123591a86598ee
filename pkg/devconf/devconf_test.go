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

package devconf_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-u2fzero/pkg/devconf"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/storage"
)

func newStore(t *testing.T) (*devconf.Store, *eeprom.Store) {
	t.Helper()
	flash, err := eeprom.New(storage.NewMemory())
	require.NoError(t, err)
	return devconf.New(flash), flash
}

func TestLoadErasedPageReturnsDefault(t *testing.T) {
	s, _ := newStore(t)
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, devconf.Default(), got)
	assert.False(t, got.USBSerial)
}

func TestSaveAndLoad(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Save(devconf.Settings{USBSerial: true, PressMillis: 900}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint8(devconf.Version), got.Version)
	assert.True(t, got.USBSerial)
	assert.Equal(t, 900*time.Millisecond, got.MinPress(time.Second))
}

func TestSaveOverwrites(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Save(devconf.Settings{USBSerial: true}))
	require.NoError(t, s.Save(devconf.Settings{USBSerial: false}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.False(t, got.USBSerial)
	assert.Equal(t, 750*time.Millisecond, got.MinPress(750*time.Millisecond))
}

func TestUpdate(t *testing.T) {
	s, _ := newStore(t)
	got, err := s.Update(func(c *devconf.Settings) { c.USBSerial = true })
	require.NoError(t, err)
	assert.True(t, got.USBSerial)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, got, loaded)
}

func TestCorruptBlob(t *testing.T) {
	s, flash := newStore(t)
	require.NoError(t, flash.Write(eeprom.AddrDevConf, []byte{0x00, 0x02, 0xFF, 0xFF}))

	_, err := s.Load()
	assert.ErrorIs(t, err, devconf.ErrCorrupt)

	got, err := s.Update(func(c *devconf.Settings) { c.PressMillis = 1000 })
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), got.PressMillis)
}

func TestOversizedLength(t *testing.T) {
	s, flash := newStore(t)
	require.NoError(t, flash.Write(eeprom.AddrDevConf, []byte{0x7F, 0xFF}))
	_, err := s.Load()
	assert.ErrorIs(t, err, devconf.ErrCorrupt)
}
