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

package mask_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-u2fzero/internal/testutil"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc/simulator"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/mask"
)

func newEngine(t *testing.T) (*mask.Engine, *testutil.Rig) {
	t.Helper()
	rig := testutil.NewConfiguredRig(t)
	return mask.New(rig.Conn, rig.Flash, nil), rig
}

func TestGenerateWriteMaskMatchesSessionKey(t *testing.T) {
	e, rig := newEngine(t)
	ctx := context.Background()

	m, err := e.Generate(ctx, mask.Write)
	require.NoError(t, err)
	require.Len(t, m, mask.GeneratedSize)

	writeKey := rig.Device.SlotData(int(atecc.SlotWriteKey))[:32]
	h := sha256.New()
	h.Write(writeKey)
	h.Write([]byte{atecc.OpGenDig, atecc.ZoneData, atecc.SlotWriteKey, 0x00, atecc.SN8, atecc.SN0, atecc.SN1})
	h.Write(make([]byte, 57))
	session := h.Sum(nil)
	tail := sha256.Sum256(session)

	assert.Equal(t, session, m[:32])
	assert.Equal(t, tail[:8], m[32:])
}

func TestGenerateReadMaskLeavesWriteKey(t *testing.T) {
	e, rig := newEngine(t)
	before := rig.Device.SlotData(int(atecc.SlotWriteKey))

	m, err := e.Generate(context.Background(), mask.Read)
	require.NoError(t, err)
	assert.Len(t, m, mask.GeneratedSize)
	assert.Equal(t, before, rig.Device.SlotData(int(atecc.SlotWriteKey)))
}

func TestGenerateRandomFailure(t *testing.T) {
	e, rig := newEngine(t)
	rig.Device.InjectFault(simulator.Fault{
		Opcode: atecc.OpRandom,
		Kind:   simulator.FaultStatus,
		Status: atecc.StatusExecution,
		Times:  atecc.DefaultReceiveAttempts,
	})
	_, err := e.Generate(context.Background(), mask.Write)
	assert.ErrorIs(t, err, atecc.ErrRetriesExhausted)
}

func TestRotatePersists(t *testing.T) {
	e, rig := newEngine(t)

	persisted, err := e.Rotate(context.Background(), mask.Read)
	require.NoError(t, err)
	require.Len(t, persisted, eeprom.MaskSize)

	stored := make([]byte, eeprom.MaskSize)
	require.NoError(t, rig.Flash.Read(eeprom.AddrReadMask, stored))
	assert.Equal(t, persisted, stored)

	loaded, err := e.Load(mask.Read)
	require.NoError(t, err)
	assert.Equal(t, persisted, loaded)
}

type failingFlash struct {
	mask.Memory
	err error
}

func (f failingFlash) Replace(uint16, []byte) error {
	return f.err
}

func TestRotateWriteMaskPersistFailureKeepsWriteKey(t *testing.T) {
	rig := testutil.NewConfiguredRig(t)
	flashErr := errors.New("flash erase failed")
	e := mask.New(rig.Conn, failingFlash{Memory: rig.Flash, err: flashErr}, nil)
	before := rig.Device.SlotData(int(atecc.SlotWriteKey))
	rig.Device.ResetLog()

	_, err := e.Rotate(context.Background(), mask.Write)
	require.ErrorIs(t, err, flashErr)
	assert.Zero(t, rig.Device.Commands(atecc.OpWrite))
	assert.Equal(t, before, rig.Device.SlotData(int(atecc.SlotWriteKey)))
}

func TestRotateWriteMaskPairsFlashAndSlot(t *testing.T) {
	e, rig := newEngine(t)
	ctx := context.Background()

	persisted, err := e.Rotate(ctx, mask.Write)
	require.NoError(t, err)

	writeKey := rig.Device.SlotData(int(atecc.SlotWriteKey))[:32]
	h := sha256.New()
	h.Write(writeKey)
	h.Write([]byte{atecc.OpGenDig, atecc.ZoneData, atecc.SlotWriteKey, 0x00, atecc.SN8, atecc.SN0, atecc.SN1})
	h.Write(make([]byte, 57))
	session := h.Sum(nil)
	assert.Equal(t, session, persisted[:32])
}

func TestWriteKeyRoundTripsThroughDevice(t *testing.T) {
	e, rig := newEngine(t)
	ctx := context.Background()

	_, err := e.Rotate(ctx, mask.Write)
	require.NoError(t, err)

	scalar := bytes.Repeat([]byte{0x2B}, 32)
	require.NoError(t, e.WriteKey(ctx, atecc.SlotAttestation, scalar))

	slot := rig.Device.SlotData(int(atecc.SlotAttestation))
	assert.Equal(t, make([]byte, 4), slot[:4])
	assert.Equal(t, scalar, slot[4:36])
}

func TestWriteKeyWithStaleMaskFails(t *testing.T) {
	e, _ := newEngine(t)
	// The write mask was never generated; flash reads erased.
	err := e.WriteKey(context.Background(), atecc.SlotTemp, bytes.Repeat([]byte{1}, 32))
	assert.Error(t, err)
}

func TestEncryptedWrite(t *testing.T) {
	e, rig := newEngine(t)
	ctx := context.Background()

	_, err := e.Rotate(ctx, mask.Write)
	require.NoError(t, err)

	secret := bytes.Repeat([]byte{0x77}, 32)
	require.NoError(t, e.EncryptedWrite(ctx, atecc.SlotDeviceKey, secret))
	assert.Equal(t, secret, rig.Device.SlotData(int(atecc.SlotDeviceKey))[:32])
}

func TestApplyIsInvolution(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.Rotate(ctx, mask.Read)
	require.NoError(t, err)

	secret := bytes.Repeat([]byte{0xA1}, eeprom.MaskSize)
	buf := append([]byte(nil), secret...)
	require.NoError(t, e.Apply(mask.Read, buf))
	assert.NotEqual(t, secret, buf)
	require.NoError(t, e.Apply(mask.Read, buf))
	assert.Equal(t, secret, buf)

	assert.Error(t, e.Apply(mask.Read, make([]byte, eeprom.MaskSize+1)))
}

func TestHashInputValidation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.KeyHash(ctx, make([]byte, 32), atecc.SlotTemp)
	assert.Error(t, err)
	_, err = e.WriteHash(ctx, make([]byte, 36), atecc.SlotAddress(atecc.SlotDeviceKey))
	assert.Error(t, err)
	assert.Error(t, e.PrivWrite(ctx, atecc.SlotTemp, make([]byte, 36), make([]byte, 8)))
	assert.Error(t, e.WriteKey(ctx, atecc.SlotTemp, make([]byte, 31)))
}

func TestXor(t *testing.T) {
	a := []byte{0xF0, 0x0F, 0xAA}
	b := []byte{0xFF, 0xFF}
	dst := make([]byte, 3)
	n := mask.Xor(dst, a, b)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0x0F, 0xF0, 0x00}, dst)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "write", mask.Write.String())
	assert.Equal(t, "read", mask.Read.String())
}
