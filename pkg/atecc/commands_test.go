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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeWrite(t *testing.T, w []byte) Command {
	t.Helper()
	require.NotEmpty(t, w)
	require.Equal(t, WordAddressCommand, w[0])
	cmd, err := DecodeCommand(w[1:])
	require.NoError(t, err)
	return cmd
}

func TestRandomReturnsCopy(t *testing.T) {
	random := bytes.Repeat([]byte{0xA5}, 32)
	bus := NewMockBus().QueueRead(EncodeResponse(random))
	conn, _ := newTestConn(t, bus)

	got, err := conn.Random(context.Background())
	require.NoError(t, err)
	assert.Equal(t, random, got)

	cmd := decodeWrite(t, bus.commandWrites()[0])
	assert.Equal(t, OpRandom, cmd.Opcode)
	assert.Zero(t, cmd.Param1)
	assert.Zero(t, cmd.Param2)
}

func TestRandomShortResponse(t *testing.T) {
	bus := NewMockBus().QueueRead(StatusResponse(StatusSuccess))
	conn, _ := newTestConn(t, bus)

	_, err := conn.Random(context.Background())
	assert.ErrorIs(t, err, ErrShortResponse)
}

func TestWriteConfigPartialWord(t *testing.T) {
	bus := NewMockBus().
		QueueRead(EncodeResponse([]byte{0x11, 0x22, 0x33, 0x44})).
		QueueRead(StatusResponse(StatusSuccess))
	conn, _ := newTestConn(t, bus)

	require.NoError(t, conn.WriteConfig(context.Background(), 8, 2, []byte{0xC1, 0x71}))

	writes := bus.commandWrites()
	require.Len(t, writes, 2)
	read := decodeWrite(t, writes[0])
	assert.Equal(t, OpRead, read.Opcode)
	assert.Equal(t, ZoneConfig, read.Param1)
	assert.Equal(t, uint16(8), read.Param2)

	write := decodeWrite(t, writes[1])
	assert.Equal(t, OpWrite, write.Opcode)
	assert.Equal(t, uint16(8), write.Param2)
	assert.Equal(t, []byte{0x11, 0x22, 0xC1, 0x71}, write.Data)
}

func TestWriteConfigFullWordSkipsRead(t *testing.T) {
	bus := NewMockBus().QueueRead(StatusResponse(StatusSuccess))
	conn, _ := newTestConn(t, bus)

	require.NoError(t, conn.WriteConfig(context.Background(), 5, 0, []byte{1, 2, 3, 4}))
	assert.Len(t, bus.commandWrites(), 1)
}

func TestWriteConfigRejectsWordCrossing(t *testing.T) {
	conn, _ := newTestConn(t, NewMockBus())
	assert.Error(t, conn.WriteConfig(context.Background(), 5, 3, []byte{1, 2}))
}

func TestReadConfigZone(t *testing.T) {
	bus := NewMockBus()
	for i := 0; i < 4; i++ {
		bus.QueueRead(EncodeResponse(bytes.Repeat([]byte{byte(i)}, 32)))
	}
	conn, _ := newTestConn(t, bus)

	zone, err := conn.ReadConfigZone(context.Background())
	require.NoError(t, err)
	require.Len(t, zone, ConfigZoneSize)
	assert.Equal(t, byte(3), zone[127])

	for i, w := range bus.commandWrites() {
		cmd := decodeWrite(t, w)
		assert.Equal(t, ZoneConfig|ZoneExtended, cmd.Param1)
		assert.Equal(t, uint16(i)<<3, cmd.Param2)
	}
}

func TestReadSerial(t *testing.T) {
	block := make([]byte, 32)
	copy(block, []byte{0x01, 0x23, 0x6d, 0x10, 0x00, 0x00, 0x50, 0x00, 0xd7, 0x2c, 0xa5, 0x71, 0xee})
	bus := NewMockBus().QueueRead(EncodeResponse(block))
	conn, _ := newTestConn(t, bus)

	sn, err := conn.ReadSerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x23, 0x6d, 0x10, 0xd7, 0x2c, 0xa5, 0x71, 0xee}, sn)
}

func TestLockState(t *testing.T) {
	tests := []struct {
		name   string
		word   []byte
		config bool
		data   bool
	}{
		{"factory", []byte{0x00, 0x00, 0x55, 0x55}, false, false},
		{"config locked", []byte{0x00, 0x00, 0x55, 0x00}, true, false},
		{"both locked", []byte{0x00, 0x00, 0x00, 0x00}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewMockBus().QueueRead(EncodeResponse(tt.word))
			conn, _ := newTestConn(t, bus)

			config, data, err := conn.LockState(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.config, config)
			assert.Equal(t, tt.data, data)
			assert.Equal(t, uint16(ConfigLockValue/WordSize), decodeWrite(t, bus.commandWrites()[0]).Param2)
		})
	}
}

func TestCounterLittleEndian(t *testing.T) {
	bus := NewMockBus().QueueRead(EncodeResponse([]byte{0x02, 0x01, 0x00, 0x00}))
	conn, _ := newTestConn(t, bus)

	v, err := conn.Counter(context.Background(), CounterIncrement, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0102), v)
}

func TestPrivWriteLength(t *testing.T) {
	conn, _ := newTestConn(t, NewMockBus())
	assert.Error(t, conn.PrivWrite(context.Background(), SlotTemp, make([]byte, 10)))
}

func TestSHAModes(t *testing.T) {
	digest := bytes.Repeat([]byte{0x5C}, 32)
	bus := NewMockBus().
		QueueRead(StatusResponse(StatusSuccess)).
		QueueRead(EncodeResponse(digest))
	conn, _ := newTestConn(t, bus)

	out, err := conn.SHA(context.Background(), SHAStart, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = conn.SHA(context.Background(), SHAEnd, 3, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, digest, out)
}

func TestSignAndGenKey(t *testing.T) {
	bus := NewMockBus().
		QueueRead(EncodeResponse(bytes.Repeat([]byte{1}, 64))).
		QueueRead(EncodeResponse(bytes.Repeat([]byte{2}, 64)))
	conn, _ := newTestConn(t, bus)

	pub, err := conn.GenKey(context.Background(), GenKeyPublic, SlotTemp)
	require.NoError(t, err)
	assert.Len(t, pub, PublicKeySize)

	sig, err := conn.Sign(context.Background(), SignExternal, SlotAttestation)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)

	cmd := decodeWrite(t, bus.commandWrites()[1])
	assert.Equal(t, OpSign, cmd.Opcode)
	assert.Equal(t, SignExternal, cmd.Param1)
	assert.Equal(t, uint16(SlotAttestation), cmd.Param2)
}
