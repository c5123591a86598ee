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
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/storage"
)

func newConn(t *testing.T, d *Device) *atecc.Conn {
	t.Helper()
	conn, err := atecc.New(d, &atecc.Config{
		Logger: logging.Discard(),
		Sleep:  func(time.Duration) {},
	})
	require.NoError(t, err)
	return conn
}

func newDevice(t *testing.T) (*Device, *atecc.Conn) {
	t.Helper()
	d, err := New(&Options{Seed: []byte("simulator test seed")})
	require.NoError(t, err)
	return d, newConn(t, d)
}

// setPolicy writes slot and key configs the way provisioning does.
func setPolicy(t *testing.T, conn *atecc.Conn, slot uint8, slotCfg, keyCfg [2]byte) {
	t.Helper()
	ctx := context.Background()
	word, off := atecc.SlotConfigWord(slot)
	require.NoError(t, conn.WriteConfig(ctx, word, off, slotCfg[:]))
	word, off = atecc.KeyConfigWord(slot)
	require.NoError(t, conn.WriteConfig(ctx, word, off, keyCfg[:]))
}

func lockAll(t *testing.T, conn *atecc.Conn) {
	t.Helper()
	ctx := context.Background()
	zone, err := conn.ReadConfigZone(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Lock(ctx, atecc.LockConfig, atecc.CRC16(zone)))
	require.NoError(t, conn.Lock(ctx, atecc.LockDataOTP|atecc.LockNoCRC, 0))
}

func sessionKey(writeKey []byte) []byte {
	h := sha256.New()
	h.Write(writeKey)
	h.Write([]byte{atecc.OpGenDig, atecc.ZoneData, atecc.SlotWriteKey, 0x00, atecc.SN8, atecc.SN0, atecc.SN1})
	h.Write(make([]byte, 25))
	h.Write(make([]byte, 32))
	return h.Sum(nil)
}

func TestInfo(t *testing.T) {
	_, conn := newDevice(t)
	rev, err := conn.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x50, 0x00}, rev)
}

func TestRandomBeforeAndAfterLock(t *testing.T) {
	_, conn := newDevice(t)
	ctx := context.Background()

	r, err := conn.Random(ctx)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF, 0xFF, 0x00, 0x00}, 8), r)

	lockAll(t, conn)
	a, err := conn.Random(ctx)
	require.NoError(t, err)
	b, err := conn.Random(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSeededRandomIsDeterministic(t *testing.T) {
	ctx := context.Background()
	out := make([][]byte, 2)
	for i := range out {
		_, conn := newDevice(t)
		lockAll(t, conn)
		r, err := conn.Random(ctx)
		require.NoError(t, err)
		out[i] = r
	}
	assert.Equal(t, out[0], out[1])
}

func TestSerialOverride(t *testing.T) {
	sn := []byte{0x01, 0x23, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0xEE}
	d, err := New(&Options{Serial: sn})
	require.NoError(t, err)
	got, err := newConn(t, d).ReadSerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sn, got)

	_, err = New(&Options{Serial: []byte{0x00}})
	assert.ErrorIs(t, err, ErrSerial)
}

func TestConfigLock(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	err := conn.Lock(ctx, atecc.LockConfig, 0x1234)
	status, ok := atecc.Status(err)
	require.True(t, ok, "err = %v", err)
	assert.Equal(t, atecc.StatusMiscompare, status)
	assert.ErrorIs(t, err, atecc.ErrRetriesExhausted)

	// Data cannot lock before config.
	err = conn.Lock(ctx, atecc.LockDataOTP|atecc.LockNoCRC, 0)
	status, _ = atecc.Status(err)
	assert.Equal(t, atecc.StatusExecution, status)

	lockAll(t, conn)
	configLocked, dataLocked, err := conn.LockState(ctx)
	require.NoError(t, err)
	assert.True(t, configLocked)
	assert.True(t, dataLocked)
	cfg, data := d.Locked()
	assert.True(t, cfg)
	assert.True(t, data)

	err = conn.WriteConfig(ctx, 5, 0, []byte{1, 2, 3, 4})
	status, _ = atecc.Status(err)
	assert.Equal(t, atecc.StatusExecution, status)
}

func TestConfigWritePreservesReadOnlyBytes(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	err := conn.Write(ctx, atecc.ZoneConfig, 0, []byte{0, 0, 0, 0})
	status, _ := atecc.Status(err)
	assert.Equal(t, atecc.StatusParse, status)

	require.NoError(t, conn.Write(ctx, atecc.ZoneConfig, 21, []byte{1, 2, 0, 0}))
	zone := d.ConfigZone()
	assert.Equal(t, []byte{0x00, 0x00, 0x55, 0x55}, zone[84:88])
}

func TestHMACMatchesSoftware(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	key := bytes.Repeat([]byte{0x42}, 32)
	require.NoError(t, conn.Write(ctx, atecc.ZoneData|atecc.ZoneExtended, atecc.SlotAddress(atecc.SlotDeviceKey), key))

	block := bytes.Repeat([]byte{0x07}, 64)
	tail := []byte("tail")
	_, err := conn.SHA(ctx, atecc.SHAHMACStart, uint16(atecc.SlotDeviceKey), nil)
	require.NoError(t, err)
	_, err = conn.SHA(ctx, atecc.SHAUpdate, 64, block)
	require.NoError(t, err)
	sum, err := conn.SHA(ctx, atecc.SHAHMACEnd, uint16(len(tail)), tail)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, key)
	mac.Write(block)
	mac.Write(tail)
	assert.Equal(t, mac.Sum(nil), sum)

	temp, valid := d.TempKey()
	assert.True(t, valid)
	assert.Equal(t, sum, temp)
}

func TestSHAModeMismatch(t *testing.T) {
	_, conn := newDevice(t)
	ctx := context.Background()

	_, err := conn.SHA(ctx, atecc.SHAStart, 0, nil)
	require.NoError(t, err)
	_, err = conn.SHA(ctx, atecc.SHAHMACEnd, 0, nil)
	status, _ := atecc.Status(err)
	assert.Equal(t, atecc.StatusExecution, status)
}

func TestPrivWriteVerifiesMAC(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	setPolicy(t, conn, atecc.SlotTemp, [2]byte{0x83, 0x71}, [2]byte{0x13, 0x00})
	writeKey := bytes.Repeat([]byte{0x5A}, 32)
	require.NoError(t, conn.Write(ctx, atecc.ZoneData|atecc.ZoneExtended, atecc.SlotAddress(atecc.SlotWriteKey), writeKey))
	lockAll(t, conn)

	session := sessionKey(writeKey)
	pad := sha256.Sum256(session)
	mask := append(append([]byte(nil), session...), pad[:4]...)

	key := make([]byte, 36)
	copy(key[4:], bytes.Repeat([]byte{0x11}, 32))

	h := sha256.New()
	h.Write(session)
	h.Write([]byte{atecc.OpPrivWrite, atecc.PrivWriteEncrypted, atecc.SlotTemp, 0x00, atecc.SN8, atecc.SN0, atecc.SN1})
	h.Write(make([]byte, 21))
	h.Write(key)
	mac := h.Sum(nil)

	payload := make([]byte, 68)
	subtle.XORBytes(payload[:36], key, mask)
	copy(payload[36:], mac)

	prep := func() {
		_, err := conn.Nonce(ctx, atecc.NoncePassThrough, make([]byte, 32))
		require.NoError(t, err)
		require.NoError(t, conn.GenDig(ctx, atecc.ZoneData, atecc.SlotWriteKey))
	}

	prep()
	require.NoError(t, conn.PrivWrite(ctx, atecc.SlotTemp, payload))
	assert.Equal(t, key, d.SlotData(int(atecc.SlotTemp))[:36])

	_, valid := d.TempKey()
	assert.False(t, valid, "privwrite consumes the session key")

	strict, err := atecc.New(d, &atecc.Config{
		ReceiveAttempts: 1,
		Logger:          logging.Discard(),
		Sleep:           func(time.Duration) {},
	})
	require.NoError(t, err)

	bad := append([]byte(nil), payload...)
	bad[67] ^= 0x01
	prep()
	err = strict.PrivWrite(ctx, atecc.SlotTemp, bad)
	status, _ := atecc.Status(err)
	assert.Equal(t, atecc.StatusMiscompare, status)
}

func TestEncryptedWriteAfterLock(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	setPolicy(t, conn, atecc.SlotDeviceKey, [2]byte{0x83, 0x71}, [2]byte{0x3C, 0x00})
	writeKey := bytes.Repeat([]byte{0x33}, 32)
	require.NoError(t, conn.Write(ctx, atecc.ZoneData|atecc.ZoneExtended, atecc.SlotAddress(atecc.SlotWriteKey), writeKey))
	lockAll(t, conn)

	data := bytes.Repeat([]byte{0xC3}, 32)
	addr := atecc.SlotAddress(atecc.SlotDeviceKey)

	// Clear writes are refused once the slot requires encryption.
	err := conn.Write(ctx, atecc.ZoneData|atecc.ZoneExtended, addr, data)
	status, _ := atecc.Status(err)
	assert.Equal(t, atecc.StatusParse, status)

	session := sessionKey(writeKey)
	h := sha256.New()
	h.Write(session)
	h.Write([]byte{atecc.OpWrite, atecc.ZoneData | atecc.ZoneExtended, byte(addr), 0x00, atecc.SN8, atecc.SN0, atecc.SN1})
	h.Write(make([]byte, 25))
	h.Write(data)

	payload := make([]byte, 64)
	subtle.XORBytes(payload[:32], data, session)
	copy(payload[32:], h.Sum(nil))

	_, err = conn.Nonce(ctx, atecc.NoncePassThrough, make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, conn.GenDig(ctx, atecc.ZoneData, atecc.SlotWriteKey))
	require.NoError(t, conn.Write(ctx, atecc.ZoneData|atecc.ZoneExtended, addr, payload))
	assert.Equal(t, data, d.SlotData(int(atecc.SlotDeviceKey))[:32])

	// Secret slots cannot be read back.
	_, err = conn.Read(ctx, atecc.ZoneData|atecc.ZoneExtended, addr)
	status, _ = atecc.Status(err)
	assert.Equal(t, atecc.StatusExecution, status)
}

func TestGenKeyAndSign(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	setPolicy(t, conn, atecc.SlotTemp, [2]byte{0x83, 0x71}, [2]byte{0x13, 0x00})
	lockAll(t, conn)

	_, err := conn.GenKey(ctx, atecc.GenKeyPrivate, atecc.SlotTemp)
	require.NoError(t, err)
	pub, err := conn.GenKey(ctx, atecc.GenKeyPublic, atecc.SlotTemp)
	require.NoError(t, err)
	require.Len(t, pub, 64)

	digest := sha256.Sum256([]byte("challenge"))
	_, err = conn.Nonce(ctx, atecc.NoncePassThrough, digest[:])
	require.NoError(t, err)
	sig, err := conn.Sign(ctx, atecc.SignExternal, atecc.SlotTemp)
	require.NoError(t, err)

	key := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(pub[:32]),
		Y:     new(big.Int).SetBytes(pub[32:]),
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	assert.True(t, ecdsa.Verify(key, digest[:], r, s))

	// TempKey is consumed by Sign.
	_, valid := d.TempKey()
	assert.False(t, valid)
	_, err = conn.Sign(ctx, atecc.SignExternal, atecc.SlotTemp)
	status, _ := atecc.Status(err)
	assert.Equal(t, atecc.StatusExecution, status)
}

func TestGenKeyRejectsPublicSlot(t *testing.T) {
	_, conn := newDevice(t)
	_, err := conn.GenKey(context.Background(), atecc.GenKeyPrivate, 3)
	status, _ := atecc.Status(err)
	assert.Equal(t, atecc.StatusExecution, status)
}

func TestCounter(t *testing.T) {
	_, conn := newDevice(t)
	ctx := context.Background()

	for want := uint32(1); want <= 3; want++ {
		got, err := conn.Counter(ctx, atecc.CounterIncrement, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := conn.Counter(ctx, atecc.CounterRead, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got)

	other, err := conn.Counter(ctx, atecc.CounterRead, 1)
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestSleepClearsTempKey(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	_, err := conn.Nonce(ctx, atecc.NoncePassThrough, bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	_, valid := d.TempKey()
	assert.True(t, valid, "idle keeps TempKey")

	require.NoError(t, conn.Wake())
	require.NoError(t, conn.Sleep())
	_, valid = d.TempKey()
	assert.False(t, valid)
}

func TestFaultRecovery(t *testing.T) {
	tests := []struct {
		name  string
		fault Fault
	}{
		{"nack on write", Fault{Opcode: atecc.OpRandom, Kind: FaultNACKWrite, Times: 3}},
		{"busy", Fault{Opcode: atecc.OpRandom, Kind: FaultBusy, Count: 4}},
		{"corrupt crc", Fault{Opcode: atecc.OpRandom, Kind: FaultCorruptCRC}},
		{"truncated", Fault{Opcode: atecc.OpRandom, Kind: FaultTruncate}},
		{"watchdog", Fault{Opcode: atecc.OpRandom, Kind: FaultStatus, Status: atecc.StatusWatchdog}},
		{"after wake", Fault{Opcode: AnyOpcode, Kind: FaultStatus, Status: atecc.StatusAfterWake}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, conn := newDevice(t)
			d.InjectFault(tt.fault)

			r, err := conn.Random(context.Background())
			require.NoError(t, err)
			assert.Len(t, r, 32)
		})
	}
}

func TestClearFaults(t *testing.T) {
	d, conn := newDevice(t)
	d.InjectFault(Fault{Kind: FaultStatus, Status: atecc.StatusExecution, Times: 100})
	d.ClearFaults()
	_, err := conn.Info(context.Background())
	assert.NoError(t, err)
}

func TestCommandLog(t *testing.T) {
	d, conn := newDevice(t)
	ctx := context.Background()

	_, err := conn.Info(ctx)
	require.NoError(t, err)
	_, err = conn.Counter(ctx, atecc.CounterRead, 0)
	require.NoError(t, err)

	log := d.CommandLog()
	require.Len(t, log, 2)
	assert.Equal(t, atecc.OpInfo, log[0].Opcode)
	assert.Equal(t, 1, d.Commands(atecc.OpCounter))

	d.ResetLog()
	assert.Empty(t, d.CommandLog())
	assert.Zero(t, d.Commands(atecc.OpInfo))
}

func TestReadNACKWhenAsleep(t *testing.T) {
	d, _ := newDevice(t)
	_, err := d.Read(make([]byte, 8))
	assert.ErrorIs(t, err, atecc.ErrNACK)
	assert.ErrorIs(t, d.Write([]byte{atecc.WordAddressCommand}), atecc.ErrNACK)
}

func TestPersistence(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	d, err := New(&Options{Store: store})
	require.NoError(t, err)
	conn := newConn(t, d)
	lockAll(t, conn)
	_, err = conn.Counter(ctx, atecc.CounterIncrement, 0)
	require.NoError(t, err)

	reopened, err := New(&Options{Store: store})
	require.NoError(t, err)
	cfg, data := reopened.Locked()
	assert.True(t, cfg)
	assert.True(t, data)
	count, err := newConn(t, reopened).Counter(ctx, atecc.CounterRead, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
}

func TestPersistenceRejectsCorruptImage(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Put(StateKey, []byte{0xFF, 0x00}, nil))
	_, err := New(&Options{Store: store})
	assert.Error(t, err)
}
