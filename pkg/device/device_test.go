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

package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-u2fzero/internal/testutil"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc/simulator"
	"github.com/jeremyhahn/go-u2fzero/pkg/custom"
	"github.com/jeremyhahn/go-u2fzero/pkg/devconf"
	"github.com/jeremyhahn/go-u2fzero/pkg/device"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/features"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/mask"
	"github.com/jeremyhahn/go-u2fzero/pkg/presence"
	"github.com/jeremyhahn/go-u2fzero/pkg/provision"
)

const chipSerial = "01236D1000005000D72CA571EE"

type fixture struct {
	rig      *testutil.Rig
	core     *device.Core
	settings *devconf.Store
	restarts int
}

func newFixture(t *testing.T, flags features.Flags, restart error) *fixture {
	t.Helper()
	f := &fixture{rig: testutil.NewConfiguredRig(t)}
	logger := logging.Discard()
	masks := mask.New(f.rig.Conn, f.rig.Flash, logger)
	prov := provision.New(f.rig.Conn, masks, f.rig.Flash, &provision.Config{Features: flags, Logger: logger})

	cfg := presence.Config{FakeTouch: true, Logger: logger}
	waiter, err := presence.NewWaiter(presence.NewTracker(presence.ButtonFunc(func() bool { return false }), cfg), nil, nil, cfg)
	require.NoError(t, err)

	f.settings = devconf.New(f.rig.Flash)
	handler, err := custom.New(f.rig.Conn, &custom.Config{
		Features: flags,
		Presence: waiter,
		Factory:  prov,
		Settings: f.settings,
		Logger:   logger,
	})
	require.NoError(t, err)

	f.core, err = device.New(f.rig.Conn, f.rig.Flash, &device.Config{
		Features:    flags,
		Custom:      handler,
		Provisioner: prov,
		Settings:    f.settings,
		Restart: func(context.Context) error {
			f.restarts++
			return restart
		},
		Logger: logger,
	})
	require.NoError(t, err)
	return f
}

func TestNewValidates(t *testing.T) {
	rig := testutil.NewRig(t)
	_, err := device.New(nil, rig.Flash, &device.Config{})
	assert.ErrorIs(t, err, device.ErrInvalidConfig)
	_, err = device.New(rig.Conn, rig.Flash, &device.Config{Features: features.Flags{SetupMode: true}})
	assert.ErrorIs(t, err, device.ErrInvalidConfig)
}

func TestStartStoresChipSerial(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	require.NoError(t, f.core.Start(context.Background()))

	raw := make([]byte, eeprom.SerialSize)
	require.NoError(t, f.rig.Flash.Read(eeprom.AddrSerial, raw))
	assert.Equal(t, f.rig.Device.ConfigZone()[:eeprom.SerialSize], raw)

	assert.Empty(t, f.core.Serial())
	require.NoError(t, f.settings.Save(devconf.Settings{USBSerial: true}))
	assert.Equal(t, chipSerial, f.core.Serial())
	assert.Len(t, f.core.Serial(), 2*eeprom.SerialSize)
}

func TestStartKeepsStoredSerial(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	stored := []byte{0xAB, 0xCD, 0xEF, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.NoError(t, f.rig.Flash.Write(eeprom.AddrSerial, stored))
	require.NoError(t, f.settings.Save(devconf.Settings{USBSerial: true}))
	f.rig.Device.ResetLog()

	require.NoError(t, f.core.Start(context.Background()))
	assert.Zero(t, f.rig.Device.Commands(atecc.OpRead))
	assert.Equal(t, "ABCDEF0102030405060708090A", f.core.Serial())
}

func TestStartFailureHalts(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.core.Start(ctx)
	assert.ErrorIs(t, err, device.ErrHalted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, f.core.Err(), device.ErrHalted)
}

func TestRoutesCustomCommands(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	r, err := f.core.Handle(context.Background(), device.Message{Cmd: custom.CmdRNG})
	require.NoError(t, err)
	assert.Equal(t, custom.CmdRNG, r.Cmd)
	assert.Len(t, r.Payload, atecc.RandomSize)

	r, err = f.core.Handle(context.Background(), device.Message{Cmd: custom.CmdWink})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestRoutesConfigurationInSetupMode(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	r, err := f.core.Handle(context.Background(), device.Message{Cmd: provision.CmdGetSerial})
	require.NoError(t, err)
	assert.Equal(t, provision.CmdGetSerial, r.Cmd)
	require.Len(t, r.Payload, provision.PayloadSize)
	assert.Equal(t, uint8(provision.SerialPrefixSize), r.Payload[0])
}

func TestConfigurationRefusedOutsideSetupMode(t *testing.T) {
	f := newFixture(t, features.Production(), nil)
	_, err := f.core.Handle(context.Background(), device.Message{Cmd: provision.CmdGetSerial})
	assert.ErrorIs(t, err, device.ErrUnhandled)
}

func TestUnknownCommandsAreUnhandled(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	for _, cmd := range []uint8{0x03, 0x86 + 0x40, 0xC9} {
		_, err := f.core.Handle(context.Background(), device.Message{Cmd: cmd})
		assert.ErrorIs(t, err, device.ErrUnhandled, "cmd 0x%02x", cmd)
	}
	assert.NoError(t, f.core.Err())
}

func TestUpdateConfigRestarts(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	r, err := f.core.Handle(context.Background(), device.Message{Cmd: custom.CmdUpdateConfig, Payload: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, r.Payload)
	assert.Equal(t, 1, f.restarts)
}

func TestRestartFailureHalts(t *testing.T) {
	f := newFixture(t, features.Development(), errors.New("watchdog"))
	_, err := f.core.Handle(context.Background(), device.Message{Cmd: custom.CmdUpdateConfig, Payload: []byte{1}})
	assert.ErrorIs(t, err, device.ErrHalted)

	_, err = f.core.Handle(context.Background(), device.Message{Cmd: custom.CmdRNG})
	assert.ErrorIs(t, err, device.ErrHalted)
}

func TestExhaustedRetriesHalt(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	ctx := context.Background()
	f.rig.Device.InjectFault(simulator.Fault{
		Opcode: atecc.OpRandom,
		Kind:   simulator.FaultNACKWrite,
		Times:  1000,
	})

	r, err := f.core.Handle(ctx, device.Message{Cmd: custom.CmdRNG})
	assert.Nil(t, r)
	assert.ErrorIs(t, err, device.ErrHalted)
	assert.ErrorIs(t, err, atecc.ErrRetriesExhausted)
	assert.ErrorIs(t, f.core.Err(), device.ErrHalted)

	f.rig.Device.ClearFaults()
	f.rig.Device.ResetLog()
	_, err = f.core.Handle(ctx, device.Message{Cmd: custom.CmdRNG})
	assert.ErrorIs(t, err, device.ErrHalted)
	assert.Zero(t, f.rig.Device.Commands(atecc.OpRandom))
}

func TestConfigurationFailureHalts(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	ctx := context.Background()
	f.rig.Device.InjectFault(simulator.Fault{
		Opcode: atecc.OpRead,
		Kind:   simulator.FaultStatus,
		Status: atecc.StatusExecution,
		Times:  atecc.DefaultReceiveAttempts,
	})

	_, err := f.core.Handle(ctx, device.Message{Cmd: provision.CmdGetSerial})
	assert.ErrorIs(t, err, device.ErrHalted)
	assert.ErrorIs(t, f.core.Err(), atecc.ErrRetriesExhausted)

	_, err = f.core.Handle(ctx, device.Message{Cmd: provision.CmdIsBuild})
	assert.ErrorIs(t, err, device.ErrHalted)
}

func TestNonFatalFailureKeepsServing(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := f.core.Handle(ctx, device.Message{Cmd: provision.CmdTestConfig})
	require.NoError(t, err)
	assert.Equal(t, provision.CompareInvalid, r.Payload[0])
	assert.NoError(t, f.core.Err())

	r, err = f.core.Handle(context.Background(), device.Message{Cmd: custom.CmdRNG})
	require.NoError(t, err)
	assert.Len(t, r.Payload, atecc.RandomSize)
}

func TestDoDoesNotInterleaveSequences(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	ctx := context.Background()
	f.rig.Device.ResetLog()

	const pings = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < pings; i++ {
			_ = f.core.Do(ctx, func(ctx context.Context) error {
				_, err := f.rig.Conn.Info(ctx)
				return err
			})
		}
	}()
	for i := 0; i < 3; i++ {
		r, err := f.core.Handle(ctx, device.Message{Cmd: provision.CmdLoadWriteKey})
		require.NoError(t, err)
		require.Equal(t, uint8(1), r.Payload[0])
	}
	wg.Wait()
	require.Equal(t, pings, f.rig.Device.Commands(atecc.OpInfo))
	require.Positive(t, f.rig.Device.Commands(atecc.OpSHA))

	inSHA := false
	for i, cmd := range f.rig.Device.CommandLog() {
		isSHA := cmd.Opcode == atecc.OpSHA
		switch {
		case isSHA && (cmd.Param1 == atecc.SHAStart || cmd.Param1 == atecc.SHAHMACStart):
			inSHA = true
		case isSHA && (cmd.Param1 == atecc.SHAEnd || cmd.Param1 == atecc.SHAHMACEnd):
			inSHA = false
		case inSHA && !isSHA:
			t.Fatalf("opcode 0x%02x at %d inside a SHA sequence", cmd.Opcode, i)
		}
	}
}

func TestDoRefusedWhenHalted(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	f.core.Halt(errors.New("fault"))
	called := false
	err := f.core.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, device.ErrHalted)
	assert.False(t, called)
}

func TestHaltScrubsAndSleeps(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	ctx := context.Background()
	require.NoError(t, f.core.Start(ctx))
	_, err := f.rig.Conn.Nonce(ctx, atecc.NoncePassThrough, make([]byte, 32))
	require.NoError(t, err)
	_, valid := f.rig.Device.TempKey()
	require.True(t, valid)

	first := errors.New("first")
	err = f.core.Halt(first)
	assert.ErrorIs(t, err, device.ErrHalted)
	assert.ErrorIs(t, f.core.Halt(errors.New("second")), first)

	_, valid = f.rig.Device.TempKey()
	assert.False(t, valid)
	assert.Empty(t, f.core.Serial())
	assert.ErrorIs(t, f.core.Start(ctx), device.ErrHalted)
}

func TestRun(t *testing.T) {
	f := newFixture(t, features.Development(), errors.New("boom"))
	in := make(chan device.Message, 3)
	in <- device.Message{Cmd: custom.CmdRNG}
	in <- device.Message{Cmd: custom.CmdUpdateConfig, Payload: []byte{1}}
	in <- device.Message{Cmd: custom.CmdRNG}

	var replies []error
	err := f.core.Run(context.Background(), in, func(_ *device.Reply, err error) {
		replies = append(replies, err)
	})
	assert.ErrorIs(t, err, device.ErrHalted)
	require.Len(t, replies, 2)
	assert.NoError(t, replies[0])
	assert.Len(t, in, 1)
}

func TestRunStopsWhenClosed(t *testing.T) {
	f := newFixture(t, features.Development(), nil)
	in := make(chan device.Message)
	close(in)
	assert.NoError(t, f.core.Run(context.Background(), in, func(*device.Reply, error) {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.core.Run(ctx, make(chan device.Message), func(*device.Reply, error) {}), context.Canceled)
}
