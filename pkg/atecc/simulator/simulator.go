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

// Package simulator is a software model of the ATECC508A secure element.
// It implements atecc.Bus and executes the command subset the
// authenticator uses, enforcing zone locks, slot write policies and the
// MAC checks of PrivWrite and encrypted Write. Faults can be injected per
// opcode to exercise the transaction retry paths. State optionally
// persists to a storage.Backend between runs.
package simulator

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/storage"
)

// ErrSerial is returned when a custom serial does not carry the fixed
// SN bytes the MAC computations rely on.
var ErrSerial = errors.New("simulator: serial must start 01 23 and end EE")

// wakeToken is the response queued by a wake from sleep or idle.
var wakeToken = atecc.StatusResponse(atecc.StatusAfterWake)

// Options configures a Device.
type Options struct {
	// Seed makes the RNG deterministic. Nil selects crypto/rand.
	Seed []byte

	// Serial overrides the 9 byte serial number.
	Serial []byte

	// Store persists chip state under StateKey. Nil keeps state in memory.
	Store storage.Backend

	// BusyReads is the number of reads NACKed after each command while
	// the simulated device is executing.
	BusyReads int

	// Logger receives debug output.
	Logger *logging.Logger
}

// Device is a simulated secure element. It is safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	logger *logging.Logger
	store  storage.Backend

	config   [atecc.ConfigZoneSize]byte
	otp      [otpSize]byte
	slots    [atecc.NumSlots][]byte
	counters [2]uint32

	tempKey    [32]byte
	tempValid  bool
	genDigSlot int
	sha        hash.Hash
	shaHMAC    bool

	rng       io.Reader
	rngPRK    []byte
	rngCalls  uint64
	awake     bool
	pending   []byte
	truncate  bool
	busyReads int
	busyLeft  int

	faults []*Fault
	stats  map[uint8]int
	log    []atecc.Command
}

// New returns a factory-fresh device, or the persisted device when
// opts.Store holds state.
func New(opts *Options) (*Device, error) {
	if opts == nil {
		opts = &Options{}
	}
	d := &Device{
		logger:     opts.Logger,
		store:      opts.Store,
		config:     factoryConfig,
		busyReads:  opts.BusyReads,
		genDigSlot: -1,
		stats:      make(map[uint8]int),
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	for i := range d.slots {
		d.slots[i] = make([]byte, slotSize(i))
	}
	if opts.Seed != nil {
		d.rngPRK = hkdf.Extract(sha256.New, opts.Seed, []byte("u2fzero-simulator"))
	} else {
		d.rng = rand.Reader
	}
	if opts.Serial != nil {
		if err := d.setSerial(opts.Serial); err != nil {
			return nil, err
		}
	}
	if d.store != nil {
		if err := d.load(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Device) setSerial(sn []byte) error {
	if len(sn) != atecc.SerialSize || sn[0] != atecc.SN0 || sn[1] != atecc.SN1 || sn[8] != atecc.SN8 {
		return ErrSerial
	}
	copy(d.config[0:4], sn[0:4])
	copy(d.config[8:13], sn[4:9])
	return nil
}

// Wake implements atecc.Bus.
func (d *Device) Wake() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.awake {
		d.awake = true
		d.pending = wakeToken
		d.truncate = false
		d.busyLeft = 0
	}
	return nil
}

// Write implements atecc.Bus.
func (d *Device) Write(p []byte) error {
	if len(p) == 0 {
		return fmt.Errorf("simulator: empty write")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.awake {
		return atecc.ErrNACK
	}
	switch p[0] {
	case atecc.WordAddressSleep:
		d.awake = false
		d.invalidateTempKey()
		d.sha = nil
		return nil
	case atecc.WordAddressIdle:
		d.awake = false
		return nil
	case atecc.WordAddressCommand:
	default:
		return atecc.ErrNACK
	}

	cmd, err := atecc.DecodeCommand(p[1:])
	if err != nil {
		d.logger.Debug("simulator rejected frame", "error", err)
		d.pending = atecc.StatusResponse(atecc.StatusComm)
		return nil
	}
	if f := d.takeFault(cmd.Opcode, FaultNACKWrite); f != nil {
		return atecc.ErrNACK
	}
	d.log = append(d.log, cmd)
	d.stats[cmd.Opcode]++
	d.truncate = false
	if f := d.takeFault(cmd.Opcode, FaultStatus); f != nil {
		d.pending = atecc.StatusResponse(f.Status)
	} else {
		d.pending = d.execute(cmd)
		d.persist()
	}
	if f := d.takeFault(cmd.Opcode, FaultCorruptCRC); f != nil {
		d.pending = append([]byte(nil), d.pending...)
		d.pending[len(d.pending)-1] ^= 0xFF
	}
	if f := d.takeFault(cmd.Opcode, FaultTruncate); f != nil {
		d.truncate = true
	}
	d.busyLeft = d.busyReads
	if f := d.takeFault(cmd.Opcode, FaultBusy); f != nil {
		d.busyLeft += f.Count
	}
	return nil
}

// Read implements atecc.Bus.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.awake || d.pending == nil {
		return 0, atecc.ErrNACK
	}
	if d.busyLeft > 0 {
		d.busyLeft--
		return 0, atecc.ErrNACK
	}
	resp := d.pending
	if d.truncate {
		resp = resp[:len(resp)/2]
	}
	n := copy(p, resp)
	d.pending = nil
	d.truncate = false
	return n, nil
}

// Commands returns how many frames with opcode the device accepted.
func (d *Device) Commands(opcode uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats[opcode]
}

// CommandLog returns the accepted commands in order.
func (d *Device) CommandLog() []atecc.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]atecc.Command, len(d.log))
	copy(out, d.log)
	return out
}

// ResetLog clears the command log and counters.
func (d *Device) ResetLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = nil
	d.stats = make(map[uint8]int)
}

// ConfigZone returns a copy of the configuration zone.
func (d *Device) ConfigZone() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.config))
	copy(out, d.config[:])
	return out
}

// SlotData returns a copy of a data slot. Intended for tests; the real
// part never discloses secret slots.
func (d *Device) SlotData(slot int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.slots[slot]))
	copy(out, d.slots[slot])
	return out
}

// TempKey returns the TempKey register and whether it is valid.
func (d *Device) TempKey() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, 32)
	copy(out, d.tempKey[:])
	return out, d.tempValid
}

// Locked reports the config and data zone lock state.
func (d *Device) Locked() (config, data bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configLocked(), d.dataLocked()
}

// random fills p from the device RNG.
func (d *Device) random(p []byte) error {
	if d.rngPRK == nil {
		_, err := io.ReadFull(d.rng, p)
		return err
	}
	info := binary.BigEndian.AppendUint64([]byte("rng"), d.rngCalls)
	d.rngCalls++
	_, err := io.ReadFull(hkdf.Expand(sha256.New, d.rngPRK, info), p)
	return err
}

func (d *Device) setTempKey(v []byte, genDigSlot int) {
	copy(d.tempKey[:], v)
	d.tempValid = true
	d.genDigSlot = genDigSlot
}

func (d *Device) invalidateTempKey() {
	clear(d.tempKey[:])
	d.tempValid = false
	d.genDigSlot = -1
}
