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

// Package provision programs a factory-fresh secure element: writes and
// verifies the slot policy tables, locks both zones, installs the masks,
// the attestation key and the device key, and answers the factory
// configuration messages.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/features"
	"github.com/jeremyhahn/go-u2fzero/pkg/hashengine"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/mask"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
)

var (
	// ErrConfigWrite is returned when a descriptor write fails.
	ErrConfigWrite = errors.New("provision: config write failed")

	// ErrConfigMismatch is returned when the zone does not read back as
	// written.
	ErrConfigMismatch = errors.New("provision: config mismatch")

	// ErrLock is returned when the config zone lock is rejected.
	ErrLock = errors.New("provision: config lock failed")

	// ErrDataLock is returned when the data and OTP zone lock is rejected.
	ErrDataLock = errors.New("provision: data lock failed")

	// ErrRNG is returned when the device RNG fails.
	ErrRNG = errors.New("provision: rng failure")

	// ErrKeyWrite is returned when a key cannot be written.
	ErrKeyWrite = errors.New("provision: key write failed")
)

// FingerprintMessage is hashed with every slot key to fingerprint it.
var FingerprintMessage = []byte("successful write test")

// FingerprintSize is the prefix of each fingerprint reported.
const FingerprintSize = 3

// Element is the secure element surface provisioning uses. *atecc.Conn
// implements it.
type Element interface {
	hashengine.Executor
	Execute(ctx context.Context, cmd atecc.Command, rx []byte) ([]byte, error)
	Random(ctx context.Context) ([]byte, error)
	Read(ctx context.Context, zone uint8, addr uint16) ([]byte, error)
	WriteConfig(ctx context.Context, word uint16, offset int, data []byte) error
	ReadConfigZone(ctx context.Context) ([]byte, error)
	LockState(ctx context.Context) (configLocked, dataLocked bool, err error)
	Lock(ctx context.Context, mode uint8, crc uint16) error
}

// Memory is the persistent store. *eeprom.Store implements it.
type Memory interface {
	Read(addr uint16, p []byte) error
	Replace(addr uint16, p []byte) error
	Erase(addr uint16) error
}

// Blinker shows provisioning progress. presence.LED implements it.
type Blinker interface {
	Blink(count int, period time.Duration)
}

// Config configures a Provisioner.
type Config struct {
	Features features.Flags
	Logger   *logging.Logger
	LED      Blinker
}

// Provisioner runs factory operations.
type Provisioner struct {
	el     Element
	masks  *mask.Engine
	mem    Memory
	flags  features.Flags
	led    Blinker
	logger *logging.Logger
}

// New returns a Provisioner.
func New(el Element, masks *mask.Engine, mem Memory, cfg *Config) *Provisioner {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Provisioner{el: el, masks: masks, mem: mem, flags: cfg.Features, led: cfg.LED, logger: logger}
}

// SetupConfig writes every slot and key descriptor and verifies the zone
// reads back with the tables. It stops at the first failure.
func (p *Provisioner) SetupConfig(ctx context.Context) error {
	for i := 0; i < atecc.NumSlots; i++ {
		slot := uint8(i)
		s, k := SlotConfigs[i].Bytes(), KeyConfigs[i].Bytes()

		word, off := atecc.SlotConfigWord(slot)
		if err := p.el.WriteConfig(ctx, word, off, s[:]); err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrConfigWrite, i, err)
		}
		word, off = atecc.KeyConfigWord(slot)
		if err := p.el.WriteConfig(ctx, word, off, k[:]); err != nil {
			return fmt.Errorf("%w: key %d: %w", ErrConfigWrite, i, err)
		}
	}
	zone, err := p.el.ReadConfigZone(ctx)
	if err != nil {
		return fmt.Errorf("%w: read back: %w", ErrConfigWrite, err)
	}
	if code := Compare(zone); code != CompareOK {
		return fmt.Errorf("%w: code %d", ErrConfigMismatch, code)
	}
	p.logger.Debug("slot configuration written", "crc", fmt.Sprintf("0x%04x", atecc.CRC16(zone)))
	return nil
}

// Lock configures and locks the config zone with crc, then locks the
// data and OTP zones. Zones already locked are left untouched, so a
// fully locked part returns nil without writing anything.
func (p *Provisioner) Lock(ctx context.Context, crc uint16) (err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpLock, start, err) }(time.Now())

	configLocked, dataLocked, err := p.el.LockState(ctx)
	if err != nil {
		return fmt.Errorf("%w: lock state: %w", ErrLock, err)
	}
	if !configLocked {
		if err := p.SetupConfig(ctx); err != nil {
			return err
		}
		if err := p.el.Lock(ctx, atecc.LockConfig, crc); err != nil {
			return fmt.Errorf("%w: %w", ErrLock, err)
		}
		p.logger.Info("config zone locked")
	} else {
		p.logger.Debug("config zone already locked")
	}
	if !dataLocked {
		if err := p.el.Lock(ctx, atecc.LockDataOTP|atecc.LockNoCRC, 0); err != nil {
			return fmt.Errorf("%w: %w", ErrDataLock, err)
		}
		p.logger.Info("data zone locked")
	} else {
		p.logger.Debug("data zone already locked")
	}
	return nil
}

// Locked reports the lock state of both zones.
func (p *Provisioner) Locked(ctx context.Context) (config, data bool, err error) {
	return p.el.LockState(ctx)
}

// SerialPrefix returns the first SerialPrefixSize bytes of the zone.
func (p *Provisioner) SerialPrefix(ctx context.Context) ([]byte, error) {
	block, err := p.el.Read(ctx, atecc.ZoneConfig|atecc.ZoneExtended, 0)
	if err != nil {
		return nil, fmt.Errorf("provision: read serial: %w", err)
	}
	if len(block) < SerialPrefixSize {
		return nil, fmt.Errorf("provision: serial block is %d bytes", len(block))
	}
	return append([]byte(nil), block[:SerialPrefixSize]...), nil
}

// LoadWriteMask rotates the write key and write mask.
func (p *Provisioner) LoadWriteMask(ctx context.Context) ([]byte, error) {
	m, err := p.masks.Rotate(ctx, mask.Write)
	if err != nil {
		return nil, fmt.Errorf("%w: write mask: %w", ErrKeyWrite, err)
	}
	p.logger.Info("write mask loaded")
	return m, nil
}

// LoadReadMask rotates the read mask.
func (p *Provisioner) LoadReadMask(ctx context.Context) ([]byte, error) {
	m, err := p.masks.Rotate(ctx, mask.Read)
	if err != nil {
		return nil, fmt.Errorf("%w: read mask: %w", ErrKeyWrite, err)
	}
	p.logger.Info("read mask loaded")
	return m, nil
}

// LoadAttestationKey writes a 32 byte P-256 scalar into the attestation
// slot.
func (p *Provisioner) LoadAttestationKey(ctx context.Context, scalar []byte) error {
	if err := p.masks.WriteKey(ctx, atecc.SlotAttestation, scalar); err != nil {
		return fmt.Errorf("%w: attestation key: %w", ErrKeyWrite, err)
	}
	p.logger.Info("attestation key loaded")
	return nil
}

// Device key generation stages, reported in DeviceKeyReport.Status.
const (
	DeviceKeyRNGFailed   uint8 = 0
	DeviceKeyOK          uint8 = 1
	DeviceKeyWriteFailed uint8 = 2
)

// DeviceKeyReport is the outcome of GenerateDeviceKey. The byte fields
// are only filled on non-production images.
type DeviceKeyReport struct {
	Status   uint8
	Key      []byte
	TestHMAC []byte
	Constant []byte
}

const reportPrefix = 16

// GenerateDeviceKey installs a fresh HMAC device key and a fresh device
// constant. Every credential derived before is invalidated.
func (p *Provisioner) GenerateDeviceKey(ctx context.Context) (r DeviceKeyReport, err error) {
	defer func(start time.Time) { metrics.Observe(metrics.OpProvision, start, err) }(time.Now())

	key, err := p.el.Random(ctx)
	if err != nil {
		return DeviceKeyReport{Status: DeviceKeyRNGFailed}, fmt.Errorf("%w: device key: %w", ErrRNG, err)
	}
	defer clear(key)
	r.Status = DeviceKeyOK
	if !p.flags.Production {
		r.Key = append([]byte(nil), key[:reportPrefix]...)
	}

	if err := p.masks.EncryptedWrite(ctx, atecc.SlotDeviceKey, key); err != nil {
		r.Status = DeviceKeyWriteFailed
		return r, fmt.Errorf("%w: device key: %w", ErrKeyWrite, err)
	}
	p.logger.Info("device key written")

	constant, err := p.el.Random(ctx)
	if err != nil {
		return r, fmt.Errorf("%w: device constant: %w", ErrRNG, err)
	}
	defer clear(constant)
	if err := p.mem.Replace(eeprom.AddrConst, constant[:eeprom.ConstSize]); err != nil {
		return r, fmt.Errorf("provision: store device constant: %w", err)
	}

	if !p.flags.Production {
		r.Constant = append([]byte(nil), constant[:reportPrefix]...)
		sum, err := hashengine.HMAC(ctx, p.el, atecc.SlotDeviceKey, FingerprintMessage)
		if err != nil {
			return r, fmt.Errorf("provision: device key test: %w", err)
		}
		r.TestHMAC = sum[:reportPrefix]
	}
	return r, nil
}

// Fingerprints HMACs FingerprintMessage with every slot and returns the
// leading bytes of each result. Slots that refuse HMAC stay zero.
func (p *Provisioner) Fingerprints(ctx context.Context) [atecc.NumSlots][FingerprintSize]byte {
	var out [atecc.NumSlots][FingerprintSize]byte
	for i := range out {
		sum, err := hashengine.HMAC(ctx, p.el, uint8(i), FingerprintMessage)
		if err != nil {
			p.logger.Debug("slot refused hmac", "slot", i, "error", err)
			continue
		}
		copy(out[i][:], sum)
	}
	return out
}

// Constants returns the leading bytes of the write mask, the read mask
// and the device constant.
func (p *Provisioner) Constants() ([3][reportPrefix]byte, error) {
	var out [3][reportPrefix]byte
	for i, addr := range []uint16{eeprom.AddrWriteMask, eeprom.AddrReadMask, eeprom.AddrConst} {
		if err := p.mem.Read(addr, out[i][:]); err != nil {
			return out, fmt.Errorf("provision: read 0x%04x: %w", addr, err)
		}
	}
	return out, nil
}

// Passthrough executes a raw command and returns its response data.
func (p *Provisioner) Passthrough(ctx context.Context, cmd atecc.Command) ([]byte, error) {
	return p.el.Execute(ctx, cmd, nil)
}

// DestroyBootloader erases the pages reserved for the bootloader so the
// part can no longer be reflashed.
func (p *Provisioner) DestroyBootloader() error {
	for i := 0; i < eeprom.BootloaderPages; i++ {
		if err := p.mem.Erase(eeprom.AddrBootloader + uint16(i*eeprom.PageSize)); err != nil {
			return fmt.Errorf("provision: erase bootloader page %d: %w", i, err)
		}
	}
	if p.led != nil {
		p.led.Blink(1, 100*time.Millisecond)
	}
	p.logger.Info("bootloader destroyed")
	return nil
}

// DumpConfig reads and decodes the configuration zone.
func (p *Provisioner) DumpConfig(ctx context.Context) (*ConfigDump, error) {
	zone, err := p.el.ReadConfigZone(ctx)
	if err != nil {
		return nil, fmt.Errorf("provision: read config: %w", err)
	}
	return DecodeZone(zone)
}

// TestConfig compares the device zone with the tables.
func (p *Provisioner) TestConfig(ctx context.Context) (uint8, error) {
	zone, err := p.el.ReadConfigZone(ctx)
	if err != nil {
		return CompareInvalid, fmt.Errorf("provision: read config: %w", err)
	}
	return Compare(zone), nil
}
