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

// Package device is the message loop of the authenticator core. It
// routes vendor and configuration messages to their handlers, derives
// the USB serial string and enforces the fail-stop latch: once a fatal
// error is recorded the core scrubs its buffers, puts the secure element
// to sleep and refuses all further work.
package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/custom"
	"github.com/jeremyhahn/go-u2fzero/pkg/devconf"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/features"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/provision"
	"github.com/jeremyhahn/go-u2fzero/pkg/sanity"
)

var (
	// ErrHalted is returned once the fail-stop latch is set.
	ErrHalted = errors.New("device: halted")

	// ErrUnhandled is returned for messages no layer of the core answers.
	ErrUnhandled = errors.New("device: unhandled message")

	// ErrInvalidConfig is returned by New.
	ErrInvalidConfig = errors.New("device: invalid configuration")
)

// Message is one host request.
type Message struct {
	Cmd     uint8
	Payload []byte
}

// Reply is the answer to a Message.
type Reply struct {
	Cmd     uint8
	Payload []byte
}

// Element is the secure element surface used here. *atecc.Conn
// implements it.
type Element interface {
	Read(ctx context.Context, zone uint8, addr uint16) ([]byte, error)
	Wake() error
	Sleep() error
}

// Memory is the flash surface used here. *eeprom.Store implements it.
type Memory interface {
	sanity.Memory
	Write(addr uint16, p []byte) error
	Erase(addr uint16) error
	IsErased(addr uint16, n int) (bool, error)
}

// Config wires a Core.
type Config struct {
	Features    features.Flags
	Custom      *custom.Handler
	Provisioner *provision.Provisioner
	Settings    *devconf.Store

	// Restart is invoked after a command asked for a device reset and
	// the core re-ran its boot sequence. It runs under the operation
	// lock and must not call back into the Core.
	Restart func(ctx context.Context) error

	Logger *logging.Logger
}

// Core routes messages and owns the fail-stop latch.
type Core struct {
	el    Element
	mem   Memory
	flags features.Flags

	custom   *custom.Handler
	prov     *provision.Provisioner
	settings *devconf.Store
	restart  func(ctx context.Context) error
	logger   *logging.Logger

	// op is held for the whole of each operation on the secure element
	// so multi-command sequences are never interleaved.
	op sync.Mutex

	mu      sync.Mutex
	halted  error
	scratch [provision.MessageSize]byte
	serial  string
}

// New returns a Core.
func New(el Element, mem Memory, cfg *Config) (*Core, error) {
	if el == nil || mem == nil || cfg == nil {
		return nil, fmt.Errorf("%w: element, memory and config are required", ErrInvalidConfig)
	}
	if cfg.Features.SetupMode && cfg.Provisioner == nil {
		return nil, fmt.Errorf("%w: setup mode needs a provisioner", ErrInvalidConfig)
	}
	c := &Core{
		el:       el,
		mem:      mem,
		flags:    cfg.Features,
		custom:   cfg.Custom,
		prov:     cfg.Provisioner,
		settings: cfg.Settings,
		restart:  cfg.Restart,
		logger:   cfg.Logger,
	}
	if c.logger == nil {
		c.logger = logging.DefaultLogger()
	}
	return c, nil
}

// Start copies the chip serial into flash on first boot and derives the
// USB serial string. A failure here is fatal.
func (c *Core) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.start(ctx)
}

func (c *Core) start(ctx context.Context) error {
	if err := c.Err(); err != nil {
		return err
	}
	raw, err := c.loadSerial(ctx)
	if err != nil {
		return c.Halt(err)
	}
	c.mu.Lock()
	c.serial = strings.ToUpper(hex.EncodeToString(raw))
	c.mu.Unlock()

	if r, err := sanity.Check(c.mem, c.flags); err != nil {
		c.logger.Warn("sanity check failed", "error", err)
	} else if !r.Passed() {
		c.logger.Warn("device is not field ready", "bits", fmt.Sprintf("0x%02x", r.Bits()))
	}
	c.logger.Info("device started", "serial", c.serial)
	return nil
}

func (c *Core) loadSerial(ctx context.Context) ([]byte, error) {
	raw := make([]byte, eeprom.SerialSize)
	erased, err := c.mem.IsErased(eeprom.AddrSerial, eeprom.SerialSize)
	if err != nil {
		return nil, fmt.Errorf("device: read serial: %w", err)
	}
	if !erased {
		if err := c.mem.Read(eeprom.AddrSerial, raw); err != nil {
			return nil, fmt.Errorf("device: read serial: %w", err)
		}
		return raw, nil
	}
	block, err := c.el.Read(ctx, atecc.ZoneConfig|atecc.ZoneExtended, 0)
	if err != nil {
		return nil, fmt.Errorf("device: read chip serial: %w", err)
	}
	copy(raw, block)
	if err := c.mem.Erase(eeprom.AddrSerial); err != nil {
		return nil, fmt.Errorf("device: store serial: %w", err)
	}
	if err := c.mem.Write(eeprom.AddrSerial, raw); err != nil {
		return nil, fmt.Errorf("device: store serial: %w", err)
	}
	return raw, nil
}

// Serial returns the USB serial string, or "" when the persisted
// settings disable it or Start has not run.
func (c *Core) Serial() string {
	c.mu.Lock()
	serial := c.serial
	c.mu.Unlock()
	if c.settings != nil {
		s, err := c.settings.Load()
		if err != nil || !s.USBSerial {
			return ""
		}
	}
	return serial
}

// Handle answers one message. Vendor commands go to the custom handler;
// configuration messages are answered only in setup mode. Anything else
// returns ErrUnhandled for the authenticator protocol layer.
//
// A command that fails with a fatal secure element error sets the
// latch: the reply is withheld and the halted error returned. Other
// failures are reported in the reply payload.
func (c *Core) Handle(ctx context.Context, msg Message) (*Reply, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.Err(); err != nil {
		return nil, err
	}
	payload := c.stage(msg.Payload)

	switch {
	case custom.IsCommand(msg.Cmd) && c.custom != nil:
		resp, ok, err := c.custom.Handle(ctx, msg.Cmd, payload)
		if !ok {
			break
		}
		if atecc.IsFatal(err) {
			return nil, c.Halt(fmt.Errorf("device: command 0x%02x: %w", msg.Cmd, err))
		}
		if resp == nil {
			return nil, nil
		}
		if resp.Restart {
			if err := c.reboot(ctx); err != nil {
				return nil, err
			}
		}
		return &Reply{Cmd: resp.Cmd, Payload: resp.Payload}, nil

	case provision.IsCommand(msg.Cmd) && c.flags.SetupMode:
		out, err := c.prov.Handle(ctx, append([]byte{msg.Cmd}, payload...))
		if atecc.IsFatal(err) {
			return nil, c.Halt(fmt.Errorf("device: command 0x%02x: %w", msg.Cmd, err))
		}
		return &Reply{Cmd: out[0], Payload: out[1:]}, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnhandled, msg.Cmd)
}

// reboot re-runs the boot sequence and the restart hook. Caller holds
// c.op.
func (c *Core) reboot(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		return err
	}
	if c.restart != nil {
		if err := c.restart(ctx); err != nil {
			return c.Halt(fmt.Errorf("device: restart: %w", err))
		}
	}
	return nil
}

// Do runs fn with exclusive use of the secure element, between
// messages. Background work such as health checks goes through here.
func (c *Core) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// stage copies p into the retained request buffer.
func (c *Core) stage(p []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.scratch[:])
	n := copy(c.scratch[:], p)
	return append([]byte(nil), c.scratch[:n]...)
}

// Run answers messages until ctx ends, the channel closes or the latch
// is set. Replies are delivered to reply; a nil reply means the command
// produced none.
func (c *Core) Run(ctx context.Context, in <-chan Message, reply func(*Reply, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r, err := c.Handle(ctx, msg)
			reply(r, err)
			if herr := c.Err(); herr != nil {
				return herr
			}
		}
	}
}

// Halt sets the fail-stop latch with cause, scrubs retained buffers and
// sleeps the secure element, which drops its volatile TempKey. It
// returns the latched error. Only the first cause is kept.
func (c *Core) Halt(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted != nil {
		return c.halted
	}
	c.halted = fmt.Errorf("%w: %w", ErrHalted, cause)
	clear(c.scratch[:])
	c.serial = ""
	if err := c.el.Wake(); err != nil {
		c.logger.Warn("wake on halt failed", "error", err)
	}
	if err := c.el.Sleep(); err != nil {
		c.logger.Warn("sleep on halt failed", "error", err)
	}
	c.logger.Warn("device halted", "error", cause)
	return c.halted
}

// Err returns the latched error, if any.
func (c *Core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}
