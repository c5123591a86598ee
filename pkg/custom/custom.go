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

// Package custom implements the vendor commands that sit in front of the
// authenticator protocol: RNG access, LED wink, factory reset, settings
// update and a status query.
package custom

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/devconf"
	"github.com/jeremyhahn/go-u2fzero/pkg/features"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
	"github.com/jeremyhahn/go-u2fzero/pkg/presence"
	"github.com/jeremyhahn/go-u2fzero/pkg/provision"
	"github.com/jeremyhahn/go-u2fzero/pkg/sanity"
)

// VendorFirst is the first vendor command.
const VendorFirst uint8 = 0xC0

// Commands.
const (
	CmdRNG          = VendorFirst + 0
	CmdSeed         = VendorFirst + 1
	CmdWink         = VendorFirst + 2
	CmdFactoryReset = VendorFirst + 3
	CmdUpdateConfig = VendorFirst + 4
	CmdStatus       = VendorFirst + 5
)

// SeedSize is the entropy accepted by CmdSeed.
const SeedSize = atecc.SeedInputSize

const (
	resetSize  = 32
	statusSize = 9
)

// ErrInvalidConfig is returned by New for missing collaborators.
var ErrInvalidConfig = errors.New("custom: invalid configuration")

// IsCommand reports whether cmd is in the vendor range.
func IsCommand(cmd uint8) bool {
	return cmd >= VendorFirst
}

// Element is the secure element surface used here. *atecc.Conn
// implements it.
type Element interface {
	Random(ctx context.Context) ([]byte, error)
	Nonce(ctx context.Context, mode uint8, data []byte) ([]byte, error)
}

// Factory regenerates device secrets. *provision.Provisioner implements
// it.
type Factory interface {
	LoadWriteMask(ctx context.Context) ([]byte, error)
	LoadReadMask(ctx context.Context) ([]byte, error)
	GenerateDeviceKey(ctx context.Context) (provision.DeviceKeyReport, error)
}

// Response is a command reply. Payload length is the declared length.
type Response struct {
	Cmd     uint8
	Payload []byte

	// Restart asks the caller to reset the device once the reply is
	// delivered.
	Restart bool
}

// Config wires a Handler.
type Config struct {
	Features features.Flags
	Presence *presence.Waiter
	Factory  Factory
	Settings *devconf.Store

	// Sanity produces the report carried by CmdStatus.
	Sanity func() (sanity.Report, error)

	// Touch returns the raw sensor reading. Nil reports zero.
	Touch func() uint16

	Logger *logging.Logger
}

// Handler answers vendor commands.
type Handler struct {
	el       Element
	flags    features.Flags
	presence *presence.Waiter
	factory  Factory
	settings *devconf.Store
	sanity   func() (sanity.Report, error)
	touch    func() uint16
	logger   *logging.Logger
}

// New returns a Handler.
func New(el Element, cfg *Config) (*Handler, error) {
	if el == nil || cfg == nil || cfg.Presence == nil {
		return nil, fmt.Errorf("%w: element and presence are required", ErrInvalidConfig)
	}
	if cfg.Features.FactoryReset && cfg.Factory == nil {
		return nil, fmt.Errorf("%w: factory reset needs a factory", ErrInvalidConfig)
	}
	if cfg.Features.UpdateConfig && cfg.Settings == nil {
		return nil, fmt.Errorf("%w: update-config needs a settings store", ErrInvalidConfig)
	}
	h := &Handler{
		el:       el,
		flags:    cfg.Features,
		presence: cfg.Presence,
		factory:  cfg.Factory,
		settings: cfg.Settings,
		sanity:   cfg.Sanity,
		touch:    cfg.Touch,
		logger:   cfg.Logger,
	}
	if h.logger == nil {
		h.logger = logging.DefaultLogger()
	}
	if h.touch == nil {
		h.touch = func() uint16 { return 0 }
	}
	return h, nil
}

// Enabled reports whether cmd is a vendor command this build answers.
func (h *Handler) Enabled(cmd uint8) bool {
	switch cmd {
	case CmdRNG:
		return h.flags.CustomRNG
	case CmdSeed:
		return h.flags.CustomSeed
	case CmdWink:
		return h.flags.Wink
	case CmdFactoryReset:
		return h.flags.FactoryReset
	case CmdUpdateConfig:
		return h.flags.UpdateConfig
	case CmdStatus:
		return h.flags.Status
	}
	return false
}

// Handle answers cmd. It returns false when the command is unknown or
// disabled, leaving it to the next layer. A nil Response with true means
// the command produces no reply. A failed command still carries its
// response; err is the cause, for the caller to judge.
func (h *Handler) Handle(ctx context.Context, cmd uint8, payload []byte) (*Response, bool, error) {
	if !h.Enabled(cmd) {
		return nil, false, nil
	}
	start := time.Now()
	resp, err := h.dispatch(ctx, cmd, payload)
	metrics.Observe(metrics.OpCustom, start, err)
	if err != nil {
		h.logger.Debug("custom command failed", "cmd", cmd, "error", err)
	}
	return resp, true, err
}

func (h *Handler) dispatch(ctx context.Context, cmd uint8, payload []byte) (*Response, error) {
	switch cmd {
	case CmdRNG:
		return h.rng(ctx)
	case CmdSeed:
		return h.seed(ctx, payload)
	case CmdWink:
		h.presence.Wink()
		return nil, nil
	case CmdFactoryReset:
		return h.factoryReset(ctx)
	case CmdUpdateConfig:
		return h.updateConfig(ctx, payload)
	case CmdStatus:
		return h.status()
	}
	return nil, nil
}

func (h *Handler) rng(ctx context.Context) (*Response, error) {
	r, err := h.el.Random(ctx)
	if err != nil {
		return &Response{Cmd: CmdRNG, Payload: []byte{}}, err
	}
	return &Response{Cmd: CmdRNG, Payload: r[:atecc.RandomSize]}, nil
}

func (h *Handler) seed(ctx context.Context, payload []byte) (*Response, error) {
	in := make([]byte, SeedSize)
	copy(in, payload)
	resp := &Response{Cmd: CmdSeed, Payload: []byte{0}}
	if _, err := h.el.Nonce(ctx, atecc.NonceRandom, in); err != nil {
		return resp, err
	}
	resp.Payload[0] = 1
	return resp, nil
}

// factoryReset regenerates both masks and the device key after an
// extended press. Every credential issued before becomes unusable.
func (h *Handler) factoryReset(ctx context.Context) (*Response, error) {
	resp := &Response{Cmd: CmdFactoryReset, Payload: make([]byte, resetSize)}
	ok, err := h.presence.Wait(ctx, presence.Extended)
	if err != nil || !ok {
		return resp, err
	}

	var errs []error
	if m, err := h.factory.LoadWriteMask(ctx); err != nil {
		errs = append(errs, err)
	} else {
		clear(m)
		resp.Payload[0] = 1
	}
	if m, err := h.factory.LoadReadMask(ctx); err != nil {
		errs = append(errs, err)
	} else {
		clear(m)
		resp.Payload[1] = 1
	}
	r, err := h.factory.GenerateDeviceKey(ctx)
	resp.Payload[2] = r.Status
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		h.logger.Info("factory reset complete")
	}
	return resp, errors.Join(errs...)
}

func (h *Handler) updateConfig(ctx context.Context, payload []byte) (*Response, error) {
	resp := &Response{Cmd: CmdUpdateConfig, Payload: []byte{0}}
	ok, err := h.presence.Wait(ctx, presence.Extended)
	if err != nil || !ok {
		return resp, err
	}
	enable := len(payload) > 0 && payload[0] != 0
	if _, err := h.settings.Update(func(s *devconf.Settings) { s.USBSerial = enable }); err != nil {
		return resp, err
	}
	resp.Payload[0] = 1
	resp.Restart = true
	h.logger.Info("device settings updated", "usb_serial", enable)
	return resp, nil
}

func (h *Handler) status() (*Response, error) {
	out := make([]byte, statusSize)
	var err error
	if h.sanity != nil {
		var r sanity.Report
		r, err = h.sanity()
		if r.Passed() && err == nil {
			out[0] = 1
		}
		out[2] = r.Bits()
	}
	tracker := h.presence.Tracker()
	out[1] = uint8(tracker.State())
	if tracker.Consumed() {
		out[3] = 1
	}
	if h.presence.LED().Blinking() {
		out[4] = 1
	}
	out[5] = tenths(h.presence.Period())
	out[6] = tenths(h.presence.InitPeriod())
	binary.BigEndian.PutUint16(out[7:9], h.touch())
	return &Response{Cmd: CmdStatus, Payload: out}, err
}

// tenths reports d in 100 ms units, saturating at 255.
func tenths(d time.Duration) uint8 {
	n := d / (100 * time.Millisecond)
	if n > 255 {
		return 255
	}
	return uint8(n)
}
