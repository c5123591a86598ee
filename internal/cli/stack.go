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

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jeremyhahn/go-u2fzero/internal/config"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc/i2c"
	"github.com/jeremyhahn/go-u2fzero/pkg/atecc/simulator"
	"github.com/jeremyhahn/go-u2fzero/pkg/credential"
	"github.com/jeremyhahn/go-u2fzero/pkg/custom"
	"github.com/jeremyhahn/go-u2fzero/pkg/devconf"
	"github.com/jeremyhahn/go-u2fzero/pkg/device"
	"github.com/jeremyhahn/go-u2fzero/pkg/eeprom"
	"github.com/jeremyhahn/go-u2fzero/pkg/features"
	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/mask"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
	"github.com/jeremyhahn/go-u2fzero/pkg/presence"
	"github.com/jeremyhahn/go-u2fzero/pkg/provision"
	"github.com/jeremyhahn/go-u2fzero/pkg/sanity"
	"github.com/jeremyhahn/go-u2fzero/pkg/storage"
	"github.com/jeremyhahn/go-u2fzero/pkg/storage/file"
)

// Storage namespaces below the configured backend.
const (
	namespaceFlash     = "flash"
	namespaceSimulator = "sim"
)

// elementSleep overrides the delay between secure element protocol steps.
var elementSleep func(time.Duration)

// Stack is an assembled authenticator: the secure element connection,
// microcontroller flash and every service built on them.
type Stack struct {
	Config *config.Config
	Flags  features.Flags
	Logger *logging.Logger

	// Simulator is set when the bus is simulated.
	Simulator *simulator.Device

	Conn        *atecc.Conn
	Flash       *eeprom.Store
	Masks       *mask.Engine
	Provisioner *provision.Provisioner
	Credentials *credential.Store
	Settings    *devconf.Store
	Presence    *presence.Waiter
	Custom      *custom.Handler
	Core        *device.Core

	closers []io.Closer
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *logging.Logger {
	return logging.NewLoggerWithWriter(os.Stderr, logging.Format(cfg.Format), cfg.Level == "debug")
}

// openStorage returns the backend holding flash pages and simulator state.
func openStorage(cfg config.StorageConfig) (storage.Backend, error) {
	if strings.EqualFold(cfg.Backend, config.StorageFile) {
		fs, err := file.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage backend: %w", err)
		}
		return fs, nil
	}
	return storage.NewMemory(), nil
}

// openBus returns the transport to the secure element.
func openBus(cfg config.BusConfig, backend storage.Backend, logger *logging.Logger) (atecc.Bus, *simulator.Device, error) {
	if strings.EqualFold(cfg.Kind, config.BusI2C) {
		bus, err := i2c.Open(cfg.I2C())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open i2c bus: %w", err)
		}
		return bus, nil, nil
	}
	opts := &simulator.Options{
		Store:  storage.NewNamespace(backend, namespaceSimulator),
		Logger: logger,
	}
	if cfg.Seed != "" {
		opts.Seed = []byte(cfg.Seed)
	}
	sim, err := simulator.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create simulator: %w", err)
	}
	return sim, sim, nil
}

// NewStack assembles the authenticator described by cfg. Start is not
// called; commands that need the USB serial call it themselves.
func NewStack(cfg *config.Config) (*Stack, error) {
	flags, err := cfg.Features.Resolve()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging)
	s := &Stack{Config: cfg, Flags: flags, Logger: logger}

	backend, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, backend)

	bus, sim, err := openBus(cfg.Bus, backend, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if c, ok := bus.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	s.Simulator = sim

	s.Conn, err = atecc.New(bus, &atecc.Config{
		SendAttempts:    cfg.Bus.SendAttempts,
		ReceiveAttempts: cfg.Bus.ReceiveAttempts,
		Logger:          logger,
		Sleep:           elementSleep,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Flash, err = eeprom.New(storage.NewNamespace(backend, namespaceFlash))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Settings = devconf.New(s.Flash)
	settings, err := s.Settings.Load()
	if err != nil {
		logger.Warn("device configuration unreadable, using defaults", "error", err)
		settings = devconf.Default()
	}

	led := newLogLED(logger)
	s.Masks = mask.New(s.Conn, s.Flash, logger)
	s.Provisioner = provision.New(s.Conn, s.Masks, s.Flash, &provision.Config{
		Features: flags,
		Logger:   logger,
		LED:      led,
	})
	s.Credentials = credential.New(s.Conn, s.Masks, s.Flash, logger)

	pcfg := presence.Config{
		Timeout:    cfg.Presence.Timeout,
		FakeTouch:  flags.FakeTouch || cfg.Presence.FakeTouch,
		Production: flags.Production,
		Logger:     logger,
	}
	pcfg.MinPress = settings.MinPress(0)
	button := presence.ButtonFunc(func() bool { return false })
	s.Presence, err = presence.NewWaiter(presence.NewTracker(button, pcfg), led, nil, pcfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Custom, err = custom.New(s.Conn, &custom.Config{
		Features: flags,
		Presence: s.Presence,
		Factory:  s.Provisioner,
		Settings: s.Settings,
		Sanity:   s.Sanity,
		Logger:   logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Core, err = device.New(s.Conn, s.Flash, &device.Config{
		Features:    flags,
		Custom:      s.Custom,
		Provisioner: s.Provisioner,
		Settings:    s.Settings,
		Restart:     s.restart,
		Logger:      logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Sanity runs the invariant check over flash with the stack's flags.
func (s *Stack) Sanity() (sanity.Report, error) {
	return sanity.Check(s.Flash, s.Flags)
}

// restart runs after the core rebooted for a configuration change. It
// reloads the persisted settings so a broken blob fails the reboot.
func (s *Stack) restart(context.Context) error {
	settings, err := s.Settings.Load()
	if err != nil {
		return err
	}
	s.Logger.Info("device restarted", "usb_serial", settings.USBSerial)
	return nil
}

// Ping checks that the secure element answers. It waits for the
// message in flight, if any, to finish.
func (s *Stack) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Core.Do(ctx, func(ctx context.Context) error {
		_, err := s.Conn.Info(ctx)
		return err
	})
}

// GuardedSanity runs Sanity between messages, so a mask rotation in
// flight is never observed half done.
func (s *Stack) GuardedSanity() (sanity.Report, error) {
	var r sanity.Report
	err := s.Core.Do(context.Background(), func(context.Context) error {
		var err error
		r, err = s.Sanity()
		return err
	})
	return r, err
}

// Close releases the bus and the storage backend.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// openStack resolves the global configuration and assembles a Stack.
func openStack() (*Stack, error) {
	cfg, err := getConfig().Resolve()
	if err != nil {
		return nil, err
	}
	printVerbose("bus=%s storage=%s preset=%s", cfg.Bus.Kind, cfg.Storage.Backend, cfg.Features.Preset)
	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}
	return NewStack(cfg)
}
