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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
)

const (
	// DefaultSendAttempts is the number of writes tried per send before
	// a persistent NACK is reported.
	DefaultSendAttempts = 8

	// DefaultReceiveAttempts is the receive budget of a transaction.
	DefaultReceiveAttempts = 16
)

// Config configures a Conn.
type Config struct {
	// SendAttempts bounds the writes of one send on NACK.
	SendAttempts int `yaml:"send_attempts" json:"send_attempts"`

	// ReceiveAttempts bounds the failed receives of one transaction.
	ReceiveAttempts int `yaml:"receive_attempts" json:"receive_attempts"`

	// Logger receives debug output. Secrets are never logged.
	Logger *logging.Logger `yaml:"-" json:"-"`

	// Sleep waits between protocol steps. Defaults to time.Sleep.
	Sleep func(time.Duration) `yaml:"-" json:"-"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.SendAttempts == 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.ReceiveAttempts == 0 {
		c.ReceiveAttempts = DefaultReceiveAttempts
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
}

// Validate checks the retry budget.
func (c *Config) Validate() error {
	if c.SendAttempts < 1 {
		return fmt.Errorf("%w: send attempts must be positive", ErrInvalidConfig)
	}
	if c.ReceiveAttempts < 1 {
		return fmt.Errorf("%w: receive attempts must be positive", ErrInvalidConfig)
	}
	return nil
}

// Conn serializes transactions with one secure element.
type Conn struct {
	mu     sync.Mutex
	bus    Bus
	cfg    Config
	logger *logging.Logger
}

// New returns a Conn over bus. A nil config selects the defaults.
func New(bus Bus, config *Config) (*Conn, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: nil bus", ErrInvalidConfig)
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Conn{
		bus:    bus,
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Execute runs one command: wake, settle, send, receive with recovery,
// idle. rx is the receive buffer; its length is the accepted response
// capacity. A nil rx allocates MaxResponse bytes. The returned slice is a
// view into rx without the length byte and CRC.
//
// The context is consulted before the transaction starts; a transaction in
// flight is never abandoned part way.
func (c *Conn) Execute(ctx context.Context, cmd Command, rx []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	if len(rx) == 0 {
		rx = make([]byte, MaxResponse)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	resp, err := c.transact(cmd.Opcode, frame, rx)
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		c.logger.Debug("atecc command failed",
			"opcode", metrics.OpcodeLabel(cmd.Opcode), "error", err)
	}
	metrics.RecordCommand(cmd.Opcode, status, time.Since(start).Seconds())
	return resp, err
}

// Send writes one command frame to an awake device, retrying bus NACKs
// up to SendAttempts. Execute is the normal entry point; Send and
// Receive serve callers that sequence wake and idle themselves.
func (c *Conn) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := cmd.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(frame)
}

// Receive reads one response into rx and returns the payload view. A read
// NACK means the device is still busy and is polled again after delay,
// up to ReceiveAttempts reads. Device errors and malformed responses are
// returned at once since recovering from them needs a resend.
func (c *Conn) Receive(ctx context.Context, rx []byte, delay time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(rx) == 0 {
		rx = make([]byte, MaxResponse)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for reads := 1; ; reads++ {
		var n int
		if n, err = c.bus.Read(rx); err == nil {
			return ValidateResponse(rx, n)
		}
		if !errors.Is(err, ErrNACK) {
			return nil, fmt.Errorf("%w: receive: %w", ErrBus, err)
		}
		if reads >= c.cfg.ReceiveAttempts {
			return nil, fmt.Errorf("%w: %d receive attempts: %w", ErrRetriesExhausted, reads, err)
		}
		metrics.RecordRetry(metrics.PhaseReceive, retryReason(err))
		c.cfg.Sleep(delay)
	}
}

func (c *Conn) transact(opcode uint8, frame, rx []byte) ([]byte, error) {
	if err := c.wake(); err != nil {
		return nil, err
	}
	defer c.idle()

	receives := 0
	resend := true
	for {
		if resend {
			if err := c.send(frame); err != nil {
				return nil, err
			}
		}
		resend = true

		n, err := c.bus.Read(rx)
		if err == nil {
			var resp []byte
			if resp, err = ValidateResponse(rx, n); err == nil {
				return resp, nil
			}
		}

		receives++
		if receives >= c.cfg.ReceiveAttempts {
			return nil, fmt.Errorf("%w: %d receive attempts: %w", ErrRetriesExhausted, receives, err)
		}
		metrics.RecordRetry(metrics.PhaseReceive, retryReason(err))

		status, isDevice := Status(err)
		switch {
		case !isDevice && errors.Is(err, ErrNACK):
			// Still executing; poll again without resending.
			c.cfg.Sleep(CommandDelay(opcode))
			resend = false
		case status == StatusWatchdog:
			c.idle()
			c.cfg.Sleep(WatchdogRecover)
			if err := c.wake(); err != nil {
				return nil, err
			}
		case status == StatusAfterWake:
			c.cfg.Sleep(AfterWakeDelay)
		default:
			c.cfg.Sleep(GenericRetry)
		}
	}
}

// send writes the frame behind the command word address.
func (c *Conn) send(frame []byte) error {
	p := make([]byte, 0, len(frame)+1)
	p = append(p, WordAddressCommand)
	p = append(p, frame...)

	var err error
	for attempt := 1; attempt <= c.cfg.SendAttempts; attempt++ {
		if err = c.bus.Write(p); err == nil {
			return nil
		}
		if !errors.Is(err, ErrNACK) {
			return fmt.Errorf("%w: send: %w", ErrBus, err)
		}
		metrics.RecordRetry(metrics.PhaseSend, retryReason(err))
	}
	return fmt.Errorf("%w: %d send attempts: %w", ErrRetriesExhausted, c.cfg.SendAttempts, err)
}

func (c *Conn) wake() error {
	if err := c.bus.Wake(); err != nil {
		return fmt.Errorf("%w: wake: %w", ErrBus, err)
	}
	c.cfg.Sleep(WakeSettle)
	return nil
}

func (c *Conn) idle() {
	if err := c.bus.Write([]byte{WordAddressIdle}); err != nil {
		c.logger.Debug("atecc idle not acknowledged", "error", err)
	}
}

// Wake wakes the device and waits for it to settle.
func (c *Conn) Wake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wake()
}

// Idle puts the device in idle state, preserving TempKey.
func (c *Conn) Idle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Write([]byte{WordAddressIdle})
}

// Sleep puts the device in its low power state, clearing TempKey.
func (c *Conn) Sleep() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Write([]byte{WordAddressSleep})
}

func retryReason(err error) string {
	if status, ok := Status(err); ok {
		switch status {
		case StatusWatchdog:
			return "watchdog"
		case StatusAfterWake:
			return "after_wake"
		default:
			return "status"
		}
	}
	switch {
	case errors.Is(err, ErrNACK):
		return "nack"
	case errors.Is(err, ErrCRC):
		return "crc"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrBadLength):
		return "bad_length"
	default:
		return "other"
	}
}
