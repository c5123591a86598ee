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

// Package presence turns a physical button into the user-presence signal
// credential operations wait on. Tracker debounces the button into
// logical states; Waiter blocks with a timeout until a press registers and
// consumes it so one touch confirms one operation.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
)

// Default timings.
const (
	DefaultTimeout      = 3 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
	DefaultBlinkCount   = 10
	DefaultBlinkPeriod  = 375 * time.Millisecond
	DefaultClearPeriod  = 2 * time.Second
	DefaultInitPeriod   = time.Second
	DefaultMinPress     = 750 * time.Millisecond
	DefaultMaxPress     = 3 * time.Second
	DefaultExtPress     = 5 * time.Second
	WinkCount           = 5
	WinkPeriod          = 300 * time.Millisecond
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("presence: invalid config")

// State is the logical button state. The values are reported on the
// wire by the status command.
type State uint8

const (
	StateInitializing State = iota
	StateReadyToClear
	StateUnpressed
	StatePressedRecently
	StateConsumed
	StateRegistered
	StateRegisteredTransient
	StateRegisteredExtended
)

var stateNames = [...]string{
	"initializing", "ready-to-clear", "unpressed", "pressed-recently",
	"consumed", "registered", "registered-transient", "registered-extended",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Button reads the physical button.
type Button interface {
	Pressed() bool
}

// ButtonFunc adapts a function to Button.
type ButtonFunc func() bool

// Pressed implements Button.
func (f ButtonFunc) Pressed() bool { return f() }

// Resetter recalibrates the touch sensor. It returns once the sensor
// reads released.
type Resetter interface {
	Reset(ctx context.Context) error
}

// LED is the status indicator.
type LED interface {
	On()
	Off()
	Blink(count int, period time.Duration)
	Blinking() bool
}

// Config configures a Tracker and Waiter.
type Config struct {
	// Timeout bounds a wait that has no press in progress.
	Timeout time.Duration

	// PollInterval is the delay between button samples.
	PollInterval time.Duration

	BlinkCount  int
	BlinkPeriod time.Duration

	// ClearPeriod is the minimum spacing of sensor recalibrations.
	ClearPeriod time.Duration

	// InitPeriod is how long after start the button is ignored.
	InitPeriod time.Duration

	// MinPress registers a touch, MaxPress ends the normal registered
	// window and ExtPress registers an extended touch.
	MinPress time.Duration
	MaxPress time.Duration
	ExtPress time.Duration

	// FakeTouch confirms every wait without a press.
	FakeTouch bool

	// Production keeps the LED dark during recalibration.
	Production bool

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *logging.Logger
}

// SetDefaults fills zero fields with default values.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BlinkCount == 0 {
		c.BlinkCount = DefaultBlinkCount
	}
	if c.BlinkPeriod == 0 {
		c.BlinkPeriod = DefaultBlinkPeriod
	}
	if c.ClearPeriod == 0 {
		c.ClearPeriod = DefaultClearPeriod
	}
	if c.InitPeriod == 0 {
		c.InitPeriod = DefaultInitPeriod
	}
	if c.MinPress == 0 {
		c.MinPress = DefaultMinPress
	}
	if c.MaxPress == 0 {
		c.MaxPress = DefaultMaxPress
	}
	if c.ExtPress == 0 {
		c.ExtPress = DefaultExtPress
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
}

// Validate checks the press windows are ordered.
func (c *Config) Validate() error {
	if c.Timeout <= 0 || c.PollInterval <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("timeout and poll interval must be positive"))
	}
	if !(c.MinPress < c.MaxPress && c.MaxPress < c.ExtPress) {
		return errors.Join(ErrInvalidConfig, errors.New("press windows must satisfy min < max < extended"))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NopLED is an LED that does nothing.
type NopLED struct{}

func (NopLED) On()                      {}
func (NopLED) Off()                     {}
func (NopLED) Blink(int, time.Duration) {}
func (NopLED) Blinking() bool           { return false }
