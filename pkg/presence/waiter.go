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

package presence

import (
	"context"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/ratelimit"
)

const clearKey = "clear"

// Kind selects the press a wait is satisfied by.
type Kind int

const (
	// Normal waits for a registered touch and blinks the LED.
	Normal Kind = iota

	// Extended waits for a long touch without blinking. It guards
	// destructive commands.
	Extended
)

func (k Kind) target() State {
	if k == Extended {
		return StateRegisteredExtended
	}
	return StateRegistered
}

// Waiter confirms user presence.
type Waiter struct {
	tracker  *Tracker
	led      LED
	resetter Resetter
	cfg      Config
	clears   *ratelimit.Limiter
}

// NewWaiter returns a Waiter. led and resetter may be nil.
func NewWaiter(tracker *Tracker, led LED, resetter Resetter, cfg Config) (*Waiter, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if led == nil {
		led = NopLED{}
	}
	return &Waiter{
		tracker:  tracker,
		led:      led,
		resetter: resetter,
		cfg:      cfg,
		clears: ratelimit.New(&ratelimit.Config{
			Enabled:  true,
			Interval: cfg.ClearPeriod,
			Now:      cfg.Now,
		}),
	}, nil
}

// Tracker returns the underlying Tracker.
func (w *Waiter) Tracker() *Tracker {
	return w.tracker
}

// LED returns the status indicator.
func (w *Waiter) LED() LED {
	return w.led
}

// Wait polls until a press of kind registers, the timeout passes with no
// press in progress, or ctx ends. A press already consumed by an earlier
// operation does not confirm a new one.
func (w *Waiter) Wait(ctx context.Context, kind Kind) (bool, error) {
	if w.tracker.Consumed() {
		return false, nil
	}
	if kind == Normal && !w.led.Blinking() {
		w.led.Blink(w.cfg.BlinkCount, w.cfg.BlinkPeriod)
	}

	target := kind.target()
	start := w.cfg.Now()
	for !w.cfg.FakeTouch && w.tracker.State() != target {
		w.tracker.Poll(w.cfg.Now())
		if w.tracker.State() == target {
			break
		}
		if w.cfg.Now().Sub(start) > w.cfg.Timeout && !w.tracker.InProgress() {
			break
		}
		if err := w.cfg.Sleep(ctx, w.cfg.PollInterval); err != nil {
			return false, err
		}
	}

	if !w.cfg.FakeTouch && w.tracker.State() != target {
		w.cfg.Logger.Debug("user presence not confirmed", "kind", int(kind))
		return false, nil
	}
	w.tracker.Consume()
	w.led.Off()
	return true, nil
}

// Clear recalibrates the sensor so a held finger does not count twice.
// It runs at most once per ClearPeriod, except for the first clear after
// start-up. It skips while a press is being made or was just used and
// reports whether a recalibration happened.
func (w *Waiter) Clear(ctx context.Context) (bool, error) {
	state := w.tracker.State()
	switch state {
	case StateInitializing, StatePressedRecently, StateConsumed:
		return false, nil
	case StateReadyToClear:
		w.clears.Record(clearKey)
	default:
		if !w.clears.Allow(clearKey) {
			return false, nil
		}
	}

	if !w.cfg.Production {
		w.led.On()
	}
	if w.resetter != nil {
		if err := w.resetter.Reset(ctx); err != nil {
			return false, err
		}
	}
	if !w.cfg.Production {
		w.led.Off()
	}
	w.tracker.release()
	return true, nil
}

// Wink blinks the LED to identify the device.
func (w *Waiter) Wink() {
	w.led.Blink(WinkCount, WinkPeriod)
}

// Period returns the recalibration spacing.
func (w *Waiter) Period() time.Duration {
	return w.cfg.ClearPeriod
}

// InitPeriod returns how long after start the button is ignored.
func (w *Waiter) InitPeriod() time.Duration {
	return w.cfg.InitPeriod
}
