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
	"sync"
	"time"
)

// Tracker debounces a Button into logical states. Poll must be called
// regularly; every other method only reads or moves the state.
type Tracker struct {
	mu      sync.Mutex
	button  Button
	cfg     Config
	state   State
	started time.Time
	pressed time.Time
}

// NewTracker returns a Tracker in StateInitializing. cfg is defaulted.
func NewTracker(button Button, cfg Config) *Tracker {
	cfg.SetDefaults()
	return &Tracker{button: button, cfg: cfg, state: StateInitializing}
}

// Poll samples the button at now.
func (t *Tracker) Poll(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateInitializing {
		if t.started.IsZero() {
			t.started = now
			return
		}
		if now.Sub(t.started) <= t.cfg.InitPeriod {
			return
		}
		t.state = StateReadyToClear
	}
	if t.state == StateReadyToClear {
		return
	}

	if !t.button.Pressed() {
		t.state = StateUnpressed
		return
	}
	held := now.Sub(t.pressed)
	switch t.state {
	case StateUnpressed:
		t.state = StatePressedRecently
		t.pressed = now
	case StatePressedRecently:
		if held >= t.cfg.MinPress {
			t.state = StateRegistered
		}
	case StateRegistered:
		if held >= t.cfg.MaxPress {
			t.state = StateRegisteredTransient
		}
	case StateRegisteredTransient:
		if held >= t.cfg.ExtPress {
			t.state = StateRegisteredExtended
		}
	}
}

// State returns the current logical state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// InProgress reports whether a press is held and has not been used.
func (t *Tracker) InProgress() bool {
	switch t.State() {
	case StatePressedRecently, StateRegistered, StateRegisteredTransient:
		return true
	}
	return false
}

// Consume marks the current press used.
func (t *Tracker) Consume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateConsumed
}

// Consumed reports whether the current press was already used.
func (t *Tracker) Consumed() bool {
	return t.State() == StateConsumed
}

// release moves a recalibrated button out of StateReadyToClear.
func (t *Tracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateReadyToClear {
		t.state = StateUnpressed
	}
}

// MinPress returns the press time that registers a touch.
func (t *Tracker) MinPress() time.Duration {
	return t.cfg.MinPress
}
