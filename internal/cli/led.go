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
	"sync"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/logging"
)

// logLED stands in for the status LED on a host. Pattern changes are
// logged at debug level.
type logLED struct {
	mu       sync.Mutex
	logger   *logging.Logger
	lit      bool
	blinkEnd time.Time
	now      func() time.Time
}

func newLogLED(logger *logging.Logger) *logLED {
	return &logLED{logger: logger, now: time.Now}
}

func (l *logLED) On() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lit {
		l.logger.Debug("led on")
	}
	l.lit = true
	l.blinkEnd = time.Time{}
}

func (l *logLED) Off() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lit {
		l.logger.Debug("led off")
	}
	l.lit = false
	l.blinkEnd = time.Time{}
}

// Blink starts count on/off cycles of period each.
func (l *logLED) Blink(count int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Debug("led blink", "count", count, "period", period)
	l.blinkEnd = l.now().Add(time.Duration(count) * period)
}

func (l *logLED) Blinking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.blinkEnd)
}
