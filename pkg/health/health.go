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

// Package health reports whether the authenticator can serve requests.
//
// Liveness fails only once the core has latched a fatal error and needs a
// power cycle. Readiness runs the registered checks, typically a secure
// element check and the flash sanity check. Startup fails until the core
// has booted.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/sanity"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is operating normally.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is not functioning.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component works but is not fit for release.
	StatusDegraded Status = "degraded"
)

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckFunc performs one readiness check.
type CheckFunc func(ctx context.Context) CheckResult

// Checker manages the checks.
type Checker struct {
	mu        sync.RWMutex
	started   bool
	startTime time.Time
	checks    map[string]CheckFunc
	liveness  func() error
	now       func() time.Time
}

// NewChecker creates a new health checker. liveness returns the fatal
// error latched by the core, if any; nil means always alive.
func NewChecker(liveness func() error) *Checker {
	return &Checker{
		checks:    make(map[string]CheckFunc),
		startTime: time.Now(),
		liveness:  liveness,
		now:       time.Now,
	}
}

// RegisterCheck adds a readiness check, replacing one of the same name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// MarkStarted records that the core has booted.
func (c *Checker) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

// Live reports whether the core is still running.
func (c *Checker) Live(ctx context.Context) CheckResult {
	r := CheckResult{Name: "liveness", Status: StatusHealthy, Message: "core running"}
	if c.liveness == nil {
		return r
	}
	if err := c.liveness(); err != nil {
		r.Status = StatusUnhealthy
		r.Message = "core halted"
		r.Error = err.Error()
	}
	return r
}

// Ready runs every registered check, ordered by name.
func (c *Checker) Ready(ctx context.Context) []CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks[name] = check
	}
	c.mu.RUnlock()
	sort.Strings(names)

	if len(names) == 0 {
		return []CheckResult{{
			Name:    "default",
			Status:  StatusHealthy,
			Message: "No readiness checks configured",
		}}
	}

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		start := c.now()
		result := checks[name](ctx)
		result.Latency = c.now().Sub(start)
		if result.Name == "" {
			result.Name = name
		}
		results = append(results, result)
	}
	return results
}

// Startup fails until MarkStarted is called.
func (c *Checker) Startup(ctx context.Context) CheckResult {
	c.mu.RLock()
	started := c.started
	startTime := c.startTime
	c.mu.RUnlock()

	if !started {
		return CheckResult{
			Name:    "startup",
			Status:  StatusUnhealthy,
			Message: "core not booted",
		}
	}
	return CheckResult{
		Name:    "startup",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("core booted (uptime: %s)", c.now().Sub(startTime).Round(time.Second)),
	}
}

// AggregateStatus returns unhealthy if any result is unhealthy, degraded
// if any is degraded, and healthy otherwise.
func AggregateStatus(results []CheckResult) Status {
	hasDegraded := false
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// ElementCheck reports the secure element unhealthy when ping fails.
func ElementCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) CheckResult {
		r := CheckResult{Name: "secure_element", Status: StatusHealthy, Message: "responding"}
		if err := ping(ctx); err != nil {
			r.Status = StatusUnhealthy
			r.Message = "not responding"
			r.Error = err.Error()
		}
		return r
	}
}

// SanityCheck reports flash unhealthy when it cannot be read and degraded
// when the invariant check fails.
func SanityCheck(check func() (sanity.Report, error)) CheckFunc {
	return func(ctx context.Context) CheckResult {
		r := CheckResult{Name: "sanity"}
		report, err := check()
		switch {
		case err != nil:
			r.Status = StatusUnhealthy
			r.Error = err.Error()
		case !report.Passed():
			r.Status = StatusDegraded
			r.Message = fmt.Sprintf("bits 0x%02x", report.Bits())
		default:
			r.Status = StatusHealthy
			r.Message = fmt.Sprintf("bits 0x%02x", report.Bits())
		}
		return r
	}
}

// Handler serves /live, /ready and /startup below the mount point.
// Unhealthy answers use status 503; degraded readiness is still 200.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		res := c.Live(r.Context())
		writeResult(w, res.Status, res)
	})
	mux.HandleFunc("/startup", func(w http.ResponseWriter, r *http.Request) {
		res := c.Startup(r.Context())
		writeResult(w, res.Status, res)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		results := c.Ready(r.Context())
		status := AggregateStatus(results)
		writeResult(w, status, map[string]any{"status": status, "checks": results})
	})
	return mux
}

func writeResult(w http.ResponseWriter, status Status, body any) {
	w.Header().Set("Content-Type", "application/json")
	if status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(body)
}
