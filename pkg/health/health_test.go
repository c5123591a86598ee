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

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jeremyhahn/go-u2fzero/pkg/sanity"
)

func TestNewChecker(t *testing.T) {
	checker := NewChecker(nil)
	if len(checker.checks) != 0 {
		t.Errorf("expected 0 checks, got %d", len(checker.checks))
	}
	if checker.started {
		t.Error("expected started to be false")
	}
}

func TestLive(t *testing.T) {
	var latched error
	checker := NewChecker(func() error { return latched })

	if r := checker.Live(context.Background()); r.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", r.Status)
	}
	latched = errors.New("device: halted: watchdog")
	r := checker.Live(context.Background())
	if r.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", r.Status)
	}
	if r.Error != latched.Error() {
		t.Errorf("expected error %q, got %q", latched, r.Error)
	}
}

func TestReadyOrdersAndTimesChecks(t *testing.T) {
	checker := NewChecker(nil)
	now := time.Unix(0, 0)
	checker.now = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	checker.RegisterCheck("zeta", func(context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	checker.RegisterCheck("alpha", func(context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	})
	checker.RegisterCheck("ignored", nil)

	results := checker.Ready(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Name != "alpha" || results[1].Name != "zeta" {
		t.Errorf("unexpected order: %s, %s", results[0].Name, results[1].Name)
	}
	if results[0].Latency != time.Millisecond {
		t.Errorf("expected 1ms latency, got %s", results[0].Latency)
	}
	if got := AggregateStatus(results); got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
}

func TestReadyWithoutChecks(t *testing.T) {
	results := NewChecker(nil).Ready(context.Background())
	if len(results) != 1 || results[0].Status != StatusHealthy {
		t.Errorf("expected one healthy default result, got %+v", results)
	}
}

func TestStartup(t *testing.T) {
	checker := NewChecker(nil)
	if r := checker.Startup(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy before start, got %s", r.Status)
	}
	checker.MarkStarted()
	if r := checker.Startup(context.Background()); r.Status != StatusHealthy {
		t.Errorf("expected healthy after start, got %s", r.Status)
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]CheckResult, len(tt.statuses))
			for i, s := range tt.statuses {
				results[i].Status = s
			}
			if got := AggregateStatus(results); got != tt.want {
				t.Errorf("AggregateStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestElementCheck(t *testing.T) {
	ok := ElementCheck(func(context.Context) error { return nil })(context.Background())
	if ok.Status != StatusHealthy || ok.Name != "secure_element" {
		t.Errorf("unexpected result %+v", ok)
	}
	bad := ElementCheck(func(context.Context) error { return errors.New("nack") })(context.Background())
	if bad.Status != StatusUnhealthy || bad.Error != "nack" {
		t.Errorf("unexpected result %+v", bad)
	}
}

func TestSanityCheck(t *testing.T) {
	tests := []struct {
		name   string
		report sanity.Report
		err    error
		want   Status
	}{
		{"passed", sanity.Report{ConstantsFilled: true, SecureStorage: true}, nil, StatusHealthy},
		{"debug build", sanity.Report{ConstantsFilled: true, SecureStorage: true, SetupMode: true}, nil, StatusDegraded},
		{"unreadable", sanity.Report{}, errors.New("read"), StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SanityCheck(func() (sanity.Report, error) { return tt.report, tt.err })(context.Background())
			if r.Status != tt.want {
				t.Errorf("got %s, want %s", r.Status, tt.want)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	var latched error
	checker := NewChecker(func() error { return latched })
	checker.RegisterCheck("secure_element", ElementCheck(func(context.Context) error { return nil }))
	h := checker.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/startup"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("startup: expected 503, got %d", rec.Code)
	}
	checker.MarkStarted()
	if rec := get("/startup"); rec.Code != http.StatusOK {
		t.Errorf("startup: expected 200, got %d", rec.Code)
	}

	rec := get("/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", rec.Code)
	}
	var body struct {
		Status Status        `json:"status"`
		Checks []CheckResult `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("ready: decode: %v", err)
	}
	if body.Status != StatusHealthy || len(body.Checks) != 1 {
		t.Errorf("ready: unexpected body %+v", body)
	}

	latched = errors.New("halted")
	if rec := get("/live"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("live: expected 503, got %d", rec.Code)
	}
}
