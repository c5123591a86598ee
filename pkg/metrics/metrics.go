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

// Package metrics provides Prometheus instrumentation for the authenticator
// core. It exposes secure element command counters, bus retry counters,
// operation histograms and health gauges.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics
	Namespace = "u2fzero"

	// Label names
	LabelOpcode    = "opcode"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelPhase     = "phase"
	LabelReason    = "reason"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Retry phases
	PhaseSend    = "send"
	PhaseReceive = "receive"

	// Operation names
	OpNewKeypair   = "new_keypair"
	OpLoadKey      = "load_key"
	OpSign         = "sign"
	OpCounter      = "counter"
	OpAppIDCheck   = "appid_check"
	OpGenerateMask = "generate_mask"
	OpPrivWrite    = "privwrite"
	OpEncWrite     = "encrypted_write"
	OpProvision    = "provision"
	OpLock         = "lock"
	OpCustom       = "custom"
	OpSanity       = "sanity"
)

var (
	// CommandsTotal counts secure element transactions by opcode and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "atecc",
			Name:      "commands_total",
			Help:      "Total number of secure element commands by opcode and status",
		},
		[]string{LabelOpcode, LabelStatus},
	)

	// CommandDuration tracks the wall time of a full wake/send/receive/idle
	// transaction.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "atecc",
			Name:      "command_duration_seconds",
			Help:      "Duration of secure element transactions in seconds",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{LabelOpcode},
	)

	// RetriesTotal counts bus recoveries by phase and reason.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "atecc",
			Name:      "retries_total",
			Help:      "Total number of bus retries by phase and reason",
		},
		[]string{LabelPhase, LabelReason},
	)

	// OperationsTotal tracks core operations by name and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of core operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OperationDuration tracks the duration of core operations in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of core operations in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelOperation},
	)

	// ErrorsTotal tracks errors by operation and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error type",
		},
		[]string{LabelOperation, LabelErrorType},
	)

	// SanityPassed is 1 when the last invariant check passed.
	SanityPassed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sanity_passed",
			Help:      "Whether the last device sanity check passed (1) or failed (0)",
		},
	)

	// ElementUp is 1 when the last check of the secure element succeeded.
	ElementUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "atecc",
			Name:      "up",
			Help:      "Whether the secure element answered the last check",
		},
	)

	// CheckTimestamp records the unix time of the last check.
	CheckTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "atecc",
			Name:      "last_check_timestamp_seconds",
			Help:      "Unix time of the last secure element check",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// OpcodeLabel renders an opcode as a label value.
func OpcodeLabel(opcode uint8) string {
	return fmt.Sprintf("0x%02x", opcode)
}

// RecordCommand records one secure element transaction.
func RecordCommand(opcode uint8, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	label := OpcodeLabel(opcode)
	CommandsTotal.WithLabelValues(label, status).Inc()
	CommandDuration.WithLabelValues(label).Observe(duration)
}

// RecordRetry records a bus recovery.
//
// Parameters:
//   - phase: PhaseSend or PhaseReceive
//   - reason: short identifier of the failure (e.g., "nack", "crc", "watchdog")
func RecordRetry(phase, reason string) {
	if !enabled.Load() {
		return
	}
	RetriesTotal.WithLabelValues(phase, reason).Inc()
}

// RecordOperation records a core operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	handle, pub, err := store.NewKeypair(ctx, appID)
//	status := metrics.StatusSuccess
//	if err != nil {
//	    status = metrics.StatusError
//	}
//	metrics.RecordOperation(metrics.OpNewKeypair, status, time.Since(start).Seconds())
func RecordOperation(operation, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration)
}

// Observe records operation with the outcome of err, measured from start.
// Typical use is deferred:
//
//	defer func(start time.Time) { metrics.Observe(metrics.OpSign, start, err) }(time.Now())
func Observe(operation string, start time.Time, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	RecordOperation(operation, status, time.Since(start).Seconds())
}

// RecordError records an error event with the operation it occurred in.
func RecordError(operation, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetSanity records the result of an invariant check.
func SetSanity(passed bool) {
	if !enabled.Load() {
		return
	}
	SanityPassed.Set(boolGauge(passed))
}

// SetElementUp records the result of a secure element check.
func SetElementUp(up bool) {
	if !enabled.Load() {
		return
	}
	ElementUp.Set(boolGauge(up))
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
