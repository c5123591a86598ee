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

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsEnabled(t *testing.T) {
	assert.True(t, IsEnabled(), "metrics should be enabled by default")

	Disable()
	assert.False(t, IsEnabled())

	Enable()
	assert.True(t, IsEnabled())
}

func TestRecordCommand(t *testing.T) {
	Enable()
	CommandsTotal.Reset()
	CommandDuration.Reset()

	RecordCommand(0x1B, StatusSuccess, 0.01)
	RecordCommand(0x1B, StatusSuccess, 0.02)
	RecordCommand(0x41, StatusError, 0.05)

	assert.Equal(t, 2, testutil.CollectAndCount(CommandsTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(CommandDuration))
	assert.Equal(t, float64(2), testutil.ToFloat64(CommandsTotal.WithLabelValues("0x1b", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(CommandsTotal.WithLabelValues("0x41", StatusError)))
}

func TestRecordRetry(t *testing.T) {
	Enable()
	RetriesTotal.Reset()

	RecordRetry(PhaseSend, "nack")
	RecordRetry(PhaseReceive, "crc")
	RecordRetry(PhaseReceive, "crc")

	assert.Equal(t, float64(1), testutil.ToFloat64(RetriesTotal.WithLabelValues(PhaseSend, "nack")))
	assert.Equal(t, float64(2), testutil.ToFloat64(RetriesTotal.WithLabelValues(PhaseReceive, "crc")))
}

func TestRecordOperationAndError(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	OperationDuration.Reset()
	ErrorsTotal.Reset()

	RecordOperation(OpNewKeypair, StatusSuccess, 0.3)
	RecordError(OpNewKeypair, "rng")

	assert.Equal(t, 1, testutil.CollectAndCount(OperationsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(OperationDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpNewKeypair, "rng")))
}

func TestObserve(t *testing.T) {
	Enable()
	OperationsTotal.Reset()

	Observe(OpSign, time.Now(), nil)
	Observe(OpSign, time.Now(), errors.New("boom"))
	Observe(OpSign, time.Now(), nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(OperationsTotal.WithLabelValues(OpSign, StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(OperationsTotal.WithLabelValues(OpSign, StatusError)))
}

func TestDisabledMetricsAreNotRecorded(t *testing.T) {
	Enable()
	CommandsTotal.Reset()
	RetriesTotal.Reset()

	Disable()
	defer Enable()

	RecordCommand(0x02, StatusSuccess, 0.001)
	RecordRetry(PhaseSend, "nack")
	RecordOperation(OpSign, StatusSuccess, 0.1)
	RecordError(OpSign, "sign")

	assert.Equal(t, 0, testutil.CollectAndCount(CommandsTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(RetriesTotal))
}

func TestGauges(t *testing.T) {
	Enable()

	SetSanity(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(SanityPassed))
	SetSanity(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(SanityPassed))

	SetElementUp(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(ElementUp))
}

func TestOpcodeLabel(t *testing.T) {
	tests := []struct {
		opcode uint8
		want   string
	}{
		{0x02, "0x02"},
		{0x1B, "0x1b"},
		{0x47, "0x47"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, OpcodeLabel(tt.opcode))
		})
	}
}
