package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugSuppressedUnlessEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, FormatText, false)
	l.Debug("hidden")
	l.Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	l = NewLoggerWithWriter(&buf, FormatText, true)
	l.Debug("shown", "opcode", 0x1b)
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "opcode=27")
	assert.True(t, l.IsDebug())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, FormatJSON, false).With("component", "atecc")
	l.Info("woke", "attempt", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "woke", rec["msg"])
	assert.Equal(t, "atecc", rec["component"])
	assert.Equal(t, float64(2), rec["attempt"])
}

func TestMaybeError(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, FormatText, false)
	l.MaybeError(nil)
	assert.Empty(t, buf.String())

	l.MaybeError(errors.New("lock rejected"))
	assert.Contains(t, buf.String(), "lock rejected")
}
