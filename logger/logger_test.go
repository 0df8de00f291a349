package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogger_FormatRFC3339Millis(t *testing.T) {
	ts := time.Date(2025, time.March, 10, 8, 5, 3, 42_500_000, time.FixedZone("x", 3600))
	assert.Equal(t, "2025-03-10T07:05:03.042Z", formatRFC3339Millis(ts))
}

func TestLogger_DropsEmptyStrings(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)

	log.Info("settled", "batch_id", "b-1", "error", "")

	out := buf.String()
	assert.Contains(t, out, "batch_id")
	assert.Contains(t, out, "b-1")
	assert.NotContains(t, out, "error")
}

func TestLogger_VerboseEnablesDebug(t *testing.T) {
	var quiet, verbose bytes.Buffer
	NewWithWriter(&quiet, false).Debug("hidden")
	NewWithWriter(&verbose, true).Debug("shown")

	assert.Empty(t, quiet.String())
	assert.Contains(t, verbose.String(), "shown")
}
