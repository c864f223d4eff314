package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Info("should not appear")
	Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestSetLevelIgnoresInvalidValue(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	SetLevel("NOT_A_LEVEL")

	Info("still visible at info")
	assert.Contains(t, buf.String(), "still visible at info")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json")

	Info("hello", KeyUDID, "00008120-ABC")

	out := buf.String()
	require.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"udid":"00008120-ABC"`)
}

func TestLogContextFieldsPrepended(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json")

	lc := &LogContext{UDID: "udid-1", DeviceID: 7, Service: "com.apple.afc"}
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "dialing", "attempt", 1)

	out := buf.String()
	assert.Contains(t, out, `"udid":"udid-1"`)
	assert.Contains(t, out, `"device_id":7`)
	assert.Contains(t, out, `"service":"com.apple.afc"`)
	assert.Contains(t, out, `"attempt":1`)
}

func TestLogContextWithServiceClonesRatherThanMutates(t *testing.T) {
	base := &LogContext{UDID: "udid-1"}
	derived := base.WithService("com.apple.mobile.diagnostics_relay")

	assert.Empty(t, base.Service)
	assert.Equal(t, "com.apple.mobile.diagnostics_relay", derived.Service)
	assert.Equal(t, base.UDID, derived.UDID)
}
