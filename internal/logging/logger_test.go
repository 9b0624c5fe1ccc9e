package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(level string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewWithWriter(&Config{Level: level, JSONFormat: true}, &buf), &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestKeyValueArgs(t *testing.T) {
	l, buf := capture("INFO")
	l.WithComponent("billing").Info("Charge succeeded", "user_id", int64(7), "amount", 80.0, "error", errors.New("none"))

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "Charge succeeded", got[0]["message"])
	assert.Equal(t, "billing", got[0]["component"])
	assert.Equal(t, float64(7), got[0]["user_id"])
	assert.Equal(t, "none", got[0]["error"])
	assert.Equal(t, "info", got[0]["level"])
}

func TestPrintfArgs(t *testing.T) {
	l, buf := capture("INFO")
	l.Warn("retrying in %d seconds", 5)
	assert.Equal(t, "retrying in 5 seconds", lines(t, buf)[0]["message"])
}

func TestLevelFiltering(t *testing.T) {
	l, buf := capture("WARN")
	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown")
	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "shown", got[0]["message"])
}

func TestDerivedLoggersDoNotLeakFields(t *testing.T) {
	l, buf := capture("INFO")
	base := l.WithField("job", "weekly-charge")
	charge := ChargeContext(base, 7, 42, 2)
	charge.Info("attempt")
	base.Info("done")

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, float64(42), got[0]["billing_period_id"])
	assert.Equal(t, float64(2), got[0]["attempt"])
	assert.Equal(t, "weekly-charge", got[0]["job"])
	assert.NotContains(t, got[1], "billing_period_id")
}

func TestTraceContext(t *testing.T) {
	l, buf := capture("INFO")
	ctx, traced := WithTraceContext(context.Background(), l)
	traced.Info("request")

	id := TraceIDFromContext(ctx)
	require.NotEmpty(t, id)
	assert.Equal(t, id, lines(t, buf)[0]["trace_id"])
	assert.Same(t, traced, FromContext(ctx))
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
	assert.Equal(t, "ERROR", ERROR.String())
}

func TestNopDiscards(t *testing.T) {
	Nop().WithError(errors.New("x")).Error("nothing")
}
