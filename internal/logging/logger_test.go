package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Color: ColorNever})
	logger.Info("request completed", "request_id", "r1")

	require.Contains(t, buf.String(), `"msg":"request completed"`)
	require.Contains(t, buf.String(), `"request_id":"r1"`)
}

func TestNewColorForceUsesTextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Color: ColorForce})
	logger.Info("worker spawned", "worker_id", 2)

	out := buf.String()
	require.Contains(t, out, "worker spawned")
	require.Contains(t, out, "worker_id=2")
	require.NotContains(t, out, `"msg"`, "text handler must not emit JSON")
}

func TestLevelFiltersBelowConfiguredMinimum(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Color: ColorNever, Level: slog.LevelWarn})
	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	require.NotContains(t, out, "should be dropped")
	require.Contains(t, out, "should appear")
}

func TestWithAttrsCarriesThroughToTextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Color: ColorForce}).With("request_id", "r42")
	logger.Info("chunk emitted")

	require.Contains(t, buf.String(), "request_id=r42")
}
