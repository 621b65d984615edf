package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{"trace level", "trace", LevelTrace},
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"error level", "ERROR", LevelError},
		{"none", "off", LevelNone},
		{"unknown", "loud", LevelInfo},
		{"empty", "", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(LevelEnv, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestConsoleLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, LevelInfo, false)
	log.Debug("hidden %d", 1)
	log.Info("shown %d", 2)
	log.Error("broken")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO ] shown 2")
	assert.Contains(t, out, "[ERROR] broken")
	assert.NotContains(t, out, "\033[")
}

func TestConsoleLoggerPrefixAndMetadata(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriterLogger(&buf, LevelTrace, false)
	log := WithKV(base.WithPrefix("[store]").WithPrefix("[store]"), "page", 3)
	log.Trace("saved")
	assert.Contains(t, buf.String(), "[TRACE] [store] saved {\"page\":3}")

	buf.Reset()
	base.Info("plain")
	assert.NotContains(t, buf.String(), "[store]")
	assert.NotContains(t, buf.String(), "page")
}

func TestNewConsoleLoggerDefaultsToStderr(t *testing.T) {
	log := NewConsoleLogger(LevelNone)
	c, ok := log.(*consoleLogger)
	require.True(t, ok)
	assert.Equal(t, os.Stderr, c.out)
	assert.Equal(t, LevelNone, c.level)
}

func TestTestLoggerSharesRecords(t *testing.T) {
	log := NewTestLogger()
	child := log.WithPrefix("[loader]").With(map[string]interface{}{"id": 1})
	log.Info("root %s", "a")
	child.Warn("child %d", 2)

	logs := log.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "INFO", logs[0].Severity)
	assert.Equal(t, "root a", logs[0].Formatted())
	assert.Equal(t, "WARNING", logs[1].Severity)
	assert.Equal(t, "[loader]", logs[1].Prefix)
	assert.Equal(t, 1, logs[1].Metadata["id"])
	assert.Nil(t, logs[0].Metadata)
	assert.Equal(t, 1, log.Count("WARNING", "child"))
	assert.Equal(t, 0, log.Count("ERROR", "child"))
}

func TestNopLogger(t *testing.T) {
	log := NewNop()
	log.With(nil).WithPrefix("x").Error("nothing %d", 1)
}
