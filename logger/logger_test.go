package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"trace", LogLevelTrace},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"bogus", LogLevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
	assert.False(t, ValidLogLevel("verbose"))
	assert.True(t, ValidLogLevel("Warn"))
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(zapcore.AddSync(&buf), LogLevelWarn)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	l.Error("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
	assert.Contains(t, out, "[ERROR] shown 3")

	l.SetLevel(LogLevelTrace)
	assert.True(t, l.Enabled(LogLevelTrace))
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "[DEBUG] now visible")
}

func TestTraceNoopWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	setGlobal(New(zapcore.AddSync(&buf), LogLevelInfo))
	defer setGlobal(nil)

	Trace("op")()
	assert.Empty(t, buf.String())

	SetGlobalLevel(LogLevelTrace)
	Trace("op")()
	assert.Contains(t, buf.String(), "[TRACE] op:")
}

func TestLimitedFileRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	require.NoError(t, err)

	lf := NewLimitedFile(f, 10)
	defer lf.Close()

	for i := 0; i < 25; i++ {
		_, err := lf.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, lf.Lines(), 10)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, strings.Count(string(data), "\n"), 10)
}

func TestLimitedFileCountsExistingLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0644))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0666)
	require.NoError(t, err)
	lf := NewLimitedFile(f, 100)
	defer lf.Close()

	assert.Equal(t, 3, lf.Lines())
}
