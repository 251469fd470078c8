package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNewZapLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	l := NewZapLogger("tpc.log", dir, "info", 1, 1, false)
	l.Debug("hidden")
	l.Info("reactor started")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "tpc.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "reactor started")
	assert.NotContains(t, string(data), "hidden")
}

func TestGetLoggerDefaultsToNop(t *testing.T) {
	assert.NotNil(t, GetLogger())
	assert.NotNil(t, GetSugar())
}
