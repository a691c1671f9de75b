package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestFieldsPairsKeysAndValues(t *testing.T) {
	got := fields([]interface{}{"path", "/tmp/x", 42, "ignored", "err", errors.New("boom"), "dangling"})
	require.Len(t, got, 2)
	assert.Equal(t, "path", got[0].Key)
	assert.Equal(t, "err", got[1].Key)
	assert.Equal(t, zapcore.ErrorType, got[1].Type)
}

func TestNewWritesJSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "service.log")
	log, err := New(LogConfig{Level: "debug", Format: "json", Output: out})
	require.NoError(t, err)

	log.With("request_id", "abc").Debug("decoded", "detections", 3)
	log.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request_id":"abc"`)
	assert.Contains(t, string(data), `"detections":3`)
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestNewFallsBackToInfo(t *testing.T) {
	log, err := New(LogConfig{Level: "chatty"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}
