package logger

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	require.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
}

func TestJSONLoggerNamesComponents(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info", FormatJSON).Named("store")
	log.Debug("hidden")
	log.Info("written", zap.Int("changed", 2))
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "store", entry["component"])
	require.Equal(t, "INFO", entry["level"])
	require.Equal(t, "written", entry["msg"])
	require.Equal(t, float64(2), entry["changed"])
}
