package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/stenobot-io/stenobot/internal/config"
)

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer so tests can
// capture console output without touching os.Stdout.
type syncBuffer struct {
	bytes.Buffer
}

func (b *syncBuffer) Sync() error { return nil }

func TestInitializeConsoleLoggerWithColors(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf syncBuffer
	cfg := config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "stenobot-test",
		Colors:      config.ColorConfig{Info: "green"},
	}
	Initialize(cfg, zapcore.Lock(&buf))

	GetLogger().Info("Session state transition.")

	output := buf.String()
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "Session state transition.")
	assert.Contains(t, output, colorGreen)
	assert.Contains(t, output, colorReset)
	assert.Contains(t, output, "stenobot-test")
}

func TestInitializeJSONLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf syncBuffer
	cfg := config.LoggerConfig{
		Level:       "info",
		Format:      "json",
		ServiceName: "stenobot-test",
	}
	Initialize(cfg, zapcore.Lock(&buf))

	GetLogger().Info("structured entry")

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "structured entry", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf syncBuffer
	Initialize(config.LoggerConfig{Level: "warn", Format: "console"}, zapcore.Lock(&buf))

	GetLogger().Debug("too quiet")
	GetLogger().Info("still too quiet")
	GetLogger().Warn("loud enough")

	output := buf.String()
	assert.NotContains(t, output, "too quiet")
	assert.Contains(t, output, "loud enough")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf syncBuffer
	Initialize(config.LoggerConfig{Level: "shouting", Format: "console"}, zapcore.Lock(&buf))

	GetLogger().Debug("filtered at info")
	GetLogger().Info("passes at info")

	output := buf.String()
	assert.NotContains(t, output, "filtered at info")
	assert.Contains(t, output, "passes at info")
}

func TestFileCoreWritesRotatedJSON(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logFile := filepath.Join(t.TempDir(), "stenobot.log")
	var buf syncBuffer
	cfg := config.LoggerConfig{
		Level:   "info",
		Format:  "console",
		LogFile: logFile,
		MaxSize: 1,
	}
	Initialize(cfg, zapcore.Lock(&buf))

	GetLogger().Info("goes to file too")
	Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "goes to file too", entry["msg"], "file output must be JSON regardless of console format")
}

func TestGetLoggerBeforeInitializeReturnsFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// Must be safe to use even with no initialization at all.
	logger.Info("fallback logger works")
}

func TestInitializeIsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second syncBuffer
	Initialize(config.LoggerConfig{Level: "info", Format: "console"}, zapcore.Lock(&first))
	Initialize(config.LoggerConfig{Level: "debug", Format: "console"}, zapcore.Lock(&second))

	GetLogger().Info("who gets this")

	assert.Contains(t, first.String(), "who gets this")
	assert.Empty(t, second.String(), "second Initialize must be a no-op")
}
