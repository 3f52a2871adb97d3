package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/ynab-sync/internal/infrastructure/config"
)

func newTextLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	h := NewMavenHandler(buf, &slog.HandlerOptions{Level: level}).WithoutTimestamps()
	return slog.New(h)
}

func TestMavenHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := newTextLogger(&buf, slog.LevelInfo).With("system", "sync")

	logger.Info("delta merged", "budget", "b1", "applied", 3)

	assert.Equal(t, "[INFO] [sync] delta merged budget=b1 applied=3\n", buf.String())
}

func TestMavenHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newTextLogger(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Debug("hidden too")
	logger.Warn("shown")

	assert.Equal(t, "[WARN] shown\n", buf.String())
}

func TestMavenHandler_QuotesAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := newTextLogger(&buf, slog.LevelDebug)

	logger.WithGroup("op").Error("submit failed",
		"memo", "two words",
		"error", errors.New("boom"),
		slog.Group("retry", "attempt", 2),
	)

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[ERROR] submit failed"))
	assert.Contains(t, line, `op.memo="two words"`)
	assert.Contains(t, line, "op.error=boom")
	assert.Contains(t, line, "op.retry.attempt=2")
}

func TestMavenHandler_SystemFromRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := newTextLogger(&buf, slog.LevelInfo)

	logger.Info("started", "system", "api", "port", 8080)

	assert.Equal(t, "[INFO] [api] started port=8080\n", buf.String())
}

func TestNewLoggerTo_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, config.LoggingConfig{Level: "debug", Format: "json"})

	logger.Debug("cache saved", "budget", "b1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cache saved", entry["msg"])
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "b1", entry["budget"])
}

func TestOutput_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sync.log")
	cfg := config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}
	t.Cleanup(func() { _ = CloseFiles() })

	assert.Same(t, Output(cfg), Output(cfg), "one writer per file")

	NewLoggerWithSystem(cfg, "cli").Info("written to file")
	require.NoError(t, CloseFiles())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] [cli]")
	assert.Contains(t, string(data), "written to file")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
