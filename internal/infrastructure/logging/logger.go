// Package logging provides structured logging utilities.
//
// Text logs are formatted in Maven-style with colors:
// [LEVEL] [SYSTEM] [HH:MM:SS] message key=value
//
// A terminal front end owns stdout, so logs can instead go to a rotating
// file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eshaffer321/ynab-sync/internal/infrastructure/config"
)

// NewLogger creates a structured logger based on config
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerTo(Output(cfg), cfg)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(NewMavenHandler(w, opts))
}

// NewLoggerWithSystem creates a logger with a system prefix (e.g., "sync", "remote", "api")
// This is useful for creating scoped loggers that can be injected into external libraries
func NewLoggerWithSystem(cfg config.LoggingConfig, system string) *slog.Logger {
	logger := NewLogger(cfg)
	return logger.With("system", system)
}

var (
	filesMu sync.Mutex
	files   = make(map[string]*lumberjack.Logger)
)

// Output returns the destination configured by cfg: a rotating file when
// cfg.File is set, stdout otherwise. Loggers for the same file share one
// writer so rotation happens once.
func Output(cfg config.LoggingConfig) io.Writer {
	if cfg.File == "" {
		return os.Stdout
	}

	filesMu.Lock()
	defer filesMu.Unlock()

	if w, ok := files[cfg.File]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	files[cfg.File] = w
	return w
}

// CloseFiles closes every rotating log file opened by Output.
func CloseFiles() error {
	filesMu.Lock()
	defer filesMu.Unlock()

	var firstErr error
	for name, w := range files {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(files, name)
	}
	return firstErr
}

// ParseLevel maps a config level name to a slog level. Unknown names mean
// info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
