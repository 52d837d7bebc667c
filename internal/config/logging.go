package config

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger from cfg. Stdout gets JSON or a tint
// console handler depending on cfg.Format. When cfg.File is set, records are
// also appended to that file as JSON. The returned cleanup closes the file.
func SetupLogger(cfg LogConfig) (*slog.Logger, func() error) {
	level := ParseLevel(cfg.Level)
	stdoutHandler := newHandler(os.Stdout, cfg.Format, level)

	if cfg.File == "" {
		return slog.New(stdoutHandler), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stdoutHandler)
		logger.Error("failed to open log file, using stdout only", "error", err, "file", cfg.File)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(slogmulti.Fanout(stdoutHandler, fileHandler))
	return logger, file.Close
}

// SetupLoggerWithWriters creates a fanout logger over custom writers (for testing).
func SetupLoggerWithWriters(out, file io.Writer, format string, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		newHandler(out, format, level),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if format == "console" {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
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
