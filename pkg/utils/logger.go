package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger on stdout tagged with the service name.
// level is one of debug, info, warn, error; anything else means info.
func NewLogger(service, level string) *Logger {
	return NewLoggerWithWriter(os.Stdout, service, level)
}

// NewLoggerWithWriter is NewLogger with an explicit destination.
func NewLoggerWithWriter(w io.Writer, service, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})

	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}

	return &Logger{
		Logger: logger,
	}
}

// NopLogger discards everything. Used by tests and optional components.
func NopLogger() *Logger {
	return NewLoggerWithWriter(io.Discard, "", "error")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Fatal logs a fatal level message and exits the program
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.Logger.Error(msg, args...)
	os.Exit(1)
}

// With returns a new logger with the given key-value pairs added to the context
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}
