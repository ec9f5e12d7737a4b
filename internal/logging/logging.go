package logging

import (
	"log/slog"
	"os"
)

// Logger is the application logger. It wraps slog so call sites can pass
// alternating key/value pairs.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger writing text records to stdout.
func NewLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

// NewNopLogger creates a Logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}
