// Package log wraps log/slog with the logger-in-context convention used
// throughout the supervisor core: every long-lived activity derives its own
// logger via With(...) rather than passing ad-hoc key/value pairs at each
// call site.
package log

import (
	"context"
	"log/slog"
	"os"
)

// Logger is a wrapper around slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a new logger at the given level, writing JSON lines to stdout.
func New(level slog.Level) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return &Logger{slog.New(handler)}
}

type ctxKey struct{}

// FromContext retrieves a logger from context, or returns the default logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return logger
	}
	return New(slog.LevelInfo)
}

// WithContext adds a logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// With adds key-value pairs to the logger, returning a derived logger.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l.Logger.With(args...)}
}
