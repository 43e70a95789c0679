package log

import (
	"context"
	"log/slog"
)

// WithMinLevel wraps l so events below min are dropped before they reach the
// backend. Components with their own log_level setting use it to be quieter
// (or louder, up to the backend's level) than the process default.
func WithMinLevel(l Logger, min slog.Level) Logger {
	if l == nil {
		return Nop()
	}
	if _, ok := l.(nopLogger); ok {
		return l
	}
	return &levelLogger{next: l, min: min}
}

type levelLogger struct {
	next Logger
	min  slog.Level
}

func (l *levelLogger) With(kv ...any) Logger {
	return &levelLogger{next: l.next.With(kv...), min: l.min}
}

func (l *levelLogger) Debug(ctx context.Context, msg string, kv ...any) {
	if l.min <= slog.LevelDebug {
		l.next.Debug(ctx, msg, kv...)
	}
}

func (l *levelLogger) Info(ctx context.Context, msg string, kv ...any) {
	if l.min <= slog.LevelInfo {
		l.next.Info(ctx, msg, kv...)
	}
}

func (l *levelLogger) Warn(ctx context.Context, msg string, kv ...any) {
	if l.min <= slog.LevelWarn {
		l.next.Warn(ctx, msg, kv...)
	}
}

func (l *levelLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if l.min <= slog.LevelError {
		l.next.Error(ctx, err, msg, kv...)
	}
}

func (l *levelLogger) Sync() error { return l.next.Sync() }
