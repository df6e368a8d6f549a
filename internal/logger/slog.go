// Package logger provides the daemon's structured logging: a slog.Logger
// writing to both stdout and a rotated log file, with request/session
// context fields threaded through ctx.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

var slogger *slog.Logger

// Init opens (or creates) <logDir>/current.log, wires a slog.Logger that
// writes to both it and stdout when print is true, and installs it as the
// process default. level is one of debug|info|warn|error, the same set
// config.LoggingConfig.Level accepts.
func Init(logDir, level string, print bool) (io.Closer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	logPath := filepath.Join(logDir, "current.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	var writer io.Writer = logFile
	if print {
		writer = io.MultiWriter(os.Stdout, logFile)
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(level)})
	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return logFile, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog returns the process logger, or slog.Default() if Init was never
// called (tests, one-off CLI invocations).
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeySessionID contextKey = "session_id"
)

// WithRequestID returns a ctx carrying requestID for WithContext to surface.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithSessionID returns a ctx carrying sessionID for WithContext to surface.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithContext returns Slog() augmented with any request_id/session_id
// values found on ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		l = l.With("request_id", v)
	}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		l = l.With("session_id", v)
	}
	return l
}

func InfoContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Info(msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Warn(msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Error(msg, args...) }
func DebugContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Debug(msg, args...) }
