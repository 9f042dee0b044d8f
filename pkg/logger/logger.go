// Package logger provides a small structured-logging facade over log/slog
// shared by every actor and protocol engine in the security core.
//
// Callers use package-level functions (Infof, Debugf, Debugw, Errorf, Warnf)
// rather than threading a logger through every call site. The underlying
// *slog.Logger is swappable via SetLogger, primarily for tests.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

// SetLogger replaces the process-wide logger. Intended for tests and for
// hosts that want to route our logs into their own handler.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	singleton.Store(l)
}

// L returns the current process-wide logger.
func L() *slog.Logger {
	return singleton.Load()
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) {
	L().Debug(sprintf(format, args...))
}

// Debug logs a message at debug level.
func Debug(msg string) {
	L().Debug(msg)
}

// Debugw logs a message at debug level with structured key-value pairs.
func Debugw(msg string, kv ...any) {
	L().Debug(msg, kv...)
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) {
	L().Info(sprintf(format, args...))
}

// Infow logs a message at info level with structured key-value pairs.
func Infow(msg string, kv ...any) {
	L().Info(msg, kv...)
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) {
	L().Warn(sprintf(format, args...))
}

// Warnw logs a message at warn level with structured key-value pairs.
func Warnw(msg string, kv ...any) {
	L().Warn(msg, kv...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) {
	L().Error(sprintf(format, args...))
}

// Errorw logs a message at error level with structured key-value pairs.
func Errorw(msg string, kv ...any) {
	L().Error(msg, kv...)
}

// ErrorContext logs an error-level message bound to a context, so any
// slog handler attached to the context (request-scoped fields) applies.
func ErrorContext(ctx context.Context, msg string, kv ...any) {
	L().ErrorContext(ctx, msg, kv...)
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
