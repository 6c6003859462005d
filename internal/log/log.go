// Package log is the application logger: a small ctx-first interface over
// log/slog that adds trace correlation and error chain detail.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App             string
	Version         string
	Level           slog.Level
	StacktraceLevel slog.Level
	JSON            bool
	// MaxErrorLinks bounds how much of an error chain is rendered; 0 means 8.
	MaxErrorLinks     int
	IncludeErrorLinks bool
	// Writer defaults to os.Stdout.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}

type ctxKey struct{}

// WithContext returns a context carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger in ctx, or a no-op logger.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// nop discards everything, for tests and for code paths with no logger wired.
type nop struct{}

func (nop) With(...any) Logger                           { return nop{} }
func (nop) Debug(context.Context, string, ...any)        {}
func (nop) Info(context.Context, string, ...any)         {}
func (nop) Warn(context.Context, string, ...any)         {}
func (nop) Error(context.Context, error, string, ...any) {}
func (nop) Sync() error                                  { return nil }

// Nop returns a Logger that drops every record.
func Nop() Logger { return nop{} }
