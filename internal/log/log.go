// Package log is the structured logger used across the service. Every call
// takes a context so trace ids from otel spans end up on the record.
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
	App     string
	Version string
	Commit  string

	// Level is one of debug|info|warn|error, empty means info.
	Level string

	// records at or above StacktraceLevel get a "stack" attribute
	StacktraceLevel slog.Level

	JSON bool

	// ErrorLinks caps the per-wrap "error_links" attribute on Error calls. 0 disables it.
	ErrorLinks int

	Writer io.Writer
}

// New builds the slog backed Logger.
func New(opts Options) (Logger, error) {
	lvl := slog.LevelInfo
	if opts.Level != "" {
		var err error
		if lvl, err = ParseLevel(opts.Level); err != nil {
			return nil, err
		}
	}
	return newSlog(opts, lvl), nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
	}
}
