// Package ctxlog passes a slog.Logger through context.Context so every
// component logs with the fields its caller attached (execution id,
// workflow id, node id).
package ctxlog

import (
	"context"
	"log/slog"
)

// key is unexported to avoid collisions with context keys from other packages.
type key struct{}

var loggerKey = key{}

// WithLogger returns a new context carrying the provided logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from a context. It falls back to the
// process default logger; feed ticks and timer resumes arrive on goroutines
// that do not always inherit an execution context, and a missing logger must
// not take down a live trading run.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
