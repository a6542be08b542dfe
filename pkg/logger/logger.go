package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns the process logger for service. Local and dev environments get
// readable text at debug level; everything else gets JSON at info.
func New(service, appEnv string) *slog.Logger {
	return NewWriter(os.Stdout, service, appEnv)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, service, appEnv string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler
	switch appEnv {
	case "local", "dev":
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", service, "env", appEnv)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored in ctx, or slog.Default().
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
