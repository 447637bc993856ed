package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

const instrumentationName = "github.com/njoerd114/bookingsync"

// NewLogHandler returns a slog handler that writes to next and mirrors every
// record next accepts to the global OTel logger provider. Before [Setup]
// runs the provider is a no-op.
func NewLogHandler(next slog.Handler) slog.Handler {
	return newLogHandler(next, global.GetLoggerProvider())
}

func newLogHandler(next slog.Handler, lp otellog.LoggerProvider) slog.Handler {
	return &teeHandler{
		next: next,
		otel: otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(lp)),
	}
}

// teeHandler lets next decide the level; otel only sees what next accepts.
type teeHandler struct {
	next slog.Handler
	otel slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var otelErr error
	if h.otel.Enabled(ctx, r.Level) {
		otelErr = h.otel.Handle(ctx, r.Clone())
	}
	return errors.Join(h.next.Handle(ctx, r), otelErr)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{next: h.next.WithAttrs(attrs), otel: h.otel.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &teeHandler{next: h.next.WithGroup(name), otel: h.otel.WithGroup(name)}
}
