package telemetry

import (
	"context"
	"io"
	"log/slog"

	"aaronromeo.com/himalayacache/internal/config"
	"aaronromeo.com/himalayacache/pkg/base"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// NewLogger builds the process logger: text on w at level, and also into
// the OpenTelemetry log pipeline when an exporter is configured.
func NewLogger(w io.Writer, level string, exporter config.Exporter) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "parsing log level %q", level)
	}

	var handler slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	if exporter != config.ExporterNone && exporter != "" {
		handler = teeHandler{handler, otelslog.NewHandler(base.ServiceName)}
	}
	return slog.New(handler), nil
}

// teeHandler sends each record to every handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
