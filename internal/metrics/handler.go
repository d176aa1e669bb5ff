package metrics

import (
	"context"
	"log/slog"

	"github.com/foxzi/surveyor/internal/runner"
)

// LogHandler counts error records and reports critical ones.
type LogHandler struct {
	next       slog.Handler
	metrics    *Metrics
	onCritical func(msg string)
}

// NewLogHandler wraps next. onCritical may be nil.
func NewLogHandler(next slog.Handler, m *Metrics, onCritical func(msg string)) *LogHandler {
	return &LogHandler{next: next, metrics: m, onCritical: onCritical}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError || h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.metrics.ErrorsTotal.Inc()
	}
	if r.Level >= runner.LevelCritical {
		h.metrics.FatalError.Set(1)
		if h.onCritical != nil {
			h.onCritical(r.Message)
		}
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{next: h.next.WithAttrs(attrs), metrics: h.metrics, onCritical: h.onCritical}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{next: h.next.WithGroup(name), metrics: h.metrics, onCritical: h.onCritical}
}
