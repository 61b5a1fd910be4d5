// Package report records recovered failures on fail-open paths.
//
// Components that fall back to unmodified behaviour (transcoder, HTML
// rewriter, cache store, client interceptors) report through a Reporter so
// the fallback stays observable without surfacing to the caller.
package report

import (
	"context"
	"log/slog"

	"odic-edge/internal/metrics"
)

// Reporter receives recovered errors.
type Reporter interface {
	Report(ctx context.Context, component string, err error, attrs ...any)
}

// Func adapts a function to the Reporter interface.
type Func func(ctx context.Context, component string, err error, attrs ...any)

// Report calls f.
func (f Func) Report(ctx context.Context, component string, err error, attrs ...any) {
	f(ctx, component, err, attrs...)
}

// Discard drops every report.
var Discard Reporter = Func(func(context.Context, string, error, ...any) {})

// SlogReporter logs at warn level and counts failures per component.
type SlogReporter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSlogReporter creates a SlogReporter. The metrics parameter is optional.
func NewSlogReporter(logger *slog.Logger, m *metrics.Metrics) *SlogReporter {
	return &SlogReporter{
		logger:  logger.With("component", "reporter"),
		metrics: m,
	}
}

// Report implements Reporter.
func (r *SlogReporter) Report(ctx context.Context, component string, err error, attrs ...any) {
	if err == nil {
		return
	}
	args := append([]any{"source", component, "err", err}, attrs...)
	r.logger.WarnContext(ctx, "recovered failure", args...)
	if r.metrics != nil {
		r.metrics.FailOpenTotal.WithLabelValues(component).Inc()
	}
}
