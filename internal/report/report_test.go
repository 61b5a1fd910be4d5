package report

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"odic-edge/internal/metrics"
)

func TestSlogReporter_Report(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := metrics.New()
	r := NewSlogReporter(logger, m)

	r.Report(context.Background(), "rewriter", errors.New("boom"), "path", "/")

	out := buf.String()
	if !strings.Contains(out, "recovered failure") || !strings.Contains(out, "source=rewriter") {
		t.Errorf("log output = %q, want recovered failure from rewriter", out)
	}
	if got := testutil.ToFloat64(m.FailOpenTotal.WithLabelValues("rewriter")); got != 1 {
		t.Errorf("fail_open_total = %v, want 1", got)
	}
}

func TestSlogReporter_NilError(t *testing.T) {
	var buf bytes.Buffer
	r := NewSlogReporter(slog.New(slog.NewTextHandler(&buf, nil)), nil)

	r.Report(context.Background(), "rewriter", nil)

	if buf.Len() != 0 {
		t.Errorf("expected no output for nil error, got %q", buf.String())
	}
}
