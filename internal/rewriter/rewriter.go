// Package rewriter injects the API configuration and client shim into HTML
// responses on their way out of the edge.
package rewriter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"

	"odic-edge/internal/environment"
	"odic-edge/internal/metrics"
	"odic-edge/internal/report"
)

var headClose = []byte("</head>")

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// Outcome labels.
const (
	outcomeInjected   = "injected"
	outcomeNoHead     = "no_head"
	outcomeFailedOpen = "failed_open"
)

// Rewriter splices the per-environment payload into HTML documents.
type Rewriter struct {
	resolver *environment.Resolver
	payloads map[environment.Environment][]byte
	reporter report.Reporter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New renders and syntax-checks the payloads for both environments. The
// metrics parameter is optional.
func New(resolver *environment.Resolver, cfg PayloadConfig, reporter report.Reporter, m *metrics.Metrics, logger *slog.Logger) (*Rewriter, error) {
	payloads, err := buildPayloads(resolver, cfg)
	if err != nil {
		return nil, fmt.Errorf("rewriter: %w", err)
	}
	return &Rewriter{
		resolver: resolver,
		payloads: payloads,
		reporter: reporter,
		metrics:  m,
		logger:   logger.With("component", "rewriter"),
	}, nil
}

// Payload returns the markup injected into pages served on host.
func (r *Rewriter) Payload(host string) []byte {
	return r.payloads[r.resolver.Resolve(host).Environment]
}

// Rewrite splices the payload for host before the first </head> of body.
// encoding is the response Content-Encoding; gzip bodies are decoded and
// re-encoded. ok is false when body has no </head> and is returned as is.
func (r *Rewriter) Rewrite(host, encoding string, body []byte) (out []byte, ok bool, err error) {
	plain := body
	gz := false
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
	case "gzip", "x-gzip":
		gz = true
		if plain, err = gunzip(body); err != nil {
			return body, false, err
		}
	default:
		return body, false, fmt.Errorf("%w: %s", errUnsupportedEncoding, encoding)
	}

	i := bytes.Index(plain, headClose)
	if i < 0 {
		return body, false, nil
	}

	payload := r.Payload(host)
	spliced := make([]byte, 0, len(plain)+len(payload))
	spliced = append(spliced, plain[:i]...)
	spliced = append(spliced, payload...)
	spliced = append(spliced, plain[i:]...)

	if gz {
		if spliced, err = gzipBytes(spliced); err != nil {
			return body, false, err
		}
	}
	return spliced, true, nil
}

// Middleware rewrites text/html responses of the handlers it wraps. Other
// responses stream through untouched.
func (r *Rewriter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			orig := res.Writer
			cw := &captureWriter{ResponseWriter: orig}
			res.Writer = cw

			err := next(c)
			res.Writer = orig

			if !cw.wroteHeader || cw.passthrough {
				return err
			}
			r.flush(c, orig, cw)
			return err
		}
	}
}

func (r *Rewriter) flush(c echo.Context, w http.ResponseWriter, cw *captureWriter) {
	req := c.Request()
	body := cw.buf.Bytes()

	out, ok, err := r.Rewrite(req.Host, w.Header().Get(echo.HeaderContentEncoding), body)
	switch {
	case err != nil:
		r.reporter.Report(req.Context(), "rewriter", err, "path", req.URL.Path)
		r.count(outcomeFailedOpen)
		out = body
	case !ok:
		r.count(outcomeNoHead)
	default:
		w.Header().Del(echo.HeaderContentLength)
		r.count(outcomeInjected)
	}

	w.WriteHeader(cw.status)
	if _, err := w.Write(out); err != nil {
		r.logger.Debug("writing rewritten response", "err", err, "path", req.URL.Path)
	}
}

func (r *Rewriter) count(outcome string) {
	if r.metrics != nil {
		r.metrics.Rewrites.WithLabelValues(outcome).Inc()
	}
}

// captureWriter buffers HTML responses and passes everything else through.
// The header map is shared with the wrapped writer.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	passthrough bool
	buf         bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	if !strings.Contains(strings.ToLower(w.Header().Get(echo.HeaderContentType)), "text/html") {
		w.passthrough = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.passthrough {
		return w.ResponseWriter.Write(p)
	}
	return w.buf.Write(p)
}

func (w *captureWriter) Flush() {
	if w.passthrough {
		if f, ok := w.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	return out, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	return buf.Bytes(), nil
}
