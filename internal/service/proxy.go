// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"odic-edge/internal/client"
	"odic-edge/internal/config"
	"odic-edge/internal/environment"
	"odic-edge/internal/metrics"
	"odic-edge/internal/model"
	"odic-edge/internal/report"
	"odic-edge/internal/transcode"
)

// ErrBodyTooLarge is returned when a body selected for transcoding exceeds
// server.body_max_bytes.
var ErrBodyTooLarge = errors.New("request body exceeds body_max_bytes")

// droppedRequestHeaders are never forwarded upstream.
var droppedRequestHeaders = []string{"Host", "Content-Length", "Origin"}

// responseHeaders are set on every proxied response, replacing upstream values.
var responseHeaders = [][2]string{
	{"Cache-Control", "no-store"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"X-Frame-Options", "DENY"},
}

// defaultPermissionsPolicy is applied only when the upstream sent none.
const defaultPermissionsPolicy = "geolocation=(), microphone=(), camera=()"

// ProxyService handles the forwarding logic for /api requests.
type ProxyService struct {
	client     *client.UpstreamClient
	resolver   *environment.Resolver
	transcoder *transcode.Transcoder
	reporter   report.Reporter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	maxBody    int64
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, resolver *environment.Resolver, cfg *config.Config, reporter report.Reporter, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:   c,
		resolver: resolver,
		transcoder: transcode.New(transcode.Options{
			Prefixes: cfg.Transcode.Paths,
			Methods:  transcode.ServerOptions.Methods,
		}),
		reporter: reporter,
		metrics:  m,
		logger:   logger.With("component", "proxy_service"),
		maxBody:  cfg.Server.BodyMaxBytes,
	}
}

// Forward sends a ProxyRequest to the API origin resolved from its host and
// returns the response with the edge's response headers applied.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := s.resolver.Resolve(pr.Host)
	remainder := apiRemainder(pr.Path)
	upstreamURL := buildUpstreamURL(target, remainder, pr.RawQuery)

	header, body, length, err := s.prepareBody(pr, remainder)
	if err != nil {
		return nil, err
	}
	header = outboundHeaders(header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"environment", target.Environment.String(),
	)

	resp, err := s.client.DoStream(pr.Ctx, target.Environment, pr.Method, upstreamURL, header, body, length)
	if err != nil {
		return nil, fmt.Errorf("forward to %s upstream: %w", target.Environment, err)
	}

	applyResponseHeaders(resp.Header)
	return resp, nil
}

// prepareBody runs the transcoder when the request qualifies. Bodies that
// are not transcoded are streamed through untouched.
func (s *ProxyService) prepareBody(pr *model.ProxyRequest, remainder string) (http.Header, io.Reader, int64, error) {
	if !s.transcoder.Wants(pr.Header, pr.Method, remainder, pr.ContentLength) {
		return pr.Header, bodyOrNil(pr.Body), pr.ContentLength, nil
	}

	raw, err := s.readBody(pr.Body)
	if err != nil {
		return nil, nil, 0, err
	}

	res := s.transcoder.Transcode(pr.Header, raw, pr.Method, remainder)
	switch {
	case res.Err != nil:
		s.reporter.Report(pr.Ctx, "transcoder", res.Err, "path", pr.Path, "method", pr.Method)
		s.countTranscode("failed_open")
	case res.Applied:
		s.countTranscode("applied")
	}

	return res.Header, bytes.NewReader(res.Body), int64(len(res.Body)), nil
}

func (s *ProxyService) readBody(body io.ReadCloser) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	limit := s.maxBody
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, ErrBodyTooLarge
	}
	return raw, nil
}

func (s *ProxyService) countTranscode(outcome string) {
	if s.metrics != nil {
		s.metrics.Transcoded.WithLabelValues(outcome).Inc()
	}
}

func bodyOrNil(body io.ReadCloser) io.Reader {
	if body == nil || body == http.NoBody {
		return nil
	}
	return body
}

// apiRemainder strips the local /api or /api/ prefix.
func apiRemainder(path string) string {
	rest := strings.TrimPrefix(path, "/api")
	return strings.TrimPrefix(rest, "/")
}

// buildUpstreamURL keeps the /api/ namespace and the raw query; only the
// origin changes.
func buildUpstreamURL(target environment.UpstreamTarget, remainder, rawQuery string) string {
	u := target.APIBase() + "/api/" + remainder
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// outboundHeaders copies src, drops the headers the upstream must not see,
// and forces no-store.
func outboundHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range droppedRequestHeaders {
		dst.Del(h)
	}
	dst.Set("Cache-Control", "no-store")
	return dst
}

// applyResponseHeaders sets the fixed security headers. An explicit upstream
// Permissions-Policy is kept.
func applyResponseHeaders(h http.Header) {
	for _, kv := range responseHeaders {
		h.Set(kv[0], kv[1])
	}
	if h.Get("Permissions-Policy") == "" {
		h.Set("Permissions-Policy", defaultPermissionsPolicy)
	}
}
