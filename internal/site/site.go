// Package site serves every route outside the API namespace, either from a
// local build directory or from an origin behind the cache manager.
package site

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"odic-edge/internal/interceptor"
)

// Fetcher resolves a site request against the origin. *offline.Worker
// implements it, as does Direct.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// hopHeaders are connection-scoped and never copied from the origin.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler serves site routes.
type Handler struct {
	fetcher Fetcher
	static  echo.HandlerFunc
	logger  *slog.Logger
}

// NewOrigin serves site routes through f.
func NewOrigin(f Fetcher, logger *slog.Logger) *Handler {
	return &Handler{fetcher: f, logger: logger.With("component", "site")}
}

// NewStatic serves files under root. Unknown paths fall back to index so
// client-side routes resolve.
func NewStatic(root, index string, logger *slog.Logger) *Handler {
	if index == "" {
		index = "index.html"
	}
	static := middleware.StaticWithConfig(middleware.StaticConfig{
		Root:  root,
		Index: index,
		HTML5: true,
	})
	return &Handler{
		static: static(func(echo.Context) error { return echo.ErrNotFound }),
		logger: logger.With("component", "site"),
	}
}

// Handle serves one site request.
func (h *Handler) Handle(c echo.Context) error {
	if h.fetcher == nil {
		return h.static(c)
	}

	req := c.Request()
	ctx := interceptor.WithPageHost(req.Context(), req.Host)
	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		h.logger.Warn("origin fetch failed", "err", err, "path", req.URL.Path)
		if errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "origin timed out")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "origin unavailable")
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	for _, key := range hopHeaders {
		dst.Del(key)
	}

	c.Response().WriteHeader(resp.StatusCode)
	if req.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Debug("streaming origin body", "err", err, "path", req.URL.Path)
	}
	return nil
}

// Direct fetches straight from the origin, for deployments without the
// cache manager.
type Direct struct {
	origin *url.URL
	client *http.Client
}

// NewDirect returns a Fetcher that forwards to origin with client.
func NewDirect(origin *url.URL, client *http.Client) *Direct {
	return &Direct{origin: origin, client: client}
}

// Fetch implements Fetcher.
func (d *Direct) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	ref, err := url.Parse(req.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	out.URL = d.origin.ResolveReference(ref)
	out.Host = ""
	out.RequestURI = ""
	// The HTML rewriter can only re-encode gzip.
	if out.Header.Get("Accept-Encoding") != "" {
		out.Header.Set("Accept-Encoding", "gzip")
	}
	return d.client.Do(out)
}
