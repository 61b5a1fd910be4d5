package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"odic-edge/internal/interceptor"
	"odic-edge/internal/model"
	"odic-edge/internal/service"
)

// secretParamPattern matches credential-like query values in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:token|access_token|api_key|apikey|key|secret|password)=)[^&\s"]+`)

// errorBody is the JSON body of every failed proxy request.
type errorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ProxyHandler forwards /api requests to the API origin for the request host.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back.
// Every failure, including a panic below this point, becomes a 502 JSON body.
func (h *ProxyHandler) Handle(c echo.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = h.writeError(c, fmt.Errorf("panic: %v", r))
		}
	}()

	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           interceptor.WithPageHost(req.Context(), req.Host),
		Method:        req.Method,
		Host:          req.Host,
		Path:          req.URL.Path,
		Query:         req.URL.Query(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.writeError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace any the edge already set, e.g. X-Request-Id.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent once streaming starts; a copy failure can
	// only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) writeError(c echo.Context, err error) error {
	msg := sanitizeError(err)
	h.logger.Error("proxy error",
		"err", msg,
		"path", c.Request().URL.Path,
		"host", c.Request().Host,
	)

	if c.Response().Committed {
		return nil
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusBadGateway, errorBody{
		OK:      false,
		Error:   "proxy_error",
		Message: msg,
	})
}

// sanitizeError redacts credential query values from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
