package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"odic-edge/internal/config"
	"odic-edge/internal/offline"
)

// eventsKeepAlive is how often an idle event stream gets a comment line.
const eventsKeepAlive = 25 * time.Second

// CacheHandler exposes the offline cache manager: admin endpoints for
// status, install and skip-waiting, the page-facing message endpoint, and
// an event stream that attaches a page as a controlled client.
type CacheHandler struct {
	worker *offline.Worker
	gen    offline.Generation
	logger *slog.Logger
	nextID atomic.Uint64
}

// NewCacheHandler creates a CacheHandler. It returns nil when the cache
// manager is disabled.
func NewCacheHandler(w *offline.Worker, cfg *config.Config, logger *slog.Logger) *CacheHandler {
	if w == nil {
		return nil
	}
	return &CacheHandler{
		worker: w,
		gen:    GenerationFromConfig(cfg),
		logger: logger.With("component", "cache_handler"),
	}
}

// GenerationFromConfig returns the configured cache generation.
func GenerationFromConfig(cfg *config.Config) offline.Generation {
	return offline.Generation{Tag: cfg.Cache.Generation, Assets: cfg.Cache.Assets}
}

// Status reports the worker state.
func (h *CacheHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.worker.Status(c.Request().Context()))
}

// installRequest overrides the configured generation.
type installRequest struct {
	Tag    string   `json:"tag"`
	Assets []string `json:"assets"`
}

// Install installs the configured generation, or the one in the body.
func (h *CacheHandler) Install(c echo.Context) error {
	gen := h.gen
	var body installRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return err
		}
	}
	if body.Tag != "" {
		gen = offline.Generation{Tag: body.Tag, Assets: body.Assets}
		if gen.Assets == nil {
			gen.Assets = h.gen.Assets
		}
	}

	if err := h.worker.Install(c.Request().Context(), gen); err != nil {
		h.logger.Error("install failed", "tag", gen.Tag, "err", err)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, h.worker.Status(c.Request().Context()))
}

// SkipWaiting activates the waiting generation.
func (h *CacheHandler) SkipWaiting(c echo.Context) error {
	return h.deliver(c, offline.Message{Type: offline.SkipWaitingMessage})
}

// Message accepts a control message from a page.
func (h *CacheHandler) Message(c echo.Context) error {
	var msg offline.Message
	if err := c.Bind(&msg); err != nil {
		return err
	}
	return h.deliver(c, msg)
}

func (h *CacheHandler) deliver(c echo.Context, msg offline.Message) error {
	err := h.worker.PostMessage(c.Request().Context(), msg)
	switch {
	case errors.Is(err, offline.ErrNothingWaiting):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, offline.ErrUnknownMessage):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		h.logger.Error("message failed", "type", msg.Type, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, h.worker.Status(c.Request().Context()))
}

// streamClient is a page attached through the event stream.
type streamClient struct {
	id     string
	reload chan struct{}
}

func (s *streamClient) ID() string { return s.id }

func (s *streamClient) Reload(context.Context) error {
	select {
	case s.reload <- struct{}{}:
	default:
	}
	return nil
}

// Events holds a text/event-stream open for the lifetime of a page. The
// page is controlled while connected and receives a single "reload" event
// when a newer generation takes over.
func (h *CacheHandler) Events(c echo.Context) error {
	client := &streamClient{
		id:     fmt.Sprintf("page-%d", h.nextID.Add(1)),
		reload: make(chan struct{}, 1),
	}
	detach := h.worker.Attach(client)
	defer detach()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-store")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(res, "event: hello\ndata: %s\n\n", client.id); err != nil {
		return nil
	}
	res.Flush()

	tick := time.NewTicker(eventsKeepAlive)
	defer tick.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := fmt.Fprint(res, ": keep-alive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case <-client.reload:
			_, _ = fmt.Fprint(res, "event: reload\ndata: {}\n\n")
			res.Flush()
			return nil
		}
	}
}
