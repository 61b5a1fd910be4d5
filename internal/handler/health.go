package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"odic-edge/internal/config"
	"odic-edge/internal/environment"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	resolver *environment.Resolver
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, resolver *environment.Resolver, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, resolver: resolver, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version, both API origins, and where the
// calling host is routed.
func (h *HealthHandler) Status(c echo.Context) error {
	target := h.resolver.Resolve(c.Request().Host)
	return c.JSON(http.StatusOK, map[string]string{
		"status":         "ok",
		"version":        string(h.version),
		"production_url": h.cfg.Upstream.ProductionURL,
		"staging_url":    h.cfg.Upstream.StagingURL,
		"environment":    target.Environment.String(),
		"api_base":       target.APIBase(),
	})
}
