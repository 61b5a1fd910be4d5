package handler

import (
	"github.com/labstack/echo/v4"

	"odic-edge/internal/middleware"
)

// Route paths served by the edge itself.
const (
	CacheEventsPath   = "/edge/cache/events"
	CacheMessagesPath = "/edge/cache/messages"
)

// Routes bundles the handlers RegisterRoutes wires. Cache and Site are
// optional.
type Routes struct {
	Proxy  *ProxyHandler
	Health *HealthHandler
	Cache  *CacheHandler
	Site   echo.HandlerFunc
	// SiteMiddleware wraps only the site routes.
	SiteMiddleware []echo.MiddlewareFunc
	AdminToken     string
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, r Routes) {
	e.GET("/healthz", r.Health.Healthz)
	e.GET("/edge/status", r.Health.Status)

	e.Any("/api", r.Proxy.Handle)
	e.Any("/api/*", r.Proxy.Handle)

	if r.Cache != nil {
		e.GET(CacheEventsPath, r.Cache.Events)
		e.POST(CacheMessagesPath, r.Cache.Message)

		admin := middleware.AdminAuth(r.AdminToken)
		e.GET("/edge/cache", r.Cache.Status, admin)
		e.POST("/edge/cache/install", r.Cache.Install, admin)
		e.POST("/edge/cache/skip-waiting", r.Cache.SkipWaiting, admin)
	}

	if r.Site != nil {
		e.GET("/", r.Site, r.SiteMiddleware...)
		e.Any("/*", r.Site, r.SiteMiddleware...)
	}
}
