package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// defaultSecurityHeaders are applied to every response that does not
// already carry them. API responses set their own values first.
var defaultSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and fills in missing security headers on responses.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Headers must be in place before the status line goes out,
			// which for streamed responses happens inside next.
			res := c.Response()
			res.Before(func() {
				for _, kv := range defaultSecurityHeaders {
					if res.Header().Get(kv[0]) == "" {
						res.Header().Set(kv[0], kv[1])
					}
				}
			})

			return next(c)
		}
	}
}
