package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	apiContentPolicy  = "default-src 'none'; frame-ancestors 'none'"
	fileContentPolicy = "sandbox; frame-ancestors 'none'"
)

// baseSecurityHeaders go on every response. Case payloads carry patient
// data, so nothing is cached or framed.
var baseSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders stamps the hardening headers before the handler runs, so
// error responses carry them too. Signed downloads under /files/ may be shown
// inline and get a sandbox policy instead of the deny-all one.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range baseSecurityHeaders {
				h.Set(kv[0], kv[1])
			}
			csp := apiContentPolicy
			if strings.HasPrefix(c.Request().URL.Path, "/files/") {
				csp = fileContentPolicy
			}
			h.Set("Content-Security-Policy", csp)
			return next(c)
		}
	}
}
