package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meg/meg/internal/platform/auth"
	"github.com/meg/meg/internal/platform/db"
)

// Logger writes one access line per request. Tenant and user are read after
// the handler returns because the tenant and auth middleware run later in
// the chain.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			ctx := req.Context()
			status := responseStatus(c, err)
			rid, _ := c.Get("request_id").(string)

			accessEvent(logger, status, err).
				Str("request_id", rid).
				Str("tenant", db.TenantFromContext(ctx)).
				Int64("user_id", auth.UserIDFromContext(ctx)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

// responseStatus is the code the error handler will write for err, or the
// one already written when the handler succeeded.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if err != nil && !c.Response().Committed {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

func accessEvent(logger zerolog.Logger, status int, err error) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error().Err(err)
	case err != nil:
		return logger.Warn().Err(err)
	default:
		return logger.Info()
	}
}
