package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meg/meg/internal/platform/db"
)

const panicStackSize = 8 << 10

// Recovery turns a handler panic into a 500 and logs the goroutine stack.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}

				buf := make([]byte, panicStackSize)
				buf = buf[:runtime.Stack(buf, false)]

				rid, _ := c.Get("request_id").(string)
				req := c.Request()
				logger.Error().
					Err(perr).
					Str("request_id", rid).
					Str("tenant", db.TenantFromContext(req.Context())).
					Str("method", req.Method).
					Str("route", c.Path()).
					Bytes("stack", buf).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
