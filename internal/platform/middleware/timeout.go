package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request with a context deadline and answers 504
// when the handler has not returned by then. Websocket upgrades and a zero
// timeout are passed straight through.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || isWebsocketPath(c.Request().URL.Path) {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			finished, err := awaitHandler(ctx, func() error { return next(c) })
			if finished {
				return err
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if c.Response().Committed {
				return nil
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout, "request exceeded the allowed time limit")
		}
	}
}

// awaitHandler runs fn and waits for it or for ctx, whichever ends first.
// finished reports whether fn returned.
func awaitHandler(ctx context.Context, fn func() error) (finished bool, err error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return true, err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func isWebsocketPath(path string) bool {
	return strings.HasSuffix(path, "/ws") || strings.Contains(path, "/ws/")
}
