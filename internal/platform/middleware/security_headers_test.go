package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveWithHeaders(t *testing.T, path string, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, path, nil), rec)
	return rec, SecurityHeaders()(handler)(c)
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name string
		path string
		csp  string
	}{
		{"api route", "/api/v1/cases/7", apiContentPolicy},
		{"signed download", "/files/Case_XXXXX123/report/a.pdf", fileContentPolicy},
		{"health", "/health", apiContentPolicy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := serveWithHeaders(t, tc.path, func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, kv := range baseSecurityHeaders {
				if got := rec.Header().Get(kv[0]); got != kv[1] {
					t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
				}
			}
			if got := rec.Header().Get("Content-Security-Policy"); got != tc.csp {
				t.Errorf("Content-Security-Policy = %q, want %q", got, tc.csp)
			}
		})
	}
}

func TestSecurityHeaders_KeptOnHandlerError(t *testing.T) {
	want := echo.NewHTTPError(http.StatusConflict, "case 7 was modified concurrently")
	rec, err := serveWithHeaders(t, "/api/v1/cases/7", func(c echo.Context) error { return want })

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Fatalf("expected the 409 to pass through, got %v", err)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected headers on error responses")
	}
}
