package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const fallbackBodyLimit int64 = 1 << 20

// BodyLimit rejects request bodies above defaultLimit with 413. Document
// uploads (POST .../documents) get uploadLimit instead. Sizes are written
// like "512K" or "25M"; a bare number is bytes.
func BodyLimit(defaultLimit, uploadLimit string) echo.MiddlewareFunc {
	limits := [2]int64{parseLimit(defaultLimit), parseLimit(uploadLimit)}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			limit := limits[0]
			if isUpload(req) {
				limit = limits[1]
			}
			if req.ContentLength > limit {
				return payloadTooLarge(limit)
			}
			// Content-Length may be absent or understate the body.
			req.Body = &cappedBody{src: req.Body, left: limit, max: limit}
			return next(c)
		}
	}
}

func isUpload(req *http.Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(req.URL.Path, "/"), "/documents")
}

type cappedBody struct {
	src  io.ReadCloser
	left int64
	max  int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, payloadTooLarge(b.max)
	}
	// Read one byte past the cap so overflow is detected without buffering.
	if want := b.left + 1; int64(len(p)) > want {
		p = p[:want]
	}
	n, err := b.src.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return 0, payloadTooLarge(b.max)
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.src.Close() }

func payloadTooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"G", 30},
	{"MB", 20}, {"M", 20},
	{"KB", 10}, {"K", 10},
}

// parseLimit reads sizes such as "10M". Anything unparseable or not positive
// falls back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, shift = strings.TrimSuffix(s, u.suffix), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallbackBodyLimit
	}
	return n << shift
}
