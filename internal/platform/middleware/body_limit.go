package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request body sizes. bundleLimit applies to bundle
// submissions on the service root (POST /fhir), resourceLimit to
// everything else; transaction bundles legitimately run much larger
// than single resources.
//
// Limits are size strings: "1M", "512K", "2G", or a bare byte count.
// Oversized requests get a 413 with an OperationOutcome body.
func BodyLimit(resourceLimit, bundleLimit string) echo.MiddlewareFunc {
	resourceBytes := parseSize(resourceLimit)
	bundleBytes := parseSize(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := resourceBytes
			if req.Method == http.MethodPost {
				if p := strings.TrimSuffix(req.URL.Path, "/"); p == "/fhir" {
					limit = bundleBytes
				}
			}

			if req.ContentLength > limit {
				return tooLarge(c, limit)
			}

			// Content-Length can lie or be absent, so the body reader
			// enforces the limit as well.
			req.Body = &cappedBody{inner: req.Body, remaining: limit}
			return next(c)
		}
	}
}

type cappedBody struct {
	inner     io.ReadCloser
	remaining int64
	exceeded  bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if max := b.remaining + 1; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		b.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.inner.Close() }

func tooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{{
			"severity":    "error",
			"code":        "too-costly",
			"diagnostics": fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", limit),
		}},
	})
}

// parseSize turns "10M"-style strings into bytes, defaulting to 1 MB on
// anything it cannot read.
func parseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 1 << 20
	}
	var mult int64 = 1
	switch {
	case strings.HasSuffix(s, "G"), strings.HasSuffix(s, "GB"):
		mult = 1 << 30
		s = strings.TrimRight(s, "GB")
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "MB"):
		mult = 1 << 20
		s = strings.TrimRight(s, "MB")
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "KB"):
		mult = 1 << 10
		s = strings.TrimRight(s, "KB")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * mult
}
