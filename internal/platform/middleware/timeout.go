package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on every request context. Handlers that
// outlive the deadline get cancelled and the client receives a 504 with
// an OperationOutcome body, unless a partial response was already
// written.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, map[string]any{
					"resourceType": "OperationOutcome",
					"issue": []map[string]any{{
						"severity":    "error",
						"code":        "timeout",
						"diagnostics": "Request processing exceeded the allowed time limit",
					}},
				})
			}
		}
	}
}
