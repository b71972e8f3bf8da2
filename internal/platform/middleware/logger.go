package middleware

import (
	"time"

	"github.com/ehr/patientlink/internal/platform/auth"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one structured line per request. Phone numbers and other
// query values are never logged, only the route template.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			evt := logger.Info()
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			}

			tenant, _ := c.Get("tenant_id").(string)
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			evt.
				Str("request_id", rid).
				Str("tenant", tenant).
				Str("actor", auth.UserIDFromContext(req.Context())).
				Str("method", req.Method).
				Str("route", route).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}
