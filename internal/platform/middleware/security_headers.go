package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// apiHeaders fit a JSON API that is only ever fetched by the dashboard, never
// rendered or framed. Responses carry patient identifiers, hence no-store.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders sets apiHeaders on every response. Strict-Transport-Security
// is only sent when hstsMaxAge is positive, that is when TLS terminates in
// front of this server.
func SecurityHeaders(hstsMaxAge time.Duration) echo.MiddlewareFunc {
	hsts := ""
	if secs := int64(hstsMaxAge / time.Second); secs > 0 {
		hsts = "max-age=" + strconv.FormatInt(secs, 10)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}
