package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests no status route handled, so probing paths
// cannot grow the metric label set.
const unmatchedRoute = "unmatched"

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}

// RequestLogger logs one line per status API request, tagged with the
// gateway it belongs to. Server errors log at error, client errors at warn.
func RequestLogger(logger zerolog.Logger, gateway string) gin.HandlerFunc {
	logger = logger.With().Str("gateway", gateway).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("status api request")
	}
}

func RequestMetricsMiddleware(gateway string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(gateway, c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}
