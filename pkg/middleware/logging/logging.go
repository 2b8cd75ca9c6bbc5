// Package logging writes one structured log line per request.
package logging

import (
	"strings"
	"time"

	"github.com/nimburion/dlqreplay/pkg/middleware/metrics"
	"github.com/nimburion/dlqreplay/pkg/middleware/requestid"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/server/router"
)

// Config controls request logging.
type Config struct {
	// LogStart also emits a "request started" line before the handler runs.
	LogStart bool
	// ExcludedPathPrefixes are not logged, e.g. probes and the metrics scrape.
	ExcludedPathPrefixes []string
}

// DefaultConfig returns default request logging behavior.
func DefaultConfig() Config {
	return Config{}
}

// Logging creates middleware with default configuration.
func Logging(log logger.Logger) router.MiddlewareFunc {
	return WithConfig(log, DefaultConfig())
}

// WithConfig logs completed requests at info, failed ones (handler error or 5xx) at error.
func WithConfig(log logger.Logger, cfg Config) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			if cfg.excluded(req.URL.Path) {
				return next(c)
			}

			start := time.Now()
			fields := []any{
				"request_id", requestid.GetRequestID(req.Context()),
				"method", req.Method,
				"path", req.URL.Path,
				"route", metrics.RouteLabel(c),
				"remote_addr", req.RemoteAddr,
			}
			if cfg.LogStart {
				log.Info("request started", fields...)
			}

			err := next(c)
			status := c.Response().Status()
			fields = append(fields,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			)

			switch {
			case err != nil:
				log.Error("request failed", append(fields, "error", err.Error())...)
			case status >= 500:
				log.Error("request failed", fields...)
			default:
				log.Info("request completed", fields...)
			}
			return err
		}
	}
}

func (cfg Config) excluded(path string) bool {
	for _, prefix := range cfg.ExcludedPathPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
