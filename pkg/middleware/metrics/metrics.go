// Package metrics records Prometheus request metrics.
package metrics

import (
	"time"

	"github.com/nimburion/dlqreplay/pkg/observability/metrics"
	"github.com/nimburion/dlqreplay/pkg/server/router"
)

// unmatchedRoute labels requests no route claimed, keeping label cardinality bounded.
const unmatchedRoute = "unmatched"

// Metrics records the duration histogram, the request counter and the in-flight gauge.
// Requests are labelled by route template, so /dlq-replay/24 and /dlq-replay/48 share a series.
func Metrics() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			defer metrics.TrackInFlight()()

			start := time.Now()
			err := next(c)

			metrics.RecordHTTPMetrics(c.Request().Method, RouteLabel(c), c.Response().Status(), time.Since(start))
			return err
		}
	}
}

// RouteLabel returns the matched route template.
func RouteLabel(c router.Context) string {
	if route, ok := c.Get(router.RouteKey).(string); ok && route != "" {
		return route
	}
	return unmatchedRoute
}
