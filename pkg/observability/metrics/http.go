// Package metrics holds the Prometheus registry served on /metrics and the HTTP request series.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpLabels = []string{"method", "path", "status"}

// httpSeries is also registered on the default registerer so middleware tests can gather it
// without a Registry. path is always a route template.
var httpSeries = struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
	inFlight prometheus.Gauge
}{
	duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "HTTP request duration in seconds",
		// replays triggered over HTTP can run for minutes
		Buckets: append(prometheus.DefBuckets, 30, 60, 120),
	}, httpLabels),
	requests: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, httpLabels),
	inFlight: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "Current number of HTTP requests being processed",
	}),
}

// TrackInFlight counts a request as in flight until the returned func is called.
func TrackInFlight() (done func()) {
	httpSeries.inFlight.Inc()
	return httpSeries.inFlight.Dec
}

// RecordHTTPMetrics observes one finished request.
func RecordHTTPMetrics(method, path string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	httpSeries.duration.WithLabelValues(method, path, code).Observe(elapsed.Seconds())
	httpSeries.requests.WithLabelValues(method, path, code).Inc()
}

func httpCollectors() []prometheus.Collector {
	return []prometheus.Collector{httpSeries.duration, httpSeries.requests, httpSeries.inFlight}
}
