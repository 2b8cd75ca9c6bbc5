package replay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by a Replayer. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	messages     *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	lastReplayed *prometheus.GaugeVec
}

// NewMetrics creates the replay collectors. Register them with Collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_replay_messages_total",
				Help: "Dead-lettered messages processed by replay, by terminal outcome",
			},
			[]string{"destination", "outcome"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_replay_runs_total",
				Help: "Replay invocations, by result",
			},
			[]string{"destination", "result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dlq_replay_run_duration_seconds",
				Help:    "Replay invocation duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"destination"},
		),
		lastReplayed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dlq_replay_last_replayed",
				Help: "Messages replayed by the most recent invocation",
			},
			[]string{"destination"},
		),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.messages, m.runs, m.runDuration, m.lastReplayed}
}

func (m *Metrics) observeRun(s *Summary, err error) {
	if m == nil || s == nil {
		return
	}
	result := "success"
	switch {
	case err != nil:
		result = "aborted"
	case s.Failed() > 0:
		result = "partial"
	}
	for _, o := range s.Outcomes {
		m.messages.WithLabelValues(s.Destination, string(o.State)).Inc()
	}
	m.runs.WithLabelValues(s.Destination, result).Inc()
	m.runDuration.WithLabelValues(s.Destination).Observe(s.Duration().Seconds())
	m.lastReplayed.WithLabelValues(s.Destination).Set(float64(s.Replayed))
}
