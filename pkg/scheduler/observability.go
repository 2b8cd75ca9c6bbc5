package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	schedulerDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_replayer_scheduler_dispatch_total",
			Help: "Total number of scheduled replay dispatches by outcome",
		},
		[]string{"task", "status"},
	)

	schedulerDispatchInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_replayer_scheduler_dispatch_inflight",
			Help: "Current number of scheduled replays in progress",
		},
		[]string{"task"},
	)

	schedulerLockRenewTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_replayer_scheduler_lock_renew_total",
			Help: "Total number of scheduler lock renew operations",
		},
		[]string{"task", "status"},
	)

	schedulerMisfireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_replayer_scheduler_misfire_total",
			Help: "Total number of times a task missed one or more slots",
		},
		[]string{"task", "policy"},
	)

	schedulerLastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_replayer_scheduler_last_success_timestamp_seconds",
			Help: "Unix time of the last scheduled replay that finished without error",
		},
		[]string{"task"},
	)
)

// Collectors returns the scheduler metrics for registration on the service registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		schedulerDispatchTotal,
		schedulerDispatchInFlight,
		schedulerLockRenewTotal,
		schedulerMisfireTotal,
		schedulerLastSuccess,
	}
}

func recordSchedulerDispatch(taskName, status string) {
	schedulerDispatchTotal.WithLabelValues(
		normalizeSchedulerLabel(taskName),
		normalizeSchedulerLabel(status),
	).Inc()
}

func incrementSchedulerDispatchInFlight(taskName string) {
	schedulerDispatchInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Inc()
}

func decrementSchedulerDispatchInFlight(taskName string) {
	schedulerDispatchInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Dec()
}

func recordSchedulerLockRenew(taskName, status string) {
	schedulerLockRenewTotal.WithLabelValues(
		normalizeSchedulerLabel(taskName),
		normalizeSchedulerLabel(status),
	).Inc()
}

func recordSchedulerMisfire(taskName, policy string) {
	schedulerMisfireTotal.WithLabelValues(
		normalizeSchedulerLabel(taskName),
		normalizeSchedulerLabel(policy),
	).Inc()
}

func recordSchedulerLastSuccess(taskName string, at time.Time) {
	schedulerLastSuccess.WithLabelValues(normalizeSchedulerLabel(taskName)).Set(float64(at.Unix()))
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
