package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shedlock_scheduler_dispatch_total",
			Help: "Total number of scheduler dispatch attempts",
		},
		[]string{"task", "status"},
	)

	schedulerDispatchInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shedlock_scheduler_dispatch_inflight",
			Help: "Current number of in-flight scheduler dispatch operations",
		},
		[]string{"task"},
	)

	schedulerNextRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shedlock_scheduler_next_run_timestamp_seconds",
			Help: "Unix time of the next planned run per task",
		},
		[]string{"task"},
	)
)

// Collectors returns the scheduler metrics for registration on a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{schedulerDispatchTotal, schedulerDispatchInFlight, schedulerNextRun}
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

func recordSchedulerNextRun(taskName string, at time.Time) {
	schedulerNextRun.WithLabelValues(normalizeSchedulerLabel(taskName)).Set(float64(at.Unix()))
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
