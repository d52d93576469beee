package lock

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lock attempt results.
const (
	resultAcquired  = "acquired"
	resultContended = "contended"
	resultError     = "error"
	resultOK        = "ok"
)

var (
	lockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shedlock_lock_attempts_total",
			Help: "Total number of lock acquisition attempts",
		},
		[]string{"backend", "result"},
	)

	lockBackendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shedlock_lock_errors_total",
			Help: "Total number of storage backend failures per operation",
		},
		[]string{"backend", "operation"},
	)

	lockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shedlock_unlock_total",
			Help: "Total number of lock releases",
		},
		[]string{"backend", "result"},
	)

	lockExtendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shedlock_extend_total",
			Help: "Total number of lock extensions",
		},
		[]string{"backend", "result"},
	)

	taskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shedlock_task_executions_total",
			Help: "Total number of tasks handled by the lock manager",
		},
		[]string{"task", "result"},
	)

	tasksInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shedlock_task_inflight",
			Help: "Current number of tasks running under a lock",
		},
		[]string{"task"},
	)
)

// Collectors returns the lock metrics so they can be added to a dedicated
// registry. They are also registered with the default Prometheus registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		lockAttemptsTotal,
		lockBackendErrorsTotal,
		lockReleaseTotal,
		lockExtendTotal,
		taskExecutionsTotal,
		tasksInFlight,
	}
}

func recordLockAttempt(backend, result string) {
	lockAttemptsTotal.WithLabelValues(normalizeLabel(backend), normalizeLabel(result)).Inc()
}

func recordBackendError(backend, operation string) {
	lockBackendErrorsTotal.WithLabelValues(normalizeLabel(backend), normalizeLabel(operation)).Inc()
}

func recordRelease(backend, result string) {
	lockReleaseTotal.WithLabelValues(normalizeLabel(backend), normalizeLabel(result)).Inc()
}

func recordExtend(backend, result string) {
	lockExtendTotal.WithLabelValues(normalizeLabel(backend), normalizeLabel(result)).Inc()
}

func recordTaskExecution(task, result string) {
	taskExecutionsTotal.WithLabelValues(normalizeLabel(task), normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
