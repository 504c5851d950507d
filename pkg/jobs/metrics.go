package jobs

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Processing outcomes used as the status label.
const (
	statusCompleted = "completed"
	statusNoop      = "noop"
	statusSwallowed = "swallowed"
	statusRetried   = "retried"
	statusFailed    = "failed"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedqueue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue", "job_name"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedqueue_jobs_processed_total",
			Help: "Total number of job attempts finished by workers, by outcome",
		},
		[]string{"queue", "job_name", "status"},
	)

	jobsDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedqueue_jobs_dead_lettered_total",
			Help: "Total number of handler failures escalated to a dead-letter queue",
		},
		[]string{"queue", "job_name"},
	)

	jobsStalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedqueue_jobs_stalled_total",
			Help: "Total number of active jobs re-queued after their lock expired",
		},
		[]string{"queue"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sharedqueue_jobs_inflight",
			Help: "Current number of jobs being processed by workers",
		},
		[]string{"queue"},
	)
)

// The job_name label always carries a Kind, never a raw producer-supplied name,
// so unregistered names collapse into "unknown".
func recordJobEnqueued(queue string, kind Kind) {
	jobsEnqueuedTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		kind.String(),
	).Inc()
}

func recordJobProcessed(queue string, kind Kind, status string) {
	jobsProcessedTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		kind.String(),
		normalizeMetricLabel(status, "unknown"),
	).Inc()
}

func recordJobDeadLettered(queue string, kind Kind) {
	jobsDeadLetteredTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		kind.String(),
	).Inc()
}

func recordJobsStalled(queue string, count int) {
	if count <= 0 {
		return
	}
	jobsStalledTotal.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Add(float64(count))
}

func incInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func decInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Dec()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// Collectors returns the queue collectors for registration on a serving registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		jobsEnqueuedTotal,
		jobsProcessedTotal,
		jobsDeadLetteredTotal,
		jobsStalledTotal,
		jobsInFlight,
	}
}
