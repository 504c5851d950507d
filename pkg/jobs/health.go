package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/nimburion/sharedqueue/pkg/health"
)

const (
	defaultBackendHealthCheckName = "jobs-backend"
	defaultWorkerHealthCheckName  = "jobs-worker"
)

// NewBackendHealthChecker reports the backend unhealthy when it cannot reach the broker.
func NewBackendHealthChecker(name string, backend Backend, timeout time.Duration) health.Checker {
	return health.NewAdapterChecker(normalizeHealthCheckName(name, defaultBackendHealthCheckName), backend, timeout)
}

// NewWorkerHealthChecker reports a stopped worker as degraded: producers keep working
// and jobs wait on the queue.
func NewWorkerHealthChecker(name string, worker *Worker) health.Checker {
	check := health.CheckFunc(func(context.Context) error {
		if !worker.Running() {
			return jobsError(ErrClosed, "worker for queue "+worker.Queue()+" is not running")
		}
		return nil
	})
	return health.NewDegradedChecker(normalizeHealthCheckName(name, defaultWorkerHealthCheckName), check, time.Second)
}

func normalizeHealthCheckName(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
