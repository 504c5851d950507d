package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/sharedqueue/pkg/health"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

func TestHealthCheckers(t *testing.T) {
	backend, err := NewMemoryBackend(logger.Nop(), MemoryBackendConfig{})
	if err != nil {
		t.Fatalf("new memory backend: %v", err)
	}
	worker, err := NewWorker(backend, logger.Nop(), WorkerConfig{Queue: "shared"})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	backendChecker := NewBackendHealthChecker("", backend, time.Second)
	workerChecker := NewWorkerHealthChecker("mail-worker", worker)
	if backendChecker.Name() != "jobs-backend" || workerChecker.Name() != "mail-worker" {
		t.Fatalf("unexpected checker names %q %q", backendChecker.Name(), workerChecker.Name())
	}

	if got := backendChecker.Check(context.Background()).Status; got != health.StatusHealthy {
		t.Fatalf("expected healthy backend, got %s", got)
	}
	if got := workerChecker.Check(context.Background()).Status; got != health.StatusDegraded {
		t.Fatalf("expected stopped worker to be degraded, got %s", got)
	}

	_ = backend.Close()
	if got := backendChecker.Check(context.Background()).Status; got != health.StatusUnhealthy {
		t.Fatalf("expected closed backend to be unhealthy, got %s", got)
	}
}
