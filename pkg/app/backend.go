package app

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/health"
	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	storeredis "github.com/nimburion/sharedqueue/pkg/store/redis"
)

// BackendModule provides the jobs backend selected by queue.backend.
var BackendModule = fx.Module("backend",
	fx.Provide(NewBackend),
)

// NewBackend opens the broker connection and the backend over it. The backend
// closes before the connection it borrows.
func NewBackend(lc fx.Lifecycle, cfg *config.Config, log logger.Logger) (jobs.Backend, error) {
	switch cfg.Queue.Backend {
	case "memory":
		backend, err := jobs.NewMemoryBackend(log, jobs.MemoryBackendConfig{PollInterval: cfg.Redis.PollInterval})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(backend.Close))
		return backend, nil
	case "redis", "":
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.OperationTimeout)
	defer cancel()
	conn, err := storeredis.NewConnection(ctx, storeredis.Config{
		URL:              cfg.Redis.ConnectionURL(),
		PoolSize:         cfg.Redis.MaxConns,
		OperationTimeout: cfg.Redis.OperationTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	backend, err := jobs.NewRedisBackend(conn.Client(), log, jobs.RedisBackendConfig{
		Prefix:           cfg.Redis.Prefix,
		OperationTimeout: cfg.Redis.OperationTimeout,
		PollInterval:     cfg.Redis.PollInterval,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// Hooks stop in reverse order: backend first, connection last.
	lc.Append(fx.StopHook(conn.Close))
	lc.Append(fx.StopHook(backend.Close))
	return backend, nil
}

// NewHealthRegistry checks the backend and, when this process runs them, the workers.
func NewHealthRegistry(cfg *config.Config, mode Mode, backend jobs.Backend, workers *Workers) *health.Registry {
	registry := health.NewRegistry()
	registry.Register(jobs.NewBackendHealthChecker("queue-backend", backend, cfg.Redis.OperationTimeout))
	if !runsWorkers(cfg, mode) {
		return registry
	}
	for _, worker := range workers.All() {
		registry.Register(jobs.NewWorkerHealthChecker("worker-"+worker.Queue(), worker))
	}
	return registry
}
