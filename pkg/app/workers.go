package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"

	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/mail"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

// WorkerModule provides the workers and starts them unless the container runs
// in client mode or worker.enabled is false.
var WorkerModule = fx.Module("workers",
	fx.Provide(
		func(cfg *config.Config, log logger.Logger) mail.Sender {
			return mail.NewSimulatedSender(cfg.Mail.SimulatedDelay, log)
		},
		NewWorkers,
		NewHealthRegistry,
	),
	fx.Invoke(RegisterWorkerLifecycle),
)

// Workers holds one worker per queue. DeadLetter is nil when the dead-letter
// queue is disabled.
type Workers struct {
	Shared     *jobs.Worker
	DeadLetter *jobs.Worker
}

// All returns the non-nil workers.
func (w *Workers) All() []*jobs.Worker {
	all := []*jobs.Worker{w.Shared}
	if w.DeadLetter != nil {
		all = append(all, w.DeadLetter)
	}
	return all
}

// NewWorkers creates the shared-queue worker with the mail handler registered
// and, when dead-lettering is enabled, the escalator plus an observe-only
// worker on the dead-letter queue.
func NewWorkers(cfg *config.Config, backend jobs.Backend, queues *Queues, sender mail.Sender, log logger.Logger) (*Workers, error) {
	policy, err := jobs.ParseFailurePolicy(cfg.Worker.FailurePolicy)
	if err != nil {
		return nil, err
	}
	workerCfg := jobs.WorkerConfig{
		Queue:           queues.Shared.Name(),
		Concurrency:     cfg.Worker.Concurrency,
		LockDuration:    cfg.Worker.LockDuration,
		StalledInterval: cfg.Worker.StalledInterval,
		AttemptTimeout:  cfg.Worker.AttemptTimeout,
		StopTimeout:     cfg.Worker.StopTimeout,
		FailurePolicy:   policy,
	}

	var opts []jobs.WorkerOption
	if queues.DeadLetter != nil {
		opts = append(opts, jobs.WithEscalator(queues.DeadLetter))
	}
	shared, err := jobs.NewWorker(backend, log, workerCfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := mail.Register(shared, sender); err != nil {
		return nil, err
	}
	workers := &Workers{Shared: shared}
	if queues.DeadLetter == nil {
		return workers, nil
	}

	dlqCfg := workerCfg
	dlqCfg.Queue = queues.DeadLetter.Name()
	dlqCfg.FailurePolicy = jobs.FailurePropagate
	workers.DeadLetter, err = jobs.NewWorker(backend, log, dlqCfg)
	if err != nil {
		return nil, err
	}
	workers.DeadLetter.Fallback(jobs.InspectDeadLetter(log))
	return workers, nil
}

// RegisterWorkerLifecycle runs each worker in its own goroutine between the
// start and stop hooks.
func RegisterWorkerLifecycle(lc fx.Lifecycle, cfg *config.Config, mode Mode, workers *Workers, log logger.Logger) {
	if !runsWorkers(cfg, mode) {
		log.Info("workers disabled", "mode", string(mode))
		return
	}
	for _, worker := range workers.All() {
		lc.Append(workerHook(worker, log))
	}
}

func workerHook(worker *jobs.Worker, log logger.Logger) fx.Hook {
	var (
		cancel context.CancelFunc
		done   chan error
	)
	return fx.Hook{
		OnStart: func(ctx context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
			go func() {
				err := worker.Start(runCtx)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error("worker exited", "queue", worker.Queue(), "error", err)
				}
				done <- err
			}()
			select {
			case <-worker.Started():
				return nil
			case err := <-done:
				return fmt.Errorf("start worker for %s: %w", worker.Queue(), err)
			case <-ctx.Done():
				cancel()
				return ctx.Err()
			}
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case err := <-done:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func runsWorkers(cfg *config.Config, mode Mode) bool {
	return mode != ModeClient && cfg.Worker.Enabled
}
