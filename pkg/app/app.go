// Package app assembles the queue service with fx: one connection, one shared
// queue, an optional dead-letter queue, their workers and the HTTP host.
package app

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

// Mode selects which long-running parts the container starts.
type Mode string

const (
	// ModeServe runs the HTTP host and the workers.
	ModeServe Mode = "serve"
	// ModeWorker runs the workers only.
	ModeWorker Mode = "worker"
	// ModeClient wires queues for one-shot commands and starts nothing.
	ModeClient Mode = "client"
)

// Options returns the fx options of the service in mode.
func Options(cfg *config.Config, log *logger.ZapLogger, mode Mode) fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Zap().Named("fx")}
		}),
		fx.Supply(cfg, mode),
		fx.Provide(func() logger.Logger { return log }),
		BackendModule,
		QueueModule,
		WorkerModule,
		HTTPModule,
		TracingModule,
	)
}

// New builds the container. Populate targets receive constructed values, e.g.
// a *Queues for one-shot commands.
func New(cfg *config.Config, log *logger.ZapLogger, mode Mode, populate ...any) *fx.App {
	opts := []fx.Option{Options(cfg, log, mode)}
	if len(populate) > 0 {
		opts = append(opts, fx.Populate(populate...))
	}
	return fx.New(opts...)
}

// Run starts the container, blocks until ctx is cancelled, then stops it.
func Run(ctx context.Context, cfg *config.Config, log *logger.ZapLogger, mode Mode) error {
	application := New(cfg, log, mode)
	if err := application.Err(); err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, application.StartTimeout())
	defer cancel()
	if err := application.Start(startCtx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	select {
	case <-ctx.Done():
	case signal := <-application.Wait():
		if signal.ExitCode != 0 {
			log.Warn("application requested shutdown", "exit_code", signal.ExitCode)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), application.StopTimeout())
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop application: %w", err)
	}
	return nil
}
