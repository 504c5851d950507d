package app

import (
	"context"
	"errors"

	"go.uber.org/fx"

	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/health"
	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/mail"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/observability/metrics"
	"github.com/nimburion/sharedqueue/pkg/server"
)

// HTTPModule provides the metrics registry and, in serve mode, runs the HTTP host.
var HTTPModule = fx.Module("http",
	fx.Provide(
		func() (*metrics.Registry, error) {
			return metrics.NewRegistry(jobs.Collectors()...)
		},
		NewServer,
	),
	fx.Invoke(RegisterServerLifecycle),
)

// ServerParams are the dependencies of the HTTP host.
type ServerParams struct {
	fx.In

	Config   *config.Config
	Log      logger.Logger
	Health   *health.Registry
	Metrics  *metrics.Registry
	Queues   *Queues
	Producer *mail.Producer
}

// NewServer builds the gin router and the HTTP server around it.
func NewServer(p ServerParams) *server.Server {
	routes := server.Routes{
		Log:        p.Log,
		Health:     p.Health,
		Metrics:    p.Metrics,
		Queue:      p.Queues.Shared,
		DeadLetter: p.Queues.DeadLetter,
		Producer:   p.Producer,
	}
	if p.Config.HTTP.MailRateLimit > 0 {
		routes.MailLimiter = server.NewTokenBucketLimiter(p.Config.HTTP.MailRateLimit, p.Config.HTTP.MailRateBurst)
	}
	router := server.NewRouter(routes)
	return server.NewServer(server.Config{
		Port:         p.Config.HTTP.Port,
		ReadTimeout:  p.Config.HTTP.ReadTimeout,
		WriteTimeout: p.Config.HTTP.WriteTimeout,
		IdleTimeout:  p.Config.HTTP.IdleTimeout,
	}, router, p.Log)
}

// RegisterServerLifecycle binds the listener on start, so a busy port fails
// startup, and serves in the background until stop.
func RegisterServerLifecycle(lc fx.Lifecycle, mode Mode, srv *server.Server, shutdowner fx.Shutdowner, log logger.Logger) {
	if mode != ModeServe {
		return
	}
	var (
		cancel context.CancelFunc
		done   chan error
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := srv.Listen(); err != nil {
				return err
			}
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
			go func() {
				err := srv.Start(runCtx)
				if err != nil {
					log.Error("http server failed", "error", err)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
				done <- err
			}()
			return nil
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
	})
}
