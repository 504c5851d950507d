package app

import (
	"context"

	"go.uber.org/fx"

	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/observability/tracing"
	"github.com/nimburion/sharedqueue/pkg/version"
)

// TracingModule installs the OTLP tracer provider when tracing is enabled.
var TracingModule = fx.Module("tracing",
	fx.Provide(NewTracerProvider),
	fx.Invoke(func(*tracing.TracerProvider) {}),
)

// NewTracerProvider creates the provider and flushes it on stop.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) (*tracing.TracerProvider, error) {
	info := version.Current(cfg.Service.Name)
	provider, err := tracing.NewTracerProvider(context.Background(), tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		Enabled:        cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(provider.Shutdown))
	return provider, nil
}
