package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestStartJobSpan_ProcessIsConsumer(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartJobSpan(context.Background(), SpanOperationProcess,
		WithMessagingSystem("redis"),
		WithQueue("shared"),
		WithJobID("job-1"),
		WithJobName("mail.send"),
		WithAttempt(2),
		WithPayloadSize(12),
	)
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	got := ended[0]
	if got.Name() != "process shared" {
		t.Fatalf("unexpected span name %q", got.Name())
	}
	if got.SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("expected consumer span, got %v", got.SpanKind())
	}
	if got.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", got.Status())
	}
	attrs := map[string]string{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["job.name"] != "mail.send" || attrs["job.attempt"] != "2" || attrs["messaging.destination.name"] != "shared" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestStartJobSpan_EnqueueIsProducer(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartJobSpan(context.Background(), SpanOperationEnqueue)
	RecordSuccess(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].SpanKind() != trace.SpanKindProducer || ended[0].Name() != "publish" {
		t.Fatalf("unexpected spans: %+v", ended)
	}
}

func TestNewTracerProvider_DisabledIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestNewTracerProvider_Validation(t *testing.T) {
	if _, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: true, Endpoint: "localhost:4317"}); err == nil {
		t.Fatal("expected missing service name error")
	}
	if _, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: true, ServiceName: "svc"}); err == nil {
		t.Fatal("expected missing endpoint error")
	}
	if _, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: true, ServiceName: "svc", Endpoint: "x:1", SampleRate: 2}); err == nil {
		t.Fatal("expected sample rate error")
	}
}
