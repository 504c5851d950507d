package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

func TestMemoryBackendContract(t *testing.T) {
	backend, err := NewMemoryBackend(logger.Nop(), MemoryBackendConfig{PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new memory backend: %v", err)
	}
	defer backend.Close()

	runBackendContract(t, backend)
}

func TestMemoryBackend_CloseWakesReserve(t *testing.T) {
	backend, err := NewMemoryBackend(logger.Nop(), MemoryBackendConfig{PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("new memory backend: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := backend.Reserve(context.Background(), "shared", time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reserve was not woken by close")
	}
	if err := backend.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed health check, got %v", err)
	}
}

func TestMemoryBackend_EnqueueRejectsDuplicates(t *testing.T) {
	backend, err := NewMemoryBackend(logger.Nop(), MemoryBackendConfig{})
	if err != nil {
		t.Fatalf("new memory backend: %v", err)
	}
	job := &Job{ID: "job-1", Name: "mail.send", Queue: "shared", Payload: []byte(`{}`), MaxAttempts: 1}
	if err := backend.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := backend.Enqueue(context.Background(), job); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := backend.List(context.Background(), "shared", State("paused"), 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}
