package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/testutil"
)

func TestRedisBackendConfigNormalize(t *testing.T) {
	cfg := RedisBackendConfig{Prefix: " app:jobs: "}
	cfg.normalize()

	if cfg.Prefix != "app:jobs" {
		t.Fatalf("expected trailing colon trimmed, got %q", cfg.Prefix)
	}
	if cfg.OperationTimeout <= 0 || cfg.PollInterval <= 0 {
		t.Fatal("expected positive timeouts")
	}
	if cfg.TransferBatch <= 0 || cfg.StalledBatch <= 0 {
		t.Fatal("expected positive batch sizes")
	}

	empty := RedisBackendConfig{}
	empty.normalize()
	if empty.Prefix != defaultRedisPrefix {
		t.Fatalf("expected default prefix, got %q", empty.Prefix)
	}
}

func TestNewRedisBackend_ValidationErrors(t *testing.T) {
	if _, err := NewRedisBackend(nil, logger.Nop(), RedisBackendConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing client error, got %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if _, err := NewRedisBackend(client, nil, RedisBackendConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing logger error, got %v", err)
	}
}

func TestRedisBackend_ClosedRejectsCalls(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	backend, err := NewRedisBackend(client, logger.Nop(), RedisBackendConfig{})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := backend.Reserve(context.Background(), "shared", time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := backend.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRedisBackendKeyBuilders(t *testing.T) {
	backend := &RedisBackend{config: RedisBackendConfig{Prefix: "sharedqueue"}}

	tests := map[string]string{
		backend.waitingKey("shared"):      "sharedqueue:queue:shared:waiting",
		backend.delayedKey("shared"):      "sharedqueue:queue:shared:delayed",
		backend.activeKey("shared"):       "sharedqueue:queue:shared:active",
		backend.completedKey("shared"):    "sharedqueue:queue:shared:completed",
		backend.failedKey("shared.dlq"):   "sharedqueue:queue:shared.dlq:failed",
		backend.jobKey("shared", "id-1"):  "sharedqueue:queue:shared:job:id-1",
		backend.lockKey("shared", "id-1"): "sharedqueue:queue:shared:lock:id-1",
	}
	for got, want := range tests {
		if got != want {
			t.Fatalf("unexpected key %s, want %s", got, want)
		}
	}
}

func TestParseReserveResult(t *testing.T) {
	id, body, ok := parseReserveResult([]any{"id-1", `{"id":"id-1"}`})
	if !ok || id != "id-1" || body != `{"id":"id-1"}` {
		t.Fatalf("unexpected parse result %q %q %v", id, body, ok)
	}
	if _, _, ok := parseReserveResult("id-1"); ok {
		t.Fatal("expected malformed result to be rejected")
	}
}

func TestRedisBackend_Integration(t *testing.T) {
	connStr := testutil.StartRedis(t)
	ctx := context.Background()
	opts, err := redis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	backend, err := NewRedisBackend(client, logger.Nop(), RedisBackendConfig{
		Prefix:       "it",
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	t.Run("contract", func(t *testing.T) {
		runBackendContract(t, backend)
	})

	t.Run("worker escalates to dead-letter queue", func(t *testing.T) {
		queue, err := NewQueue(backend, logger.Nop(), QueueConfig{Name: "it-shared", Defaults: JobOptions{
			Attempts:         2,
			Backoff:          &Backoff{Type: BackoffFixed, Delay: 20 * time.Millisecond},
			RemoveOnComplete: &KeepAll,
		}})
		if err != nil {
			t.Fatalf("new queue: %v", err)
		}
		dlqQueue, err := NewQueue(backend, logger.Nop(), QueueConfig{Name: "it-shared.dlq"})
		if err != nil {
			t.Fatalf("new dlq queue: %v", err)
		}
		dlq, err := NewDeadLetterQueue(dlqQueue, logger.Nop())
		if err != nil {
			t.Fatalf("new dlq: %v", err)
		}
		worker, err := NewWorker(backend, logger.Nop(), WorkerConfig{Queue: queue.Name(), LockDuration: time.Second}, WithEscalator(dlq))
		if err != nil {
			t.Fatalf("new worker: %v", err)
		}
		attempts := 0
		if err := worker.Register("mail.send", func(context.Context, *Job) error {
			attempts++
			if attempts == 1 {
				return errors.New("boom")
			}
			return nil
		}); err != nil {
			t.Fatalf("register: %v", err)
		}

		id, err := queue.Add(ctx, "mail.send", map[string]string{"to": "a@x"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		stop := runWorker(t, worker)
		waitFor(t, 5*time.Second, func() bool { return jobState(t, queue, id) == StateCompleted })
		stop()

		records, err := dlq.Records(ctx, 0)
		if err != nil {
			t.Fatalf("records: %v", err)
		}
		if len(records) != 1 || records[0].Data[DataFailedReason] != "boom" {
			t.Fatalf("expected one dead-letter record for boom, got %d", len(records))
		}
		if err := client.Ping(ctx).Err(); err != nil {
			t.Fatalf("shared client must stay open after worker stop: %v", err)
		}
	})
}
