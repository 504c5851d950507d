package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// runBackendContract exercises the behavior every Backend must share. Queue
// names are derived from t.Name so one backend can serve several runs.
func runBackendContract(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	newJob := func(queue, id string, mutate func(*Job)) *Job {
		job := &Job{
			ID:          id,
			Name:        "mail.send",
			Queue:       queue,
			Payload:     json.RawMessage(`{"to":"a@x"}`),
			MaxAttempts: 1,
			CreatedAt:   time.Now().UTC(),
			RunAt:       time.Now().UTC(),
		}
		if mutate != nil {
			mutate(job)
		}
		return job
	}
	reserve := func(t *testing.T, queue string, lockFor time.Duration) (*Job, *Lease) {
		t.Helper()
		reserveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		job, lease, err := backend.Reserve(reserveCtx, queue, lockFor)
		if err != nil {
			t.Fatalf("reserve %s: %v", queue, err)
		}
		return job, lease
	}

	t.Run("reserve returns oldest waiting job", func(t *testing.T) {
		queue := "contract-fifo-" + t.Name()
		for i := 1; i <= 2; i++ {
			if err := backend.Enqueue(ctx, newJob(queue, fmt.Sprintf("job-%d", i), nil)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		job, lease := reserve(t, queue, time.Second)
		if job.ID != "job-1" || lease.Attempt != 1 {
			t.Fatalf("expected job-1 attempt 1, got %s attempt %d", job.ID, lease.Attempt)
		}
		active, err := backend.Get(ctx, queue, "job-1")
		if err != nil || active.State != StateActive {
			t.Fatalf("expected active job-1, got %+v, %v", active, err)
		}
		if err := backend.Remove(ctx, queue, "job-1"); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict removing active job, got %v", err)
		}
	})

	t.Run("reserve honors cancellation", func(t *testing.T) {
		reserveCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, _, err := backend.Reserve(reserveCtx, "contract-empty-"+t.Name(), time.Second)
		if err == nil {
			t.Fatal("expected reserve on an empty queue to end with the context")
		}
	})

	t.Run("complete applies retention", func(t *testing.T) {
		queue := "contract-retention-" + t.Name()
		for i := 1; i <= 3; i++ {
			if err := backend.Enqueue(ctx, newJob(queue, fmt.Sprintf("job-%d", i), func(j *Job) {
				j.RemoveOnComplete = KeepLast(2)
			})); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		for i := 0; i < 3; i++ {
			_, lease := reserve(t, queue, time.Second)
			if err := backend.Complete(ctx, lease); err != nil {
				t.Fatalf("complete: %v", err)
			}
		}
		completed, err := backend.List(ctx, queue, StateCompleted, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(completed) != 2 || completed[0].ID != "job-2" || completed[1].ID != "job-3" {
			t.Fatalf("expected newest two completed jobs, got %v", jobIDs(completed))
		}
		if _, err := backend.Get(ctx, queue, "job-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected trimmed job to be gone, got %v", err)
		}
		if completed[1].AttemptsMade != 1 {
			t.Fatalf("expected attempts made 1, got %d", completed[1].AttemptsMade)
		}
	})

	t.Run("remove on complete deletes the record", func(t *testing.T) {
		queue := "contract-remove-" + t.Name()
		if err := backend.Enqueue(ctx, newJob(queue, "job-1", func(j *Job) { j.RemoveOnComplete = RemoveImmediately })); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		_, lease := reserve(t, queue, time.Second)
		if err := backend.Complete(ctx, lease); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := backend.Get(ctx, queue, "job-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected removed job, got %v", err)
		}
	})

	t.Run("fail retries after backoff then fails", func(t *testing.T) {
		queue := "contract-retry-" + t.Name()
		const delay = 100 * time.Millisecond
		if err := backend.Enqueue(ctx, newJob(queue, "job-1", func(j *Job) {
			j.MaxAttempts = 2
			j.Backoff = Backoff{Type: BackoffFixed, Delay: delay}
		})); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		_, lease := reserve(t, queue, time.Second)
		failedAt := time.Now()
		outcome, err := backend.Fail(ctx, lease, errors.New("boom"))
		if err != nil || outcome != OutcomeRetried {
			t.Fatalf("expected retried outcome, got %s, %v", outcome, err)
		}
		delayed, err := backend.Get(ctx, queue, "job-1")
		if err != nil || delayed.State != StateDelayed || delayed.FailedReason != "boom" {
			t.Fatalf("expected delayed job with reason, got %+v, %v", delayed, err)
		}

		job, lease := reserve(t, queue, time.Second)
		if since := time.Since(failedAt); since < delay {
			t.Fatalf("retry claimed after %s, want >= %s", since, delay)
		}
		if lease.Attempt != 2 || job.AttemptsMade != 1 {
			t.Fatalf("expected second attempt, got lease attempt %d, attempts made %d", lease.Attempt, job.AttemptsMade)
		}
		outcome, err = backend.Fail(ctx, lease, errors.New("boom again"))
		if err != nil || outcome != OutcomeFailed {
			t.Fatalf("expected failed outcome, got %s, %v", outcome, err)
		}
		failed, err := backend.List(ctx, queue, StateFailed, 10)
		if err != nil || len(failed) != 1 || failed[0].AttemptsMade != 2 {
			t.Fatalf("expected one failed job with 2 attempts, got %v, %v", jobIDs(failed), err)
		}
	})

	t.Run("stale lease is rejected", func(t *testing.T) {
		queue := "contract-lease-" + t.Name()
		if err := backend.Enqueue(ctx, newJob(queue, "job-1", nil)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		_, lease := reserve(t, queue, time.Second)
		stale := *lease
		stale.Token = "not-the-token"
		if err := backend.Renew(ctx, &stale, time.Second); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected lease lost on renew, got %v", err)
		}
		if err := backend.Complete(ctx, &stale); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected lease lost on complete, got %v", err)
		}
		if err := backend.Renew(ctx, lease, time.Second); err != nil {
			t.Fatalf("renew: %v", err)
		}
		if err := backend.Complete(ctx, lease); err != nil {
			t.Fatalf("complete: %v", err)
		}
	})

	t.Run("stalled jobs return to waiting", func(t *testing.T) {
		queue := "contract-stalled-" + t.Name()
		if err := backend.Enqueue(ctx, newJob(queue, "job-1", nil)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		_, lease := reserve(t, queue, 50*time.Millisecond)
		time.Sleep(120 * time.Millisecond)

		recovered, err := backend.RecoverStalled(ctx, queue)
		if err != nil || recovered != 1 {
			t.Fatalf("expected one recovered job, got %d, %v", recovered, err)
		}
		if err := backend.Complete(ctx, lease); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected lease lost after recovery, got %v", err)
		}
		job, _ := reserve(t, queue, time.Second)
		if job.ID != "job-1" {
			t.Fatalf("expected job-1 redelivered, got %s", job.ID)
		}
	})

	t.Run("delayed jobs wait for run_at", func(t *testing.T) {
		queue := "contract-delayed-" + t.Name()
		if err := backend.Enqueue(ctx, newJob(queue, "job-1", func(j *Job) {
			j.RunAt = time.Now().UTC().Add(150 * time.Millisecond)
		})); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		delayed, err := backend.List(ctx, queue, StateDelayed, 10)
		if err != nil || len(delayed) != 1 {
			t.Fatalf("expected one delayed job, got %v, %v", jobIDs(delayed), err)
		}
		start := time.Now()
		job, _ := reserve(t, queue, time.Second)
		if job.ID != "job-1" || time.Since(start) < 100*time.Millisecond {
			t.Fatalf("delayed job claimed too early after %s", time.Since(start))
		}
	})
}

func jobIDs(jobs []*Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	return ids
}
