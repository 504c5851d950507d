package jobs

import (
	"context"
	"time"
)

const (
	// DefaultLockDuration is how long a claimed job stays locked without renewal.
	DefaultLockDuration = 30 * time.Second
	// DefaultStalledInterval is how often workers re-queue jobs whose lock expired.
	DefaultStalledInterval = 120 * time.Second
	// DefaultDLQSuffix is appended to a queue name to derive its dead-letter queue.
	DefaultDLQSuffix = ".dlq"
)

// Lease is the claim lock a worker holds on an active job.
type Lease struct {
	JobID     string
	Token     string
	Queue     string
	ClaimedAt time.Time
	ExpireAt  time.Time
	// Attempt is the 1-based number of the attempt this lease covers.
	Attempt int
}

// FailOutcome tells what the backend did with a failed attempt.
type FailOutcome string

// Fail outcomes
const (
	// OutcomeRetried means the job went back to waiting or delayed for another attempt.
	OutcomeRetried FailOutcome = "retried"
	// OutcomeFailed means the job used all attempts and is finally failed.
	OutcomeFailed FailOutcome = "failed"
)

// Backend stores queued jobs and arbitrates claim locks between workers.
// One Backend may serve any number of queues, producers and workers.
type Backend interface {
	// Enqueue stores a new job as waiting, or delayed when RunAt is in the future.
	Enqueue(ctx context.Context, job *Job) error
	// Reserve blocks until a job of queue is claimed or ctx ends.
	Reserve(ctx context.Context, queue string, lockFor time.Duration) (*Job, *Lease, error)
	// Complete releases the lock and records the job as completed.
	Complete(ctx context.Context, lease *Lease) error
	// Fail counts the attempt and either schedules a retry after the job's backoff
	// or records the job as failed.
	Fail(ctx context.Context, lease *Lease, reason error) (FailOutcome, error)
	// Renew extends the lock of a job still being processed.
	Renew(ctx context.Context, lease *Lease, lockFor time.Duration) error
	// RecoverStalled puts active jobs whose lock expired back to waiting.
	RecoverStalled(ctx context.Context, queue string) (int, error)
	// Get returns a stored job by id.
	Get(ctx context.Context, queue, id string) (*Job, error)
	// List returns up to limit jobs of queue in state, oldest first.
	List(ctx context.Context, queue string, state State, limit int) ([]*Job, error)
	// Remove deletes a job that is not active.
	Remove(ctx context.Context, queue, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// failureReason renders a failure for FailedReason. A nil error still yields a reason.
func failureReason(reason error) string {
	if reason == nil {
		return "job failed"
	}
	return reason.Error()
}
