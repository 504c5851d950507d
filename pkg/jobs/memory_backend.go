package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

const defaultMemoryPollInterval = 50 * time.Millisecond

// MemoryBackendConfig configures the in-process backend.
type MemoryBackendConfig struct {
	// PollInterval bounds how long Reserve sleeps before re-checking delayed jobs.
	PollInterval time.Duration
}

func (c *MemoryBackendConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultMemoryPollInterval
	}
}

type memoryLock struct {
	token    string
	expireAt time.Time
}

type memoryQueue struct {
	waiting   []string
	delayed   map[string]struct{}
	active    map[string]*memoryLock
	completed []string
	failed    []string
}

// MemoryBackend keeps queues in process memory. It implements the same claim,
// retry, retention and stalled-recovery rules as RedisBackend, without durability.
type MemoryBackend struct {
	log    logger.Logger
	config MemoryBackendConfig

	mu     sync.Mutex
	jobs   map[string]*Job
	queues map[string]*memoryQueue
	wake   chan struct{}
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(log logger.Logger, cfg MemoryBackendConfig) (*MemoryBackend, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &MemoryBackend{
		log:    log,
		config: cfg,
		jobs:   map[string]*Job{},
		queues: map[string]*memoryQueue{},
		wake:   make(chan struct{}),
	}, nil
}

// Enqueue stores a new job.
func (b *MemoryBackend) Enqueue(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	stored := cloneJob(job)
	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobsError(ErrClosed, "memory backend is closed")
	}
	key := memoryJobKey(stored.Queue, stored.ID)
	if _, exists := b.jobs[key]; exists {
		return jobsError(ErrConflict, fmt.Sprintf("job %s already exists on queue %s", stored.ID, stored.Queue))
	}

	q := b.queue(stored.Queue)
	if stored.RunAt.After(now) {
		stored.State = StateDelayed
		q.delayed[stored.ID] = struct{}{}
	} else {
		stored.State = StateWaiting
		q.waiting = append(q.waiting, stored.ID)
	}
	b.jobs[key] = stored
	b.signal()
	return nil
}

// Reserve claims the oldest waiting job of queue, promoting due delayed jobs first.
func (b *MemoryBackend) Reserve(ctx context.Context, queue string, lockFor time.Duration) (*Job, *Lease, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, nil, jobsError(ErrInvalidArgument, "queue is required")
	}
	if lockFor <= 0 {
		lockFor = DefaultLockDuration
	}

	timer := time.NewTimer(b.config.PollInterval)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, nil, jobsError(ErrClosed, "memory backend is closed")
		}
		now := time.Now().UTC()
		q := b.queue(queue)
		b.promoteDue(queue, q, now)
		if len(q.waiting) > 0 {
			job, lease := b.claim(queue, q, now, lockFor)
			b.mu.Unlock()
			return job, lease, nil
		}
		wake := b.wake
		b.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.config.PollInterval)

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
	}
}

func (b *MemoryBackend) claim(queue string, q *memoryQueue, now time.Time, lockFor time.Duration) (*Job, *Lease) {
	id := q.waiting[0]
	q.waiting = q.waiting[1:]

	job := b.jobs[memoryJobKey(queue, id)]
	lock := &memoryLock{token: randomToken(), expireAt: now.Add(lockFor)}
	q.active[id] = lock

	job.State = StateActive
	job.ProcessedAt = now

	return cloneJob(job), &Lease{
		JobID:     id,
		Token:     lock.token,
		Queue:     queue,
		ClaimedAt: now,
		ExpireAt:  lock.expireAt,
		Attempt:   job.AttemptsMade + 1,
	}
}

func (b *MemoryBackend) promoteDue(queue string, q *memoryQueue, now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	due := make([]*Job, 0, len(q.delayed))
	for id := range q.delayed {
		job := b.jobs[memoryJobKey(queue, id)]
		if job == nil {
			delete(q.delayed, id)
			continue
		}
		if !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	for _, job := range due {
		delete(q.delayed, job.ID)
		job.State = StateWaiting
		q.waiting = append(q.waiting, job.ID)
	}
}

// Complete records a successful attempt.
func (b *MemoryBackend) Complete(ctx context.Context, lease *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, q, err := b.release(lease)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.AttemptsMade++
	job.State = StateCompleted
	job.FinishedAt = now
	q.completed = b.retain(lease.Queue, q.completed, job, job.RemoveOnComplete)
	return nil
}

// Fail counts the attempt and schedules a retry or finally fails the job.
func (b *MemoryBackend) Fail(ctx context.Context, lease *Lease, reason error) (FailOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, q, err := b.release(lease)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	job.AttemptsMade++
	job.FailedReason = failureReason(reason)

	if job.CanRetry() {
		job.RunAt = job.NextAttemptAt(now)
		if job.RunAt.After(now) {
			job.State = StateDelayed
			q.delayed[job.ID] = struct{}{}
		} else {
			job.State = StateWaiting
			q.waiting = append(q.waiting, job.ID)
		}
		b.signal()
		return OutcomeRetried, nil
	}

	job.State = StateFailed
	job.FinishedAt = now
	q.failed = b.retain(lease.Queue, q.failed, job, job.RemoveOnFail)
	return OutcomeFailed, nil
}

// release drops the lock held by lease. Callers hold b.mu.
func (b *MemoryBackend) release(lease *Lease) (*Job, *memoryQueue, error) {
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		return nil, nil, jobsError(ErrInvalidArgument, "lease token is required")
	}
	if b.closed {
		return nil, nil, jobsError(ErrClosed, "memory backend is closed")
	}
	q := b.queue(lease.Queue)
	lock, ok := q.active[lease.JobID]
	if !ok || lock.token != lease.Token {
		return nil, nil, jobsError(ErrLeaseLost, fmt.Sprintf("job %s is not locked by this lease", lease.JobID))
	}
	delete(q.active, lease.JobID)
	job := b.jobs[memoryJobKey(lease.Queue, lease.JobID)]
	if job == nil {
		return nil, nil, jobsError(ErrNotFound, fmt.Sprintf("job %s not found", lease.JobID))
	}
	return job, q, nil
}

// retain applies a retention policy to a finished job and returns the trimmed list.
func (b *MemoryBackend) retain(queue string, finished []string, job *Job, retention Retention) []string {
	if retention.Remove {
		delete(b.jobs, memoryJobKey(queue, job.ID))
		return finished
	}
	finished = append(finished, job.ID)
	if retention.Keep > 0 && len(finished) > retention.Keep {
		excess := len(finished) - retention.Keep
		for _, id := range finished[:excess] {
			delete(b.jobs, memoryJobKey(queue, id))
		}
		finished = append([]string(nil), finished[excess:]...)
	}
	return finished
}

// Renew extends the lock held by lease.
func (b *MemoryBackend) Renew(ctx context.Context, lease *Lease, lockFor time.Duration) error {
	if lease == nil {
		return jobsError(ErrInvalidArgument, "lease is required")
	}
	if lockFor <= 0 {
		lockFor = DefaultLockDuration
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobsError(ErrClosed, "memory backend is closed")
	}
	lock, ok := b.queue(lease.Queue).active[lease.JobID]
	if !ok || lock.token != lease.Token {
		return jobsError(ErrLeaseLost, fmt.Sprintf("job %s is not locked by this lease", lease.JobID))
	}
	lock.expireAt = time.Now().UTC().Add(lockFor)
	lease.ExpireAt = lock.expireAt
	return nil
}

// RecoverStalled moves active jobs with expired locks back to waiting.
func (b *MemoryBackend) RecoverStalled(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, jobsError(ErrClosed, "memory backend is closed")
	}
	now := time.Now().UTC()
	q := b.queue(queue)

	stalled := make([]string, 0)
	for id, lock := range q.active {
		if lock.expireAt.Before(now) {
			stalled = append(stalled, id)
		}
	}
	sort.Strings(stalled)
	for _, id := range stalled {
		delete(q.active, id)
		if job := b.jobs[memoryJobKey(queue, id)]; job != nil {
			job.State = StateWaiting
			q.waiting = append(q.waiting, id)
		}
	}
	if len(stalled) > 0 {
		b.signal()
	}
	return len(stalled), nil
}

// Get returns a copy of a stored job.
func (b *MemoryBackend) Get(ctx context.Context, queue, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[memoryJobKey(queue, id)]
	if !ok {
		return nil, jobsError(ErrNotFound, fmt.Sprintf("job %s not found on queue %s", id, queue))
	}
	return cloneJob(job), nil
}

// List returns up to limit jobs of queue in state, oldest first.
func (b *MemoryBackend) List(ctx context.Context, queue string, state State, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)

	var ids []string
	switch state {
	case StateWaiting:
		ids = q.waiting
	case StateCompleted:
		ids = q.completed
	case StateFailed:
		ids = q.failed
	case StateDelayed, StateActive:
		for _, job := range b.jobs {
			if job.Queue == queue && job.State == state {
				ids = append(ids, job.ID)
			}
		}
		sort.Slice(ids, func(i, j int) bool {
			left, right := b.jobs[memoryJobKey(queue, ids[i])], b.jobs[memoryJobKey(queue, ids[j])]
			if state == StateDelayed {
				return left.RunAt.Before(right.RunAt)
			}
			return left.ProcessedAt.Before(right.ProcessedAt)
		})
	default:
		return nil, jobsError(ErrInvalidArgument, fmt.Sprintf("unknown job state %q", state))
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	result := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if job := b.jobs[memoryJobKey(queue, id)]; job != nil {
			result = append(result, cloneJob(job))
		}
	}
	return result, nil
}

// Remove deletes a job that is not active.
func (b *MemoryBackend) Remove(ctx context.Context, queue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := memoryJobKey(queue, id)
	job, ok := b.jobs[key]
	if !ok {
		return jobsError(ErrNotFound, fmt.Sprintf("job %s not found on queue %s", id, queue))
	}
	if job.State == StateActive {
		return jobsError(ErrConflict, fmt.Sprintf("job %s is active", id))
	}
	q := b.queue(queue)
	q.waiting = without(q.waiting, id)
	q.completed = without(q.completed, id)
	q.failed = without(q.failed, id)
	delete(q.delayed, id)
	delete(b.jobs, key)
	return nil
}

// HealthCheck fails once the backend is closed.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobsError(ErrClosed, "memory backend is closed")
	}
	return nil
}

// Close wakes blocked reservers and rejects further calls.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.signal()
	return nil
}

func (b *MemoryBackend) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			delayed: map[string]struct{}{},
			active:  map[string]*memoryLock{},
		}
		b.queues[name] = q
	}
	return q
}

// signal wakes every goroutine blocked in Reserve. Callers hold b.mu.
func (b *MemoryBackend) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func memoryJobKey(queue, id string) string {
	return queue + "\x00" + id
}

func without(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
