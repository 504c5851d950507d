package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "sharedqueue"
	defaultRedisOperationTimeout = 5 * time.Second
	defaultRedisPollInterval     = 200 * time.Millisecond
	defaultRedisTransferBatch    = 100
	defaultRedisStalledBatch     = 1000
)

var (
	// KEYS: delayed, waiting, active. Due delayed jobs are promoted before the
	// oldest waiting job is locked. Ids whose body disappeared are skipped.
	redisReserveScript = redis.NewScript(`
local delayed = KEYS[1]
local waiting = KEYS[2]
local active = KEYS[3]
local queuePrefix = ARGV[1]
local nowMs = tonumber(ARGV[2])
local transferBatch = tonumber(ARGV[3])
local lockMs = tonumber(ARGV[4])
local token = ARGV[5]

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", nowMs, "LIMIT", 0, transferBatch)
for _, id in ipairs(due) do
  redis.call("RPUSH", waiting, id)
  redis.call("ZREM", delayed, id)
end

while true do
  local id = redis.call("LPOP", waiting)
  if not id then
    return nil
  end
  local body = redis.call("GET", queuePrefix .. "job:" .. id)
  if body then
    redis.call("ZADD", active, nowMs + lockMs, id)
    redis.call("SET", queuePrefix .. "lock:" .. id, token, "PX", lockMs)
    return {id, body}
  end
end
`)

	// KEYS: lock, active, target, job. Modes: push (RPUSH target), schedule
	// (ZADD target), retain (finished set with retention trimming).
	redisFinishScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])

local mode = ARGV[4]
if mode == "push" then
  redis.call("SET", KEYS[4], ARGV[3])
  redis.call("RPUSH", KEYS[3], ARGV[2])
  return 1
end
if mode == "schedule" then
  redis.call("SET", KEYS[4], ARGV[3])
  redis.call("ZADD", KEYS[3], tonumber(ARGV[5]), ARGV[2])
  return 1
end

if ARGV[6] == "1" then
  redis.call("DEL", KEYS[4])
  return 1
end
redis.call("SET", KEYS[4], ARGV[3])
redis.call("ZADD", KEYS[3], tonumber(ARGV[5]), ARGV[2])
local keep = tonumber(ARGV[7])
if keep > 0 then
  local excess = redis.call("ZRANGE", KEYS[3], 0, -(keep + 1))
  for _, old in ipairs(excess) do
    redis.call("DEL", ARGV[8] .. old)
  end
  if #excess > 0 then
    redis.call("ZREMRANGEBYRANK", KEYS[3], 0, -(keep + 1))
  end
end
return 1
`)

	// KEYS: lock, active.
	redisRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], "XX", tonumber(ARGV[3]), ARGV[4])
return 1
`)

	// KEYS: active, waiting. Active ids past their deadline whose lock key is gone
	// go back to the end of waiting.
	redisStalledScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
local recovered = {}
for _, id in ipairs(ids) do
  if redis.call("EXISTS", ARGV[2] .. "lock:" .. id) == 0 then
    redis.call("ZREM", KEYS[1], id)
    redis.call("RPUSH", KEYS[2], id)
    table.insert(recovered, id)
  end
end
return recovered
`)
)

// RedisBackendConfig configures the Redis-backed queue storage.
type RedisBackendConfig struct {
	Prefix           string
	OperationTimeout time.Duration
	// PollInterval is the minimum gap between reserve attempts on an idle queue.
	PollInterval  time.Duration
	TransferBatch int
	StalledBatch  int
}

func (c *RedisBackendConfig) normalize() {
	c.Prefix = strings.TrimRight(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRedisPollInterval
	}
	if c.TransferBatch <= 0 {
		c.TransferBatch = defaultRedisTransferBatch
	}
	if c.StalledBatch <= 0 {
		c.StalledBatch = defaultRedisStalledBatch
	}
}

// RedisBackend stores each job body under its own key and tracks queue membership
// with a waiting list plus delayed, active, completed and failed sorted sets.
// The client is borrowed: Close does not close it.
type RedisBackend struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisBackendConfig

	mu       sync.RWMutex
	closed   bool
	limiters map[string]*rate.Limiter
}

// NewRedisBackend creates a backend over a shared Redis client.
func NewRedisBackend(client redis.UniversalClient, log logger.Logger, cfg RedisBackendConfig) (*RedisBackend, error) {
	if client == nil {
		return nil, jobsError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	return &RedisBackend{
		client:   client,
		log:      log,
		config:   cfg,
		limiters: map[string]*rate.Limiter{},
	}, nil
}

// Enqueue writes the job body and pushes its id to waiting or delayed.
func (b *RedisBackend) Enqueue(ctx context.Context, job *Job) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	stored := cloneJob(job)
	if err := stored.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.RunAt.IsZero() {
		stored.RunAt = stored.CreatedAt
	}
	delayed := stored.RunAt.After(now)
	if delayed {
		stored.State = StateDelayed
	} else {
		stored.State = StateWaiting
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal job failed: %w", err)
	}

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	_, err = b.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, b.jobKey(stored.Queue, stored.ID), body, 0)
		if delayed {
			pipe.ZAdd(opCtx, b.delayedKey(stored.Queue), redis.Z{
				Score:  float64(stored.RunAt.UnixMilli()),
				Member: stored.ID,
			})
		} else {
			pipe.RPush(opCtx, b.waitingKey(stored.Queue), stored.ID)
		}
		return nil
	})
	return err
}

// Reserve claims the next job of queue. Idle polling is throttled per queue to
// PollInterval.
func (b *RedisBackend) Reserve(ctx context.Context, queue string, lockFor time.Duration) (*Job, *Lease, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, nil, err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, nil, jobsError(ErrInvalidArgument, "queue is required")
	}
	if lockFor <= 0 {
		lockFor = DefaultLockDuration
	}
	lockMilliseconds := lockFor.Milliseconds()
	if lockMilliseconds <= 0 {
		lockMilliseconds = 1
	}
	limiter := b.idleLimiter(queue)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := b.ensureOpen(); err != nil {
			return nil, nil, err
		}

		token := randomToken()
		now := time.Now().UTC()
		opCtx, cancel := b.operationContext(ctx)
		result, err := redisReserveScript.Run(
			opCtx,
			b.client,
			[]string{b.delayedKey(queue), b.waitingKey(queue), b.activeKey(queue)},
			b.queuePrefix(queue),
			now.UnixMilli(),
			b.config.TransferBatch,
			lockMilliseconds,
			token,
		).Result()
		cancel()

		if errors.Is(err, redis.Nil) {
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				return nil, nil, waitErr
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		id, body, ok := parseReserveResult(result)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected reserve result %T", result)
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			b.log.Warn("dropping malformed job body", "queue", queue, "job_id", id, "error", err)
			b.dropMalformed(ctx, queue, id, token)
			continue
		}
		job.State = StateActive
		job.ProcessedAt = now

		lease := &Lease{
			JobID:     id,
			Token:     token,
			Queue:     queue,
			ClaimedAt: now,
			ExpireAt:  now.Add(lockFor),
			Attempt:   job.AttemptsMade + 1,
		}
		return &job, lease, nil
	}
}

func parseReserveResult(result any) (string, string, bool) {
	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return "", "", false
	}
	id, idOK := values[0].(string)
	body, bodyOK := values[1].(string)
	return id, body, idOK && bodyOK
}

func (b *RedisBackend) dropMalformed(ctx context.Context, queue, id, token string) {
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	_, err := b.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Del(opCtx, b.lockKey(queue, id), b.jobKey(queue, id))
		pipe.ZRem(opCtx, b.activeKey(queue), id)
		return nil
	})
	if err != nil {
		b.log.Error("failed to drop malformed job", "queue", queue, "job_id", id, "error", err)
	}
}

// Complete records a successful attempt and applies RemoveOnComplete.
func (b *RedisBackend) Complete(ctx context.Context, lease *Lease) error {
	job, err := b.leasedJob(ctx, lease)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.AttemptsMade++
	job.State = StateCompleted
	job.ProcessedAt = lease.ClaimedAt
	job.FinishedAt = now
	return b.finish(ctx, lease, job, b.completedKey(lease.Queue), "retain", now.UnixMilli(), job.RemoveOnComplete)
}

// Fail counts the attempt, then schedules a retry after the job's backoff or
// records the job as failed and applies RemoveOnFail.
func (b *RedisBackend) Fail(ctx context.Context, lease *Lease, reason error) (FailOutcome, error) {
	job, err := b.leasedJob(ctx, lease)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	job.AttemptsMade++
	job.FailedReason = failureReason(reason)
	job.ProcessedAt = lease.ClaimedAt

	if job.CanRetry() {
		job.RunAt = job.NextAttemptAt(now)
		if job.RunAt.After(now) {
			job.State = StateDelayed
			err = b.finish(ctx, lease, job, b.delayedKey(lease.Queue), "schedule", job.RunAt.UnixMilli(), Retention{})
		} else {
			job.State = StateWaiting
			err = b.finish(ctx, lease, job, b.waitingKey(lease.Queue), "push", 0, Retention{})
		}
		if err != nil {
			return "", err
		}
		return OutcomeRetried, nil
	}

	job.State = StateFailed
	job.FinishedAt = now
	if err := b.finish(ctx, lease, job, b.failedKey(lease.Queue), "retain", now.UnixMilli(), job.RemoveOnFail); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

func (b *RedisBackend) finish(ctx context.Context, lease *Lease, job *Job, target, mode string, score int64, retention Retention) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job failed: %w", err)
	}
	remove := "0"
	if retention.Remove {
		remove = "1"
	}

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	result, err := redisFinishScript.Run(
		opCtx,
		b.client,
		[]string{b.lockKey(lease.Queue, lease.JobID), b.activeKey(lease.Queue), target, b.jobKey(lease.Queue, lease.JobID)},
		lease.Token,
		lease.JobID,
		body,
		mode,
		score,
		remove,
		retention.Keep,
		b.queuePrefix(lease.Queue)+"job:",
	).Int()
	if err != nil {
		return err
	}
	if result != 1 {
		return jobsError(ErrLeaseLost, fmt.Sprintf("job %s is not locked by this lease", lease.JobID))
	}
	return nil
}

// leasedJob loads the stored body of the job a lease covers.
func (b *RedisBackend) leasedJob(ctx context.Context, lease *Lease) (*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		return nil, jobsError(ErrInvalidArgument, "lease token is required")
	}
	return b.Get(ctx, lease.Queue, lease.JobID)
}

// Renew extends the lock and the active deadline of a claimed job.
func (b *RedisBackend) Renew(ctx context.Context, lease *Lease, lockFor time.Duration) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		return jobsError(ErrInvalidArgument, "lease token is required")
	}
	if lockFor <= 0 {
		lockFor = DefaultLockDuration
	}
	expireAt := time.Now().UTC().Add(lockFor)

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	result, err := redisRenewScript.Run(
		opCtx,
		b.client,
		[]string{b.lockKey(lease.Queue, lease.JobID), b.activeKey(lease.Queue)},
		lease.Token,
		lockFor.Milliseconds(),
		expireAt.UnixMilli(),
		lease.JobID,
	).Int()
	if err != nil {
		return err
	}
	if result != 1 {
		return jobsError(ErrLeaseLost, fmt.Sprintf("job %s is not locked by this lease", lease.JobID))
	}
	lease.ExpireAt = expireAt
	return nil
}

// RecoverStalled re-queues active jobs whose lock expired without a finish.
func (b *RedisBackend) RecoverStalled(ctx context.Context, queue string) (int, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	ids, err := redisStalledScript.Run(
		opCtx,
		b.client,
		[]string{b.activeKey(queue), b.waitingKey(queue)},
		time.Now().UTC().UnixMilli(),
		b.queuePrefix(queue),
		b.config.StalledBatch,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return len(ids), nil
}

// Get loads a job body. Jobs holding a claim are reported as active.
func (b *RedisBackend) Get(ctx context.Context, queue, id string) (*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	body, err := b.client.Get(opCtx, b.jobKey(queue, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, jobsError(ErrNotFound, fmt.Sprintf("job %s not found on queue %s", id, queue))
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("decode job %s failed: %w", id, err)
	}
	// Claims and promotions do not rewrite the body, so the stored state of a
	// queued job is refined from set membership.
	if job.State == StateWaiting || job.State == StateDelayed {
		if _, scoreErr := b.client.ZScore(opCtx, b.activeKey(queue), id).Result(); scoreErr == nil {
			job.State = StateActive
		} else if job.State == StateDelayed {
			if _, scoreErr := b.client.ZScore(opCtx, b.delayedKey(queue), id).Result(); errors.Is(scoreErr, redis.Nil) {
				job.State = StateWaiting
			}
		}
	}
	return &job, nil
}

// List returns up to limit jobs in state, oldest first.
func (b *RedisBackend) List(ctx context.Context, queue string, state State, limit int) ([]*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	var (
		ids []string
		err error
	)
	switch state {
	case StateWaiting:
		ids, err = b.client.LRange(opCtx, b.waitingKey(queue), 0, stop).Result()
	case StateDelayed:
		ids, err = b.client.ZRange(opCtx, b.delayedKey(queue), 0, stop).Result()
	case StateActive:
		ids, err = b.client.ZRange(opCtx, b.activeKey(queue), 0, stop).Result()
	case StateCompleted:
		ids, err = b.client.ZRange(opCtx, b.completedKey(queue), 0, stop).Result()
	case StateFailed:
		ids, err = b.client.ZRange(opCtx, b.failedKey(queue), 0, stop).Result()
	default:
		return nil, jobsError(ErrInvalidArgument, fmt.Sprintf("unknown job state %q", state))
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.jobKey(queue, id)
	}
	bodies, err := b.client.MGet(opCtx, keys...).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Job, 0, len(bodies))
	for i, raw := range bodies {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			b.log.Warn("skipping malformed job body", "queue", queue, "job_id", ids[i], "error", err)
			continue
		}
		job.State = state
		result = append(result, &job)
	}
	return result, nil
}

// Remove deletes a job that is not currently claimed.
func (b *RedisBackend) Remove(ctx context.Context, queue, id string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	if _, err := b.client.ZScore(opCtx, b.activeKey(queue), id).Result(); err == nil {
		return jobsError(ErrConflict, fmt.Sprintf("job %s is active", id))
	} else if !errors.Is(err, redis.Nil) {
		return err
	}

	var deleted *redis.IntCmd
	_, err := b.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.LRem(opCtx, b.waitingKey(queue), 0, id)
		pipe.ZRem(opCtx, b.delayedKey(queue), id)
		pipe.ZRem(opCtx, b.completedKey(queue), id)
		pipe.ZRem(opCtx, b.failedKey(queue), id)
		deleted = pipe.Del(opCtx, b.jobKey(queue, id))
		return nil
	})
	if err != nil {
		return err
	}
	if deleted.Val() == 0 {
		return jobsError(ErrNotFound, fmt.Sprintf("job %s not found on queue %s", id, queue))
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	return b.client.Ping(opCtx).Err()
}

// Close stops the backend. The shared client stays open for its owner.
func (b *RedisBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *RedisBackend) ensureOpen() error {
	if b == nil || b.client == nil {
		return jobsError(ErrInvalidArgument, "redis backend is not initialized")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return jobsError(ErrClosed, "redis backend is closed")
	}
	return nil
}

func (b *RedisBackend) idleLimiter(queue string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	limiter, ok := b.limiters[queue]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(b.config.PollInterval), 1)
		b.limiters[queue] = limiter
	}
	return limiter
}

func (b *RedisBackend) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}

func (b *RedisBackend) queuePrefix(queue string) string {
	return fmt.Sprintf("%s:queue:%s:", b.config.Prefix, strings.TrimSpace(queue))
}

func (b *RedisBackend) waitingKey(queue string) string   { return b.queuePrefix(queue) + "waiting" }
func (b *RedisBackend) delayedKey(queue string) string   { return b.queuePrefix(queue) + "delayed" }
func (b *RedisBackend) activeKey(queue string) string    { return b.queuePrefix(queue) + "active" }
func (b *RedisBackend) completedKey(queue string) string { return b.queuePrefix(queue) + "completed" }
func (b *RedisBackend) failedKey(queue string) string    { return b.queuePrefix(queue) + "failed" }

func (b *RedisBackend) jobKey(queue, id string) string {
	return b.queuePrefix(queue) + "job:" + id
}

func (b *RedisBackend) lockKey(queue, id string) string {
	return b.queuePrefix(queue) + "lock:" + id
}
