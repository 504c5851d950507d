package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/observability/tracing"
)

// QueueConfig names a queue and the options every job added to it starts from.
type QueueConfig struct {
	Name     string
	Defaults JobOptions
	// Kinds are the job names the queue expects. Other names are still
	// accepted but counted as KindUnknown in metrics.
	Kinds []Kind
}

// Queue is the producer handle of one named queue. It is an owned value: create
// it once and pass it to whoever enqueues.
type Queue struct {
	name     string
	backend  Backend
	log      logger.Logger
	defaults JobOptions
	kinds    map[Kind]struct{}
	now      func() time.Time
	newID    func() string
}

// NewQueue creates a producer handle over backend.
func NewQueue(backend Backend, log logger.Logger, cfg QueueConfig) (*Queue, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	defaults := cfg.Defaults.merge(JobOptions{})
	if defaults.Backoff != nil {
		if err := defaults.Backoff.Validate(); err != nil {
			return nil, err
		}
	}
	kinds := make(map[Kind]struct{}, len(cfg.Kinds))
	for _, kind := range cfg.Kinds {
		if kind != KindUnknown {
			kinds[kind] = struct{}{}
		}
	}
	return &Queue{
		name:     name,
		backend:  backend,
		log:      log.With("queue", name),
		defaults: defaults,
		kinds:    kinds,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Backend returns the backend the queue writes to.
func (q *Queue) Backend() Backend {
	return q.backend
}

// Add enqueues a job named name and returns its id. Options are applied in order
// on top of the queue defaults.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts ...JobOptions) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", jobsError(ErrValidation, "job name is required")
	}
	raw, err := MarshalPayload(payload)
	if err != nil {
		return "", err
	}

	options := q.defaults
	for _, opt := range opts {
		options = opt.merge(options)
	}

	now := q.now()
	job := &Job{
		ID:        q.newID(),
		Name:      name,
		Queue:     q.name,
		Payload:   raw,
		Data:      cloneData(options.Data),
		State:     StateWaiting,
		CreatedAt: now,
		RunAt:     now,
	}
	options.apply(job)
	if options.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(options.Delay)
	}
	if err := job.Validate(); err != nil {
		return "", err
	}

	traceCtx, span := tracing.StartJobSpan(
		ctx,
		tracing.SpanOperationEnqueue,
		tracing.WithMessagingSystem("redis"),
		tracing.WithQueue(q.name),
		tracing.WithJobID(job.ID),
		tracing.WithJobName(job.Name),
		tracing.WithPayloadSize(len(job.Payload)),
	)
	defer span.End()

	if err := q.backend.Enqueue(traceCtx, job); err != nil {
		tracing.RecordError(span, err)
		return "", fmt.Errorf("enqueue %s job: %w", name, err)
	}
	tracing.RecordSuccess(span)
	recordJobEnqueued(q.name, q.kindOf(name))
	q.log.WithContext(ctx).Debug("job enqueued",
		"job_id", job.ID,
		"job_name", name,
		"max_attempts", job.MaxAttempts,
		"run_at", job.RunAt,
	)
	return job.ID, nil
}

// kindOf resolves name against the declared kinds.
func (q *Queue) kindOf(name string) Kind {
	if _, ok := q.kinds[Kind(name)]; ok {
		return Kind(name)
	}
	return KindUnknown
}

// Get returns the job with id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.backend.Get(ctx, q.name, strings.TrimSpace(id))
}

// Jobs lists up to limit jobs in state, oldest first.
func (q *Queue) Jobs(ctx context.Context, state State, limit int) ([]*Job, error) {
	return q.backend.List(ctx, q.name, state, limit)
}

// Remove deletes a job that is not being processed.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.backend.Remove(ctx, q.name, strings.TrimSpace(id))
}
