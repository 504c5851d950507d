package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/observability/tracing"
)

// FailedReasonField is the payload field carrying the handler error on a
// dead-letter record.
const FailedReasonField = "failedReason"

// DeadLetterQueue records failed attempts of another queue as jobs of its own.
// Records are never retried and never moved back automatically.
type DeadLetterQueue struct {
	queue *Queue
	log   logger.Logger
	now   func() time.Time
}

// NewDeadLetterQueue uses queue to store dead-letter records.
func NewDeadLetterQueue(queue *Queue, log logger.Logger) (*DeadLetterQueue, error) {
	if queue == nil {
		return nil, errors.New("dead-letter queue is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &DeadLetterQueue{
		queue: queue,
		log:   log.With("dead_letter_queue", queue.Name()),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name returns the dead-letter queue name.
func (d *DeadLetterQueue) Name() string {
	return d.queue.Name()
}

// Queue returns the underlying queue.
func (d *DeadLetterQueue) Queue() *Queue {
	return d.queue
}

// Escalate adds one record for a failed attempt of job. The record keeps the
// job name, carries the payload with failedReason added and allows a single attempt.
func (d *DeadLetterQueue) Escalate(ctx context.Context, job *Job, failure error) (string, error) {
	if job == nil {
		return "", jobsError(ErrInvalidArgument, "job is required")
	}
	reason := failureReason(failure)

	traceCtx, span := tracing.StartJobSpan(
		ctx,
		tracing.SpanOperationDeadLetter,
		tracing.WithMessagingSystem("redis"),
		tracing.WithQueue(d.queue.Name()),
		tracing.WithJobID(job.ID),
		tracing.WithJobName(job.Name),
		tracing.WithAttempt(job.AttemptsMade+1),
	)
	defer span.End()

	payload, err := deadLetterPayload(job.Payload, reason)
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	id, err := d.queue.Add(traceCtx, job.Name, payload, JobOptions{
		Attempts: 1,
		Data: map[string]string{
			DataFailedReason:         reason,
			DataFailedAt:             d.now().Format(time.RFC3339Nano),
			DataOriginalQueue:        job.Queue,
			DataOriginalJobID:        job.ID,
			DataOriginalAttemptsMade: strconv.Itoa(job.AttemptsMade + 1),
			DataOriginalPayload:      string(job.Payload),
		},
	})
	if err != nil {
		tracing.RecordError(span, err)
		return "", fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	tracing.RecordSuccess(span)
	return id, nil
}

// Records lists dead-letter records in every state, up to limit per state.
func (d *DeadLetterQueue) Records(ctx context.Context, limit int) ([]*Job, error) {
	states := []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}
	var records []*Job
	for _, state := range states {
		jobs, err := d.queue.Jobs(ctx, state, limit)
		if err != nil {
			return nil, fmt.Errorf("list %s dead-letter records: %w", state, err)
		}
		records = append(records, jobs...)
	}
	return records, nil
}

// Resubmit adds the original job of record id to target with its original
// payload, then deletes the record. It returns the id of the new job.
func (d *DeadLetterQueue) Resubmit(ctx context.Context, id string, target *Queue) (string, error) {
	if target == nil {
		return "", jobsError(ErrInvalidArgument, "target queue is required")
	}
	record, err := d.queue.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if record.State == StateActive {
		return "", jobsError(ErrConflict, fmt.Sprintf("dead-letter record %s is being processed", record.ID))
	}

	payload, err := originalPayload(record)
	if err != nil {
		return "", err
	}
	newID, err := target.Add(ctx, record.Name, payload, JobOptions{
		Data: map[string]string{DataResubmittedFrom: record.ID},
	})
	if err != nil {
		return "", err
	}
	if err := d.queue.Remove(ctx, record.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return newID, fmt.Errorf("resubmitted as %s but could not remove record %s: %w", newID, record.ID, err)
	}
	d.log.WithContext(ctx).Info("dead-letter record resubmitted",
		"record_id", record.ID,
		"job_id", newID,
		"target_queue", target.Name(),
	)
	return newID, nil
}

// InspectDeadLetter returns a handler that only logs dead-letter records.
func InspectDeadLetter(log logger.Logger) Handler {
	return func(ctx context.Context, job *Job) error {
		log.WithContext(ctx).Warn("dead-letter record received",
			"job_id", job.ID,
			"job_name", job.Name,
			"original_queue", job.Data[DataOriginalQueue],
			"original_job_id", job.Data[DataOriginalJobID],
			"attempt", job.Data[DataOriginalAttemptsMade],
			"failed_reason", job.Data[DataFailedReason],
			"payload", string(job.Payload),
		)
		return nil
	}
}

// deadLetterPayload adds failedReason to an object payload, or wraps any other
// JSON value as {"payload": ..., "failedReason": ...}.
func deadLetterPayload(payload json.RawMessage, reason string) (json.RawMessage, error) {
	encodedReason, err := json.Marshal(reason)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{"payload": cloneBytes(payload)}
	}
	fields[FailedReasonField] = encodedReason
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, jobsError(ErrValidation, fmt.Sprintf("encode dead-letter payload: %v", err))
	}
	return encoded, nil
}

func originalPayload(record *Job) (json.RawMessage, error) {
	if raw, ok := record.Data[DataOriginalPayload]; ok && json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record.Payload, &fields); err != nil || fields == nil {
		return nil, jobsError(ErrValidation, fmt.Sprintf("dead-letter record %s has no recoverable payload", record.ID))
	}
	delete(fields, FailedReasonField)
	if inner, ok := fields["payload"]; ok && len(fields) == 1 {
		return inner, nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, jobsError(ErrValidation, fmt.Sprintf("encode resubmitted payload: %v", err))
	}
	return encoded, nil
}
