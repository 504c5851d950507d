package mail

import (
	"context"
	"errors"

	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

// Producer enqueues mail.send jobs on a shared queue.
type Producer struct {
	queue *jobs.Queue
	log   logger.Logger
}

// NewProducer creates a producer writing to queue.
func NewProducer(queue *jobs.Queue, log logger.Logger) (*Producer, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Producer{queue: queue, log: log.With("component", "mail-producer")}, nil
}

// Send validates msg and enqueues it. It returns the job id once the queue
// accepted the job, without waiting for delivery.
func (p *Producer) Send(ctx context.Context, msg Message, opts ...jobs.JobOptions) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	id, err := p.queue.Add(ctx, string(KindSend), msg, opts...)
	if err != nil {
		return "", err
	}
	p.log.WithContext(ctx).Info("mail queued", "job_id", id, "queue", p.queue.Name())
	return id, nil
}
