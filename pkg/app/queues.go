package app

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/mail"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

// QueueModule provides the shared queue, the optional dead-letter queue and
// the mail producer.
var QueueModule = fx.Module("queues",
	fx.Provide(
		NewQueues,
		func(queues *Queues, log logger.Logger) (*mail.Producer, error) {
			return mail.NewProducer(queues.Shared, log)
		},
	),
)

// Queues holds the queues of the process. DeadLetter is nil when disabled.
type Queues struct {
	Shared     *jobs.Queue
	DeadLetter *jobs.DeadLetterQueue
}

// NewQueues creates the shared queue with the configured job defaults and,
// when enabled, its dead-letter queue.
func NewQueues(cfg *config.Config, backend jobs.Backend, log logger.Logger) (*Queues, error) {
	defaults, err := jobDefaults(cfg.Queue)
	if err != nil {
		return nil, err
	}
	shared, err := jobs.NewQueue(backend, log, jobs.QueueConfig{
		Name:     cfg.Queue.Name,
		Defaults: defaults,
		Kinds:    []jobs.Kind{mail.KindSend},
	})
	if err != nil {
		return nil, err
	}
	queues := &Queues{Shared: shared}
	if !cfg.Queue.DeadLetter.Enabled {
		return queues, nil
	}

	keep, err := jobs.ParseRetention(cfg.Queue.DeadLetter.RemoveOnComplete)
	if err != nil {
		return nil, fmt.Errorf("queue.dead_letter.remove_on_complete: %w", err)
	}
	dlqQueue, err := jobs.NewQueue(backend, log, jobs.QueueConfig{
		Name:     cfg.Queue.DeadLetterName(),
		Defaults: jobs.JobOptions{Attempts: 1, RemoveOnComplete: &keep},
		Kinds:    []jobs.Kind{mail.KindSend},
	})
	if err != nil {
		return nil, err
	}
	queues.DeadLetter, err = jobs.NewDeadLetterQueue(dlqQueue, log)
	if err != nil {
		return nil, err
	}
	return queues, nil
}

func jobDefaults(cfg config.QueueConfig) (jobs.JobOptions, error) {
	backoffType, err := jobs.ParseBackoffType(cfg.BackoffType)
	if err != nil {
		return jobs.JobOptions{}, fmt.Errorf("queue.backoff_type: %w", err)
	}
	removeOnComplete, err := jobs.ParseRetention(cfg.RemoveOnComplete)
	if err != nil {
		return jobs.JobOptions{}, fmt.Errorf("queue.remove_on_complete: %w", err)
	}
	removeOnFail, err := jobs.ParseRetention(cfg.RemoveOnFail)
	if err != nil {
		return jobs.JobOptions{}, fmt.Errorf("queue.remove_on_fail: %w", err)
	}
	return jobs.JobOptions{
		Attempts:         cfg.Attempts,
		Backoff:          &jobs.Backoff{Type: backoffType, Delay: cfg.Backoff},
		RemoveOnComplete: &removeOnComplete,
		RemoveOnFail:     &removeOnFail,
	}, nil
}
