package mail

import (
	"context"
	"time"

	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

// Sender delivers a mail message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SimulatedSender waits for a fixed delay and logs the message instead of
// delivering it.
type SimulatedSender struct {
	delay time.Duration
	log   logger.Logger
}

// NewSimulatedSender creates a sender that takes delay per message.
func NewSimulatedSender(delay time.Duration, log logger.Logger) *SimulatedSender {
	if log == nil {
		log = logger.Nop()
	}
	return &SimulatedSender{delay: delay, log: log.With("component", "mail-sender")}
}

// Send blocks for the simulated delay or until ctx ends.
func (s *SimulatedSender) Send(ctx context.Context, msg Message) error {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	s.log.WithContext(ctx).Info("mail sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// NewHandler returns the mail.send job handler delivering through sender.
func NewHandler(sender Sender) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		msg, err := Decode(job)
		if err != nil {
			return err
		}
		return sender.Send(ctx, msg)
	}
}

// Register binds the mail.send kind on worker.
func Register(worker *jobs.Worker, sender Sender) error {
	return worker.Register(KindSend, NewHandler(sender))
}
