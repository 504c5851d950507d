package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/sharedqueue/pkg/app"
	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/mail"
)

// withClient builds the container in client mode, hands the queues and the
// producer to fn and stops the container afterwards.
func withClient(cmd *cobra.Command, loadConfig configLoader, fn func(ctx context.Context, queues *app.Queues, producer *mail.Producer) error) (err error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var (
		queues   *app.Queues
		producer *mail.Producer
	)
	container := app.New(cfg, log, app.ModeClient, &queues, &producer)
	if err := container.Err(); err != nil {
		return err
	}
	ctx := cmd.Context()
	startCtx, cancel := context.WithTimeout(ctx, container.StartTimeout())
	defer cancel()
	if err := container.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), container.StopTimeout())
		defer stopCancel()
		err = errors.Join(err, container.Stop(stopCtx))
	}()
	return fn(ctx, queues, producer)
}

func newEnqueueCommand(loadConfig configLoader) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add jobs to the shared queue",
	}

	var (
		msg      mail.Message
		delay    time.Duration
		attempts int
	)
	mailCmd := &cobra.Command{
		Use:   "mail",
		Short: "Queue a mail.send job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, loadConfig, func(ctx context.Context, _ *app.Queues, producer *mail.Producer) error {
				id, err := producer.Send(ctx, msg, jobs.JobOptions{Delay: delay, Attempts: attempts})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	mailCmd.Flags().StringVar(&msg.To, "to", "", "recipient address")
	mailCmd.Flags().StringVar(&msg.Subject, "subject", "", "subject line")
	mailCmd.Flags().StringVar(&msg.Body, "body", "", "plain text body")
	mailCmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes available")
	mailCmd.Flags().IntVar(&attempts, "attempts", 0, "attempt limit override (0 keeps the queue default)")
	_ = mailCmd.MarkFlagRequired("to")
	_ = mailCmd.MarkFlagRequired("subject")

	enqueueCmd.AddCommand(mailCmd)
	return enqueueCmd
}

func newDLQCommand(loadConfig configLoader) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and resubmit dead-letter records",
	}

	var (
		limit  int
		output string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, loadConfig, func(ctx context.Context, queues *app.Queues, _ *mail.Producer) error {
				if queues.DeadLetter == nil {
					return errors.New("dead-letter queue is disabled (set APP_QUEUE_DLQ_ENABLED=true)")
				}
				records, err := queues.DeadLetter.Records(ctx, limit)
				if err != nil {
					return err
				}
				return writeRecords(cmd.OutOrStdout(), output, records)
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum records per state")
	listCmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")

	resubmitCmd := &cobra.Command{
		Use:   "resubmit <record-id>",
		Short: "Add the original job of a dead-letter record back to the shared queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, loadConfig, func(ctx context.Context, queues *app.Queues, _ *mail.Producer) error {
				if queues.DeadLetter == nil {
					return errors.New("dead-letter queue is disabled (set APP_QUEUE_DLQ_ENABLED=true)")
				}
				id, err := queues.DeadLetter.Resubmit(ctx, args[0], queues.Shared)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	dlqCmd.AddCommand(listCmd, resubmitCmd)
	return dlqCmd
}

// deadLetterRecord is the printable view of a dead-letter job.
type deadLetterRecord struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	State          jobs.State      `json:"state" yaml:"state"`
	OriginalQueue  string          `json:"original_queue" yaml:"original_queue"`
	OriginalJobID  string          `json:"original_job_id" yaml:"original_job_id"`
	Attempt        string          `json:"attempt" yaml:"attempt"`
	FailedReason   string          `json:"failed_reason" yaml:"failed_reason"`
	FailedAt       string          `json:"failed_at" yaml:"failed_at"`
	Payload        json.RawMessage `json:"payload" yaml:"-"`
	PayloadPreview string          `json:"-" yaml:"payload"`
}

func writeRecords(out io.Writer, format string, records []*jobs.Job) error {
	views := make([]deadLetterRecord, 0, len(records))
	for _, record := range records {
		views = append(views, deadLetterRecord{
			ID:             record.ID,
			Name:           record.Name,
			State:          record.State,
			OriginalQueue:  record.Data[jobs.DataOriginalQueue],
			OriginalJobID:  record.Data[jobs.DataOriginalJobID],
			Attempt:        record.Data[jobs.DataOriginalAttemptsMade],
			FailedReason:   record.Data[jobs.DataFailedReason],
			FailedAt:       record.Data[jobs.DataFailedAt],
			Payload:        record.Payload,
			PayloadPreview: string(record.Payload),
		})
	}
	return writeFormatted(out, format, views)
}

func writeFormatted(out io.Writer, format string, value any) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case "yaml", "":
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported output format %q (must be yaml or json)", format)
	}
}
