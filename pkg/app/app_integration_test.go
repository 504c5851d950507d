package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/mail"
	"github.com/nimburion/sharedqueue/pkg/testutil"
)

type failingSender struct{}

func (failingSender) Send(context.Context, mail.Message) error { return errors.New("boom") }

func TestRedisBackend_EndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Backend = "redis"
	cfg.Redis.URL = testutil.StartRedis(t)
	cfg.Redis.Prefix = "e2e"
	cfg.Queue.Attempts = 2

	var queues *Queues
	app := fxtest.New(t,
		Options(cfg, testLogger(t), ModeWorker),
		fx.Decorate(func(mail.Sender) mail.Sender { return failingSender{} }),
		fx.Populate(&queues),
	)
	app.RequireStart()
	defer app.RequireStop()

	id, err := queues.Shared.Add(context.Background(), string(mail.KindSend), mail.Message{
		To: "a@example.com", Subject: "hi", Body: "yo",
	})
	require.NoError(t, err)

	failed := waitForState(t, queues.Shared, id, jobs.StateFailed)
	assert.Equal(t, 2, failed.AttemptsMade)

	require.Eventually(t, func() bool {
		records, err := queues.DeadLetter.Records(context.Background(), 10)
		return err == nil && len(records) == 2
	}, 10*time.Second, 20*time.Millisecond)

	records, err := queues.DeadLetter.Records(context.Background(), 10)
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, "boom", record.Data[jobs.DataFailedReason])
		assert.Equal(t, id, record.Data[jobs.DataOriginalJobID])
	}
}
