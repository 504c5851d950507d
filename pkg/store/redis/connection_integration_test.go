package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/testutil"
)

func TestConnection_Integration(t *testing.T) {
	connStr := testutil.StartRedis(t)
	ctx := context.Background()

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.InfoLevel,
		Format: logger.JSONFormat,
	})
	require.NoError(t, err)

	conn, err := NewConnection(ctx, Config{URL: connStr, OperationTimeout: 5 * time.Second}, log)
	require.NoError(t, err)

	require.NoError(t, conn.Ping(ctx))
	require.NoError(t, conn.HealthCheck(ctx))
	require.NoError(t, conn.Client().Set(ctx, "sharedqueue:probe", "ok", time.Minute).Err())

	require.NoError(t, conn.Close())
	require.Error(t, conn.Ping(ctx), "ping must fail after close")
}
