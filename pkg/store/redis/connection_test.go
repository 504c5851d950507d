package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

func TestOptions(t *testing.T) {
	opts, err := Options(Config{URL: "redis://:secret@cache.internal:6380/2"})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, defaultPoolSize, opts.PoolSize)
	assert.Equal(t, defaultOperationTimeout, opts.ReadTimeout)

	opts, err = Options(Config{URL: "redis://localhost:6379", PoolSize: 3, OperationTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.PoolSize)
	assert.Equal(t, time.Second, opts.WriteTimeout)
}

func TestOptions_InvalidURL(t *testing.T) {
	_, err := Options(Config{})
	require.EqualError(t, err, "redis URL is required")

	_, err = Options(Config{URL: "invalid://url"})
	require.Error(t, err)
}

func TestNewConnection_Unreachable(t *testing.T) {
	_, err := NewConnection(context.Background(), Config{
		URL:         "redis://127.0.0.1:1/0",
		DialTimeout: 200 * time.Millisecond,
	}, logger.Nop())
	require.Error(t, err)

	_, err = NewConnection(context.Background(), Config{URL: "redis://localhost:6379"}, nil)
	require.Error(t, err)
}

func TestConnection_CloseNil(t *testing.T) {
	var conn *Connection
	assert.NoError(t, conn.Close())
}
