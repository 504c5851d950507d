package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultOperationTimeout = 5 * time.Second
	defaultPoolSize         = 10
)

// Config holds Redis connection configuration
type Config struct {
	URL              string
	PoolSize         int
	DialTimeout      time.Duration
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Connection owns the process-wide Redis client shared by every queue, producer
// and worker.
type Connection struct {
	client *redis.Client
	logger logger.Logger
	config Config
}

// Options parses cfg.URL and applies pool and timeout settings.
func Options(cfg Config) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	cfg.normalize()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	return opts, nil
}

// NewConnection dials Redis and verifies it with PING.
func NewConnection(ctx context.Context, cfg Config, log logger.Logger) (*Connection, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	cfg.normalize()

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Redis connection established",
		"addr", opts.Addr,
		"db", opts.DB,
		"pool_size", cfg.PoolSize,
	)
	return &Connection{client: client, logger: log, config: cfg}, nil
}

// Client returns the shared client.
func (c *Connection) Client() redis.UniversalClient {
	return c.client
}

// Ping verifies the Redis connection is alive
func (c *Connection) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// HealthCheck pings Redis within the operation timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.logger.Error("Redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the shared client. Call it after every worker has stopped.
func (c *Connection) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.logger.Info("closing Redis connection")
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}
