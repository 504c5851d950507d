package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config is the complete sharedqueue process configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	HTTP          HTTPConfig          `mapstructure:"http" yaml:"http"`
	Redis         RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Queue         QueueConfig         `mapstructure:"queue" yaml:"queue"`
	Worker        WorkerConfig        `mapstructure:"worker" yaml:"worker"`
	Mail          MailConfig          `mapstructure:"mail" yaml:"mail"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// HTTPConfig configures the HTTP host.
type HTTPConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// MailRateLimit is the per-client request rate allowed on POST /mail; 0 disables limiting.
	MailRateLimit float64 `mapstructure:"mail_rate_limit" yaml:"mail_rate_limit"`
	MailRateBurst int     `mapstructure:"mail_rate_burst" yaml:"mail_rate_burst"`
}

// RedisConfig configures the broker connection. URL wins over Host/Port.
type RedisConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"`
	Password         string        `mapstructure:"password" yaml:"-"`
	DB               int           `mapstructure:"db" yaml:"db"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	MaxConns         int           `mapstructure:"max_conns" yaml:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// QueueConfig configures the shared queue and the default options of its jobs.
type QueueConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Backend string `mapstructure:"backend" yaml:"backend"` // redis, memory

	Attempts         int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff          time.Duration `mapstructure:"backoff" yaml:"backoff"`
	BackoffType      string        `mapstructure:"backoff_type" yaml:"backoff_type"` // fixed, exponential
	RemoveOnComplete string        `mapstructure:"remove_on_complete" yaml:"remove_on_complete"`
	RemoveOnFail     string        `mapstructure:"remove_on_fail" yaml:"remove_on_fail"`

	DeadLetter DeadLetterConfig `mapstructure:"dead_letter" yaml:"dead_letter"`
}

// DeadLetterConfig enables the dead-letter variant of the shared queue.
type DeadLetterConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Name    string `mapstructure:"name" yaml:"name"`
	// RemoveOnComplete applies to dead-letter records observed by the DLQ worker.
	RemoveOnComplete string `mapstructure:"remove_on_complete" yaml:"remove_on_complete"`
}

// WorkerConfig configures the dispatcher loop bound to the shared queue.
type WorkerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	LockDuration    time.Duration `mapstructure:"lock_duration" yaml:"lock_duration"`
	StalledInterval time.Duration `mapstructure:"stalled_interval" yaml:"stalled_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	FailurePolicy   string        `mapstructure:"failure_policy" yaml:"failure_policy"` // propagate, swallow
}

// MailConfig configures the simulated mail sender.
type MailConfig struct {
	SimulatedDelay time.Duration `mapstructure:"simulated_delay" yaml:"simulated_delay"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string        `mapstructure:"log_format" yaml:"log_format"` // json, text
	Tracing   TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// DefaultConfig returns the configuration used when neither file nor environment override a key.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "sharedqueue",
			Environment: "development",
		},
		HTTP: HTTPConfig{
			Port:         5000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,

			MailRateLimit: 50,
			MailRateBurst: 100,
		},
		Redis: RedisConfig{
			Host:             "localhost",
			Port:             6379,
			Prefix:           "sharedqueue",
			MaxConns:         10,
			OperationTimeout: 5 * time.Second,
			PollInterval:     200 * time.Millisecond,
		},
		Queue: QueueConfig{
			Name:             "shared",
			Backend:          "redis",
			Attempts:         3,
			Backoff:          5 * time.Second,
			BackoffType:      "fixed",
			RemoveOnComplete: "true",
			RemoveOnFail:     "100",
			DeadLetter: DeadLetterConfig{
				Enabled:          false,
				RemoveOnComplete: "false",
			},
		},
		Worker: WorkerConfig{
			Enabled:         true,
			Concurrency:     1,
			LockDuration:    30 * time.Second,
			StalledInterval: 120 * time.Second,
			AttemptTimeout:  time.Minute,
			StopTimeout:     10 * time.Second,
			FailurePolicy:   "propagate",
		},
		Mail: MailConfig{
			SimulatedDelay: 2 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				SampleRate: 1,
			},
		},
	}
}

// ConnectionURL returns the explicit broker URL or composes one from host, port,
// password and database number.
func (c RedisConfig) ConnectionURL() string {
	if explicit := strings.TrimSpace(c.URL); explicit != "" {
		return explicit
	}
	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 {
		port = 6379
	}
	u := url.URL{
		Scheme: "redis",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	if c.Password != "" {
		u.User = url.UserPassword("", c.Password)
	}
	if c.DB > 0 {
		u.Path = fmt.Sprintf("/%d", c.DB)
	}
	return u.String()
}

// DeadLetterName is the configured DLQ name or "<queue>.dlq".
func (c QueueConfig) DeadLetterName() string {
	if name := strings.TrimSpace(c.DeadLetter.Name); name != "" {
		return name
	}
	return strings.TrimSpace(c.Name) + ".dlq"
}

// Address is the listen address of the HTTP host.
func (c HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}
