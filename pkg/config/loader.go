package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/nimburion/sharedqueue/pkg/jobs"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to "APP")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars binds every key to its prefixed variable. Keys that deployments
// historically set without a prefix keep an unprefixed alias with lower precedence.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// HTTP
	v.BindEnv("http.port", l.prefixedEnv("HTTP_PORT"), "PORT")
	v.BindEnv("http.read_timeout", l.prefixedEnv("HTTP_READ_TIMEOUT"))
	v.BindEnv("http.write_timeout", l.prefixedEnv("HTTP_WRITE_TIMEOUT"))
	v.BindEnv("http.idle_timeout", l.prefixedEnv("HTTP_IDLE_TIMEOUT"))
	v.BindEnv("http.mail_rate_limit", l.prefixedEnv("HTTP_MAIL_RATE_LIMIT"))
	v.BindEnv("http.mail_rate_burst", l.prefixedEnv("HTTP_MAIL_RATE_BURST"))

	// Redis
	v.BindEnv("redis.url", l.prefixedEnv("REDIS_URL"), "REDIS_URL")
	v.BindEnv("redis.host", l.prefixedEnv("REDIS_HOST"), "REDIS_HOST")
	v.BindEnv("redis.port", l.prefixedEnv("REDIS_PORT"), "REDIS_PORT")
	v.BindEnv("redis.password", l.prefixedEnv("REDIS_PASSWORD"), "REDIS_PASSWORD")
	v.BindEnv("redis.db", l.prefixedEnv("REDIS_DB"))
	v.BindEnv("redis.prefix", l.prefixedEnv("REDIS_PREFIX"))
	v.BindEnv("redis.max_conns", l.prefixedEnv("REDIS_MAX_CONNS"))
	v.BindEnv("redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("redis.poll_interval", l.prefixedEnv("REDIS_POLL_INTERVAL"))

	// Queue
	v.BindEnv("queue.name", l.prefixedEnv("QUEUE_NAME"))
	v.BindEnv("queue.backend", l.prefixedEnv("QUEUE_BACKEND"))
	v.BindEnv("queue.attempts", l.prefixedEnv("QUEUE_ATTEMPTS"))
	v.BindEnv("queue.backoff", l.prefixedEnv("QUEUE_BACKOFF"))
	v.BindEnv("queue.backoff_type", l.prefixedEnv("QUEUE_BACKOFF_TYPE"))
	v.BindEnv("queue.remove_on_complete", l.prefixedEnv("QUEUE_REMOVE_ON_COMPLETE"), "QUEUE_REMOVE_ON_COMPLETE")
	v.BindEnv("queue.remove_on_fail", l.prefixedEnv("QUEUE_REMOVE_ON_FAIL"), "QUEUE_REMOVE_ON_FAIL")
	v.BindEnv("queue.dead_letter.enabled", l.prefixedEnv("QUEUE_DLQ_ENABLED"))
	v.BindEnv("queue.dead_letter.name", l.prefixedEnv("QUEUE_DLQ_NAME"))
	v.BindEnv("queue.dead_letter.remove_on_complete", l.prefixedEnv("QUEUE_DLQ_REMOVE_ON_COMPLETE"))

	// Worker
	v.BindEnv("worker.enabled", l.prefixedEnv("WORKER_ENABLED"))
	v.BindEnv("worker.concurrency", l.prefixedEnv("WORKER_CONCURRENCY"))
	v.BindEnv("worker.lock_duration", l.prefixedEnv("WORKER_LOCK_DURATION"))
	v.BindEnv("worker.stalled_interval", l.prefixedEnv("WORKER_STALLED_INTERVAL"))
	v.BindEnv("worker.attempt_timeout", l.prefixedEnv("WORKER_ATTEMPT_TIMEOUT"))
	v.BindEnv("worker.stop_timeout", l.prefixedEnv("WORKER_STOP_TIMEOUT"))
	v.BindEnv("worker.failure_policy", l.prefixedEnv("WORKER_FAILURE_POLICY"))

	// Mail
	v.BindEnv("mail.simulated_delay", l.prefixedEnv("MAIL_SIMULATED_DELAY"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.mail_rate_limit", cfg.HTTP.MailRateLimit)
	v.SetDefault("http.mail_rate_burst", cfg.HTTP.MailRateBurst)

	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("redis.host", cfg.Redis.Host)
	v.SetDefault("redis.port", cfg.Redis.Port)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.prefix", cfg.Redis.Prefix)
	v.SetDefault("redis.max_conns", cfg.Redis.MaxConns)
	v.SetDefault("redis.operation_timeout", cfg.Redis.OperationTimeout)
	v.SetDefault("redis.poll_interval", cfg.Redis.PollInterval)

	v.SetDefault("queue.name", cfg.Queue.Name)
	v.SetDefault("queue.backend", cfg.Queue.Backend)
	v.SetDefault("queue.attempts", cfg.Queue.Attempts)
	v.SetDefault("queue.backoff", cfg.Queue.Backoff)
	v.SetDefault("queue.backoff_type", cfg.Queue.BackoffType)
	v.SetDefault("queue.remove_on_complete", cfg.Queue.RemoveOnComplete)
	v.SetDefault("queue.remove_on_fail", cfg.Queue.RemoveOnFail)
	v.SetDefault("queue.dead_letter.enabled", cfg.Queue.DeadLetter.Enabled)
	v.SetDefault("queue.dead_letter.name", cfg.Queue.DeadLetter.Name)
	v.SetDefault("queue.dead_letter.remove_on_complete", cfg.Queue.DeadLetter.RemoveOnComplete)

	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.lock_duration", cfg.Worker.LockDuration)
	v.SetDefault("worker.stalled_interval", cfg.Worker.StalledInterval)
	v.SetDefault("worker.attempt_timeout", cfg.Worker.AttemptTimeout)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)
	v.SetDefault("worker.failure_policy", cfg.Worker.FailurePolicy)

	v.SetDefault("mail.simulated_delay", cfg.Mail.SimulatedDelay)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing.enabled", cfg.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", cfg.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", cfg.Observability.Tracing.SampleRate)
}

// Validate normalizes cfg and reports every invalid field at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Queue.Name = strings.TrimSpace(cfg.Queue.Name)
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	cfg.Queue.BackoffType = strings.ToLower(strings.TrimSpace(cfg.Queue.BackoffType))
	cfg.Worker.FailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Worker.FailurePolicy))
	cfg.Observability.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel))
	cfg.Observability.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Observability.LogFormat))

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http.port: %d (must be between 1 and 65535)", cfg.HTTP.Port))
	}
	if cfg.HTTP.MailRateLimit < 0 {
		errs = append(errs, errors.New("http.mail_rate_limit cannot be negative"))
	}
	if cfg.HTTP.MailRateLimit > 0 && cfg.HTTP.MailRateBurst <= 0 {
		errs = append(errs, errors.New("http.mail_rate_burst must be greater than zero when rate limiting is enabled"))
	}

	if strings.TrimSpace(cfg.Redis.URL) == "" {
		if strings.TrimSpace(cfg.Redis.Host) == "" {
			errs = append(errs, errors.New("redis.host is required when redis.url is empty"))
		}
		if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid redis.port: %d (must be between 1 and 65535)", cfg.Redis.Port))
		}
	}
	if cfg.Redis.DB < 0 {
		errs = append(errs, errors.New("redis.db cannot be negative"))
	}
	if cfg.Redis.MaxConns <= 0 {
		errs = append(errs, errors.New("redis.max_conns must be greater than zero"))
	}
	if cfg.Redis.OperationTimeout <= 0 {
		errs = append(errs, errors.New("redis.operation_timeout must be greater than zero"))
	}
	if cfg.Redis.PollInterval <= 0 {
		errs = append(errs, errors.New("redis.poll_interval must be greater than zero"))
	}

	if cfg.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	validBackends := []string{"redis", "memory"}
	if !contains(validBackends, cfg.Queue.Backend) {
		errs = append(errs, fmt.Errorf("invalid queue.backend: %s (must be one of: %v)", cfg.Queue.Backend, validBackends))
	}
	if cfg.Queue.Attempts <= 0 {
		errs = append(errs, errors.New("queue.attempts must be greater than zero"))
	}
	if cfg.Queue.Backoff < 0 {
		errs = append(errs, errors.New("queue.backoff cannot be negative"))
	}
	if _, err := jobs.ParseBackoffType(cfg.Queue.BackoffType); err != nil {
		errs = append(errs, fmt.Errorf("invalid queue.backoff_type: %w", err))
	}
	if _, err := jobs.ParseRetention(cfg.Queue.RemoveOnComplete); err != nil {
		errs = append(errs, fmt.Errorf("invalid queue.remove_on_complete: %w", err))
	}
	if _, err := jobs.ParseRetention(cfg.Queue.RemoveOnFail); err != nil {
		errs = append(errs, fmt.Errorf("invalid queue.remove_on_fail: %w", err))
	}
	if cfg.Queue.DeadLetter.Enabled {
		if cfg.Queue.DeadLetterName() == cfg.Queue.Name {
			errs = append(errs, errors.New("queue.dead_letter.name must differ from queue.name"))
		}
		if _, err := jobs.ParseRetention(cfg.Queue.DeadLetter.RemoveOnComplete); err != nil {
			errs = append(errs, fmt.Errorf("invalid queue.dead_letter.remove_on_complete: %w", err))
		}
	}

	if cfg.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be greater than zero"))
	}
	if cfg.Worker.LockDuration <= 0 {
		errs = append(errs, errors.New("worker.lock_duration must be greater than zero"))
	}
	if cfg.Worker.StalledInterval <= 0 {
		errs = append(errs, errors.New("worker.stalled_interval must be greater than zero"))
	}
	if cfg.Worker.AttemptTimeout < 0 {
		errs = append(errs, errors.New("worker.attempt_timeout cannot be negative"))
	}
	if cfg.Worker.StopTimeout < 0 {
		errs = append(errs, errors.New("worker.stop_timeout cannot be negative"))
	}
	if _, err := jobs.ParseFailurePolicy(cfg.Worker.FailurePolicy); err != nil {
		errs = append(errs, fmt.Errorf("invalid worker.failure_policy: %w", err))
	}

	if cfg.Mail.SimulatedDelay < 0 {
		errs = append(errs, errors.New("mail.simulated_delay cannot be negative"))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, cfg.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}
	if cfg.Observability.Tracing.Enabled && strings.TrimSpace(cfg.Observability.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("observability.tracing.endpoint is required when tracing is enabled"))
	}
	if rate := cfg.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("invalid observability.tracing.sample_rate: %v (must be between 0 and 1)", rate))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
