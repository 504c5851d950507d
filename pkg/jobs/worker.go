package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/observability/tracing"
	"github.com/nimburion/sharedqueue/pkg/resilience"
)

const (
	DefaultWorkerStopTimeout    = 10 * time.Second
	DefaultWorkerAttemptTimeout = time.Minute

	defaultReserveFailureThreshold = 5
	defaultReserveCooldown         = 5 * time.Second
	reserveRetryDelay              = 100 * time.Millisecond
	minWorkerLockRenewInterval     = 100 * time.Millisecond
)

// FailurePolicy decides what a worker reports to the backend after a handler error.
type FailurePolicy string

const (
	// FailurePropagate fails the attempt so the job's attempts and backoff apply.
	FailurePropagate FailurePolicy = "propagate"
	// FailureSwallow completes the job despite the error. The failure is still
	// escalated and logged.
	FailureSwallow FailurePolicy = "swallow"
)

// ParseFailurePolicy parses a policy name. Empty means FailurePropagate.
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FailurePropagate:
		return FailurePropagate, nil
	case FailureSwallow:
		return FailureSwallow, nil
	default:
		return "", jobsError(ErrInvalidArgument, fmt.Sprintf("unknown failure policy %q", raw))
	}
}

// Escalator receives every handler failure before the attempt is reported.
type Escalator interface {
	// Escalate records the failed job elsewhere and returns the id of the record.
	Escalate(ctx context.Context, job *Job, failure error) (string, error)
}

// WorkerConfig configures a worker bound to one queue.
type WorkerConfig struct {
	Queue           string
	Concurrency     int
	LockDuration    time.Duration
	StalledInterval time.Duration
	// AttemptTimeout bounds one handler call. Zero disables the bound.
	AttemptTimeout time.Duration
	StopTimeout    time.Duration
	FailurePolicy  FailurePolicy
}

func (c *WorkerConfig) normalize() {
	c.Queue = strings.TrimSpace(c.Queue)
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = DefaultStalledInterval
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultWorkerStopTimeout
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailurePropagate
	}
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithEscalator routes every handler failure through escalator before it is reported.
func WithEscalator(escalator Escalator) WorkerOption {
	return func(w *Worker) {
		w.escalator = escalator
	}
}

// WithDispatcher shares an existing dispatcher instead of creating one.
func WithDispatcher(dispatcher *Dispatcher) WorkerOption {
	return func(w *Worker) {
		if dispatcher != nil {
			w.dispatcher = dispatcher
		}
	}
}

// Worker claims jobs of one queue and dispatches them to handlers by kind.
type Worker struct {
	backend    Backend
	log        logger.Logger
	config     WorkerConfig
	dispatcher *Dispatcher
	escalator  Escalator
	breaker    *resilience.CircuitBreaker

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     chan struct{}
	startOnce   sync.Once
}

// NewWorker creates a worker for cfg.Queue. The backend is borrowed: stopping the
// worker leaves it open.
func NewWorker(backend Backend, log logger.Logger, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Queue == "" {
		return nil, errors.New("queue is required")
	}
	if _, err := ParseFailurePolicy(string(cfg.FailurePolicy)); err != nil {
		return nil, err
	}

	w := &Worker{
		backend:    backend,
		log:        log.With("queue", cfg.Queue),
		config:     cfg,
		dispatcher: NewDispatcher(),
		breaker:    resilience.NewCircuitBreaker(defaultReserveFailureThreshold, defaultReserveCooldown),
		started:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register binds a handler to a job kind.
func (w *Worker) Register(kind Kind, handler Handler) error {
	if w == nil {
		return errors.New("worker is not initialized")
	}
	return w.dispatcher.Register(kind, handler)
}

// Fallback installs the handler for jobs whose name has no registered kind.
func (w *Worker) Fallback(handler Handler) {
	w.dispatcher.Fallback(handler)
}

// Queue returns the queue name the worker consumes.
func (w *Worker) Queue() string {
	return w.config.Queue
}

// Running reports whether Start is active.
func (w *Worker) Running() bool {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return w.running
}

// Started is closed the first time Start has marked the worker running.
func (w *Worker) Started() <-chan struct{} {
	return w.started
}

// Start launches the worker loops and blocks until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("worker is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()
	w.startOnce.Do(func() { close(w.started) })

	w.log.Info("worker started",
		"concurrency", w.config.Concurrency,
		"lock_duration", w.config.LockDuration,
		"stalled_interval", w.config.StalledInterval,
		"failure_policy", string(w.config.FailurePolicy),
	)

	w.wg.Add(1)
	go w.runStalledLoop(runCtx)
	for idx := 0; idx < w.config.Concurrency; idx++ {
		w.wg.Add(1)
		go w.runQueueLoop(runCtx)
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop cancels the loops and waits for in-flight jobs to finish or ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		w.log.Info("worker stopped")
		return nil
	}
}

func (w *Worker) runQueueLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		var (
			job   *Job
			lease *Lease
		)
		err := w.breaker.Execute(func() error {
			var reserveErr error
			job, lease, reserveErr = w.backend.Reserve(ctx, w.config.Queue, w.config.LockDuration)
			if reserveErr != nil && ctx.Err() != nil {
				return nil
			}
			return reserveErr
		})
		if err != nil {
			delay := reserveRetryDelay
			if errors.Is(err, resilience.ErrCircuitOpen) {
				delay = w.breaker.RetryAfter()
			} else {
				w.log.Warn("jobs reserve failed", "error", err)
			}
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}
		if job == nil || lease == nil {
			continue
		}

		// In-flight jobs run to completion after Stop; the lock bounds how long
		// another worker waits if this process dies instead.
		jobCtx := context.WithoutCancel(ctx)
		incInFlight(w.config.Queue)
		if err := w.process(jobCtx, job, lease); err != nil {
			w.log.Warn("jobs processing failed", "job_id", job.ID, "job_name", job.Name, "error", err)
		}
		decInFlight(w.config.Queue)
	}
}

func (w *Worker) runStalledLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.StalledInterval)
	defer ticker.Stop()

	for {
		w.recoverStalled(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) recoverStalled(ctx context.Context) {
	recovered, err := w.backend.RecoverStalled(ctx, w.config.Queue)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("stalled job check failed", "error", err)
		}
		return
	}
	if recovered > 0 {
		recordJobsStalled(w.config.Queue, recovered)
		w.log.Warn("stalled jobs moved back to waiting", "count", recovered)
	}
}

func (w *Worker) process(ctx context.Context, job *Job, lease *Lease) error {
	ctx = logger.ContextWithJobID(ctx, job.ID)
	traceCtx, span := tracing.StartJobSpan(
		ctx,
		tracing.SpanOperationProcess,
		tracing.WithMessagingSystem("redis"),
		tracing.WithQueue(job.Queue),
		tracing.WithJobID(job.ID),
		tracing.WithJobName(job.Name),
		tracing.WithAttempt(lease.Attempt),
		tracing.WithPayloadSize(len(job.Payload)),
	)
	defer span.End()

	log := w.log.WithContext(ctx).With("job_name", job.Name, "attempt", lease.Attempt)
	kind, handler := w.dispatcher.Route(job.Name)

	if handler == nil {
		log.Warn("unknown job kind; acknowledged as no-op")
		if err := w.backend.Complete(traceCtx, lease); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("complete unknown job: %w", err)
		}
		recordJobProcessed(job.Queue, KindUnknown, statusNoop)
		tracing.RecordSuccess(span)
		return nil
	}

	stopRenew, renewDone := w.startLockRenewal(traceCtx, lease)
	execErr := w.executeHandler(traceCtx, job, handler)
	stopRenew()
	if renewErr := <-renewDone; renewErr != nil {
		log.Warn("job lock lost while processing", "error", renewErr)
	}

	if execErr != nil {
		tracing.RecordError(span, execErr)
		return w.handleFailure(traceCtx, log, kind, job, lease, execErr)
	}

	if err := w.backend.Complete(traceCtx, lease); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("complete job: %w", err)
	}
	recordJobProcessed(job.Queue, kind, statusCompleted)
	tracing.RecordSuccess(span)
	log.Debug("job completed")
	return nil
}

// executeHandler runs handler on its own goroutine when an attempt timeout is
// set; the recover lives inside that goroutine so panics become failures.
// It returns only after handler has returned.
func (w *Worker) executeHandler(ctx context.Context, job *Job, handler Handler) error {
	err := resilience.WithTimeout(ctx, w.config.AttemptTimeout, func(runCtx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				w.log.Error("job handler panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic while handling job: %v", rec)
			}
		}()
		return handler(runCtx, cloneJob(job))
	})
	if errors.Is(err, resilience.ErrTimeout) {
		return fmt.Errorf("%w: handler exceeded %s", ErrTimeout, w.config.AttemptTimeout)
	}
	return err
}

// handleFailure escalates first, so a dead-letter record exists before the
// attempt is marked failed.
func (w *Worker) handleFailure(ctx context.Context, log logger.Logger, kind Kind, job *Job, lease *Lease, failure error) error {
	log.Warn("job attempt failed", "error", failure)

	if w.escalator != nil {
		recordID, err := w.escalator.Escalate(ctx, job, failure)
		if err != nil {
			log.Error("job failure escalation failed", "error", err)
			failure = errors.Join(failure, fmt.Errorf("escalate failure: %w", err))
		} else {
			recordJobDeadLettered(job.Queue, kind)
			log.Info("job failure escalated", "dead_letter_id", recordID)
		}
	}

	if w.config.FailurePolicy == FailureSwallow {
		if err := w.backend.Complete(ctx, lease); err != nil {
			return fmt.Errorf("complete swallowed job: %w", err)
		}
		recordJobProcessed(job.Queue, kind, statusSwallowed)
		log.Warn("job failure swallowed by policy")
		return nil
	}

	outcome, err := w.backend.Fail(ctx, lease, failure)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if outcome == OutcomeRetried {
		recordJobProcessed(job.Queue, kind, statusRetried)
		log.Info("job scheduled for retry", "max_attempts", job.MaxAttempts)
		return nil
	}
	recordJobProcessed(job.Queue, kind, statusFailed)
	log.Error("job failed after final attempt", "max_attempts", job.MaxAttempts, "error", failure)
	return nil
}

func (w *Worker) startLockRenewal(ctx context.Context, lease *Lease) (func(), <-chan error) {
	done := make(chan error, 1)
	renewCtx, cancel := context.WithCancel(ctx)
	interval := w.config.LockDuration / 2
	if interval < minWorkerLockRenewInterval {
		interval = minWorkerLockRenewInterval
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := w.backend.Renew(renewCtx, lease, w.config.LockDuration); err != nil {
					if renewCtx.Err() != nil {
						return
					}
					done <- fmt.Errorf("renew lock failed: %w", err)
					return
				}
			}
		}
	}()

	return cancel, done
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = reserveRetryDelay
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
