package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is implemented by components exposing a HealthCheck method.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker turns a Checkable into a Checker bounded by a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
	// failStatus is reported when HealthCheck errors.
	failStatus Status
}

// NewAdapterChecker reports unhealthy when adapter.HealthCheck fails.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	return newAdapterChecker(name, adapter, timeout, StatusUnhealthy)
}

// NewDegradedChecker reports degraded instead of unhealthy, for components the
// process can serve without.
func NewDegradedChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	return newAdapterChecker(name, adapter, timeout, StatusDegraded)
}

func newAdapterChecker(name string, adapter Checkable, timeout time.Duration, failStatus Status) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{
		name:       name,
		adapter:    adapter,
		timeout:    timeout,
		failStatus: failStatus,
	}
}

// Check runs the adapter health check.
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = c.failStatus
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// CheckFunc adapts a plain function to Checkable.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}
