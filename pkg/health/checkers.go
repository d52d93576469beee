package health

import (
	"context"
	"time"

	"github.com/nimburion/shedlock/pkg/lock"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is implemented by components with a health probe, such as lock
// providers and storage accessors.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker runs a Checkable's probe under a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker for adapter. A zero timeout uses 5s.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.adapter.HealthCheck(checkCtx); err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string { return c.name }

// LockProbeChecker takes and releases a dedicated lock, exercising the
// backend's write path the way a scheduled task would.
type LockProbeChecker struct {
	name     string
	provider lock.Provider
	lockName string
	clock    lock.Clock
	timeout  time.Duration
}

// NewLockProbeChecker creates a probe using lockName. The probe lock is held
// for at most the timeout, so a crashed probe never blocks the next one for
// long.
func NewLockProbeChecker(name string, provider lock.Provider, lockName string, timeout time.Duration) *LockProbeChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	clock := lock.SystemClock()
	if clocked, ok := provider.(interface{ Clock() lock.Clock }); ok {
		clock = clocked.Clock()
	}
	return &LockProbeChecker{name: name, provider: provider, lockName: lockName, clock: clock, timeout: timeout}
}

// Check locks the probe name and unlocks it. Losing the probe lock means
// another instance is probing or the backend refused the write; it reports
// degraded rather than unhealthy because backend errors surface through
// the adapter check.
func (c *LockProbeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.name, Metadata: map[string]any{"lock": c.lockName}}
	cfg, err := lock.NewConfigurationFor(c.clock.Now(), c.lockName, c.timeout, 0)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	} else if held, ok := c.provider.Lock(checkCtx, cfg); ok {
		held.Unlock(checkCtx)
		result.Status = StatusHealthy
		result.Message = "lock acquired and released"
	} else {
		result.Status = StatusDegraded
		result.Message = "probe lock not acquired"
	}
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	return result
}

// Name returns the name of the health check
func (c *LockProbeChecker) Name() string { return c.name }

// PingChecker always reports healthy. Useful for liveness.
type PingChecker struct {
	name string
}

// NewPingChecker creates a new ping checker
func NewPingChecker(name string) *PingChecker {
	return &PingChecker{name: name}
}

// Check always returns healthy status
func (c *PingChecker) Check(context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "alive",
		Timestamp: time.Now(),
	}
}

// Name returns the name of the health check
func (c *PingChecker) Name() string { return c.name }

// CustomChecker builds a checker from a function returning (status, message, error).
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

// Check executes the custom check function
func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checkFunc(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *CustomChecker) Name() string { return c.name }
