package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/shedlock/pkg/observability/logger"
	"github.com/nimburion/shedlock/pkg/observability/tracing"
)

// Task is a unit of work executed by Manager.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// ConfigurationExtractor derives the lock configuration for a task. A false
// result means the task runs without a lock.
type ConfigurationExtractor interface {
	LockConfiguration(task Task) (Configuration, bool, error)
}

// ExtractorFunc adapts a function to ConfigurationExtractor.
type ExtractorFunc func(task Task) (Configuration, bool, error)

// LockConfiguration calls f(task).
func (f ExtractorFunc) LockConfiguration(task Task) (Configuration, bool, error) { return f(task) }

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Provider  Provider
	Extractor ConfigurationExtractor
	Logger    logger.Logger
	// KeepAliveFor, when positive, extends held locks to now+KeepAliveFor
	// every KeepAliveFor/2 while the task runs.
	KeepAliveFor time.Duration
	Clock        Clock
}

// Manager runs tasks under the lock their configuration names.
type Manager struct {
	provider     Provider
	extractor    ConfigurationExtractor
	logger       logger.Logger
	keepAliveFor time.Duration
	clock        Clock
}

// NewManager creates a lock manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, lockError(ErrInvalidArgument, "lock provider is required")
	}
	if cfg.Extractor == nil {
		return nil, lockError(ErrInvalidArgument, "configuration extractor is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.KeepAliveFor < 0 {
		return nil, lockError(ErrInvalidArgument, "keep-alive duration must not be negative")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Manager{
		provider:     cfg.Provider,
		extractor:    cfg.Extractor,
		logger:       log,
		keepAliveFor: cfg.KeepAliveFor,
		clock:        clock,
	}, nil
}

// ExecuteWithLock runs task if its lock can be acquired and releases the lock
// afterwards, also when task fails or panics. executed is false when another
// holder owns the lock; that is not an error.
func (m *Manager) ExecuteWithLock(ctx context.Context, task Task) (executed bool, err error) {
	if task == nil {
		return false, lockError(ErrInvalidArgument, "task is required")
	}
	cfg, locked, err := m.extractor.LockConfiguration(task)
	if err != nil {
		return false, err
	}
	if !locked {
		m.logger.WithContext(ctx).Debug("running task without lock")
		recordTaskExecution("", "unlocked")
		return true, task.Run(ctx)
	}

	name := cfg.Name()
	held, acquired := m.provider.Lock(ctx, cfg)
	if !acquired {
		m.logger.WithContext(ctx).Debug("task skipped, lock held elsewhere", "lock", name)
		recordTaskExecution(name, "skipped")
		return false, nil
	}

	taskCtx := ContextWithLock(ctx, held)
	taskCtx = logger.ContextWithFields(taskCtx, "lock", name)
	taskCtx, span := tracing.StartLockSpan(taskCtx, tracing.SpanOperationTask, name)
	stopKeepAlive := func() {}
	if m.keepAliveFor > 0 {
		stopKeepAlive = keepAlive(taskCtx, m.keepAliveFor, m.clock, m.logger.WithContext(taskCtx))
	}
	tasksInFlight.WithLabelValues(normalizeLabel(name)).Inc()
	defer func() {
		tasksInFlight.WithLabelValues(normalizeLabel(name)).Dec()
		recovered := recover()
		stopKeepAlive()
		if active, ok := FromContext(taskCtx); ok {
			held = active
		}
		releaseLock(ctx, held)
		switch {
		case recovered != nil:
			recordTaskExecution(name, "panic")
			tracing.RecordError(span, fmt.Errorf("task panicked: %v", recovered))
			span.End()
			panic(recovered)
		case err != nil:
			recordTaskExecution(name, "failed")
			tracing.RecordError(span, err)
		default:
			recordTaskExecution(name, "executed")
			tracing.RecordSuccess(span)
		}
		span.End()
	}()

	m.logger.WithContext(taskCtx).Debug("lock acquired, running task", "lock_at_most_until", cfg.LockAtMostUntil())
	return true, task.Run(taskCtx)
}

// releaseLock unlocks with a context that survives cancellation of the task
// context, so a cancelled task still releases.
func releaseLock(ctx context.Context, held SimpleLock) {
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	held.Unlock(unlockCtx)
}
