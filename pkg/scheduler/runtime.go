package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const DefaultRunTimeout = time.Hour

// Config controls scheduler runtime behavior.
type Config struct {
	// RunTimeout bounds a single task run when the task sets no timeout.
	RunTimeout time.Duration
}

func (c *Config) normalize() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
}

// Runtime fires registered tasks on their schedules and runs each one
// through the executor, which skips the run when another instance holds the
// task's lock.
type Runtime struct {
	executor Executor
	log      logger.Logger

	config Config

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler runtime.
func NewRuntime(executor Executor, log logger.Logger, cfg Config) (*Runtime, error) {
	if executor == nil {
		return nil, schedulerError(ErrInvalidArgument, "executor is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}

	cfg.normalize()
	return &Runtime{
		executor: executor,
		log:      log,
		config:   cfg,
		tasks:    map[string]Task{},
	}, nil
}

// Register adds a new scheduled task.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	task.Name = strings.TrimSpace(task.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = task
	return nil
}

// Tasks returns the registered task names in order.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger runs one registered task immediately, outside its schedule. The
// run still goes through the task's lock.
func (r *Runtime) Trigger(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	task, ok := r.tasks[strings.TrimSpace(name)]
	r.mu.Unlock()
	if !ok {
		return false, schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", name))
	}
	return r.dispatchTask(ctx, task, time.Now().UTC())
}

// Start runs all registered tasks until context cancellation.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	r.log.Info("scheduler started", "tasks", len(tasks))
	for _, task := range tasks {
		r.wg.Add(1)
		go r.runTaskLoop(runningCtx, task)
	}

	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop requests scheduler shutdown and waits for active loops. Running tasks
// see their context cancelled and release their locks on return.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.log.Info("scheduler stopped")
		return nil
	}
}

func (r *Runtime) runTaskLoop(ctx context.Context, task Task) {
	defer r.wg.Done()

	now := time.Now().UTC()
	for {
		nextRun, err := task.nextRun(now)
		if err != nil {
			r.log.Error("scheduler task has invalid schedule", "task", task.Name, "error", err)
			return
		}
		recordSchedulerNextRun(task.Name, nextRun)

		wait := time.Until(nextRun)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := r.dispatchTask(ctx, task, nextRun); err != nil {
			r.log.Error("scheduled task failed", "task", task.Name, "error", err)
		}

		// Runs missed while the task was busy are skipped.
		now = time.Now().UTC()
		if now.Before(nextRun) {
			now = nextRun
		}
	}
}

func (r *Runtime) dispatchTask(ctx context.Context, task Task, runAt time.Time) (bool, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.config.RunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	incrementSchedulerDispatchInFlight(task.Name)
	defer decrementSchedulerDispatchInFlight(task.Name)

	executed, err := r.executor.ExecuteWithLock(runCtx, task.lockedTask())
	switch {
	case err != nil:
		recordSchedulerDispatch(task.Name, "failed")
		return executed, fmt.Errorf("run task %q scheduled at %s: %w", task.Name, runAt.Format(time.RFC3339), err)
	case !executed:
		recordSchedulerDispatch(task.Name, "skipped")
		r.log.Debug("scheduled run skipped, lock held elsewhere", "task", task.Name, "run_at", runAt)
	default:
		recordSchedulerDispatch(task.Name, "executed")
		r.log.Debug("scheduled run finished", "task", task.Name, "run_at", runAt)
	}
	return executed, nil
}
