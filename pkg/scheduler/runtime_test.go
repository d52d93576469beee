package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/provider/inmemory"
	"github.com/nimburion/shedlock/pkg/testutil"
)

type countingJob struct {
	runs  atomic.Int32
	delay time.Duration
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.delay > 0 {
		select {
		case <-time.After(j.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func newTestManager(t *testing.T, store *inmemory.Store, holder string) (*lock.Manager, *lock.StorageBasedProvider) {
	t.Helper()
	provider, err := lock.NewStorageBasedProvider(inmemory.NewAccessor(store, nil, holder))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	manager, err := lock.NewManager(lock.ManagerConfig{
		Provider:  provider,
		Extractor: lock.DefaultExtractor{DefaultLockAtMostFor: time.Minute},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager, provider
}

func TestNewRuntime_RequiresExecutorAndLogger(t *testing.T) {
	if _, err := NewRuntime(nil, &testutil.MockLogger{}, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil executor, got %v", err)
	}
	manager, _ := newTestManager(t, inmemory.NewStore(), "node-a")
	if _, err := NewRuntime(manager, nil, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil logger, got %v", err)
	}
}

func TestRuntime_StartRunsTasksAndReleasesLock(t *testing.T) {
	store := inmemory.NewStore()
	manager, provider := newTestManager(t, store, "node-a")
	job := &countingJob{}

	runtime, err := NewRuntime(manager, &testutil.MockLogger{}, Config{})
	if err != nil {
		t.Fatalf("new scheduler runtime: %v", err)
	}
	if err := runtime.Register(Task{Name: "report-export", Schedule: "@every 20ms", Job: job}); err != nil {
		t.Fatalf("register task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	if err := runtime.Start(ctx); err != nil {
		t.Fatalf("runtime start: %v", err)
	}
	if job.runs.Load() == 0 {
		t.Fatal("expected at least one run")
	}
	record, found, err := provider.FindRecord(context.Background(), "report-export")
	if err != nil || !found {
		t.Fatalf("expected lock record, found=%v err=%v", found, err)
	}
	if record.Held(time.Now()) {
		t.Fatalf("expected lock released after runs, lock_until=%v", record.LockUntil)
	}
	if record.LockedBy != "node-a" {
		t.Fatalf("expected holder node-a, got %q", record.LockedBy)
	}
}

func TestRuntime_SkipsRunWhenLockHeldElsewhere(t *testing.T) {
	store := inmemory.NewStore()
	_, other := newTestManager(t, store, "node-b")
	cfg, err := lock.NewConfigurationFor(time.Now(), "report-export", time.Hour, 0)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	held, ok := other.Lock(context.Background(), cfg)
	if !ok {
		t.Fatal("expected node-b to take the lock")
	}
	defer held.Unlock(context.Background())

	manager, _ := newTestManager(t, store, "node-a")
	job := &countingJob{}
	runtime, err := NewRuntime(manager, &testutil.MockLogger{}, Config{})
	if err != nil {
		t.Fatalf("new scheduler runtime: %v", err)
	}
	if err := runtime.Register(Task{Name: "report-export", Schedule: "@every 15ms", Job: job}); err != nil {
		t.Fatalf("register task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := runtime.Start(ctx); err != nil {
		t.Fatalf("runtime start: %v", err)
	}
	if got := job.runs.Load(); got != 0 {
		t.Fatalf("expected no runs while node-b holds the lock, got %d", got)
	}
}

func TestRuntime_TriggerRunsSingleTask(t *testing.T) {
	manager, _ := newTestManager(t, inmemory.NewStore(), "node-a")
	job := &countingJob{}

	runtime, err := NewRuntime(manager, &testutil.MockLogger{}, Config{})
	if err != nil {
		t.Fatalf("new scheduler runtime: %v", err)
	}
	if err := runtime.Register(Task{Name: "report-export", Schedule: "0 3 * * *", Job: job}); err != nil {
		t.Fatalf("register task: %v", err)
	}

	executed, err := runtime.Trigger(context.Background(), "report-export")
	if err != nil {
		t.Fatalf("trigger task: %v", err)
	}
	if !executed || job.runs.Load() != 1 {
		t.Fatalf("expected one run, executed=%v runs=%d", executed, job.runs.Load())
	}
}

func TestRuntime_TriggerRejectsUnknownTask(t *testing.T) {
	manager, _ := newTestManager(t, inmemory.NewStore(), "node-a")
	runtime, err := NewRuntime(manager, &testutil.MockLogger{}, Config{})
	if err != nil {
		t.Fatalf("new scheduler runtime: %v", err)
	}
	if _, err := runtime.Trigger(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestRuntime_RegisterAndStartErrors(t *testing.T) {
	manager, _ := newTestManager(t, inmemory.NewStore(), "node-a")
	runtime, err := NewRuntime(manager, &testutil.MockLogger{}, Config{})
	if err != nil {
		t.Fatalf("new scheduler runtime: %v", err)
	}
	if err := runtime.Start(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty runtime, got %v", err)
	}

	task := Task{Name: "report-export", Schedule: "@every 1m", Job: &countingJob{}}
	if err := runtime.Register(task); err != nil {
		t.Fatalf("register task: %v", err)
	}
	if err := runtime.Register(task); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate registration, got %v", err)
	}
	if got := runtime.Tasks(); len(got) != 1 || got[0] != "report-export" {
		t.Fatalf("unexpected task list: %v", got)
	}
}

func TestRuntime_TaskTimeoutCancelsRun(t *testing.T) {
	store := inmemory.NewStore()
	manager, provider := newTestManager(t, store, "node-a")
	job := &countingJob{delay: time.Second}

	runtime, err := NewRuntime(manager, &testutil.MockLogger{}, Config{})
	if err != nil {
		t.Fatalf("new scheduler runtime: %v", err)
	}
	if err := runtime.Register(Task{
		Name:     "report-export",
		Schedule: "@every 1h",
		Timeout:  20 * time.Millisecond,
		Job:      job,
	}); err != nil {
		t.Fatalf("register task: %v", err)
	}

	executed, err := runtime.Trigger(context.Background(), "report-export")
	if !executed {
		t.Fatal("expected the task to start")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	record, _, err := provider.FindRecord(context.Background(), "report-export")
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Held(time.Now()) {
		t.Fatal("expected lock released after a timed out run")
	}
}
