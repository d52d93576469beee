package lock

import (
	"context"
	"time"
)

// LockedTask is a task carrying its own lock metadata, read by DefaultExtractor.
type LockedTask struct {
	Name           string
	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
	Task           Task
}

// Run runs the wrapped task.
func (t LockedTask) Run(ctx context.Context) error {
	if t.Task == nil {
		return lockError(ErrInvalidArgument, "locked task "+t.Name+" has no body")
	}
	return t.Task.Run(ctx)
}

// DefaultExtractor builds configurations for LockedTask values and leaves
// every other task unlocked. Zero durations fall back to the defaults.
type DefaultExtractor struct {
	Clock                 Clock
	DefaultLockAtMostFor  time.Duration
	DefaultLockAtLeastFor time.Duration
}

// LockConfiguration implements ConfigurationExtractor.
func (e DefaultExtractor) LockConfiguration(task Task) (Configuration, bool, error) {
	var locked LockedTask
	switch typed := task.(type) {
	case LockedTask:
		locked = typed
	case *LockedTask:
		if typed == nil {
			return Configuration{}, false, nil
		}
		locked = *typed
	default:
		return Configuration{}, false, nil
	}

	atMostFor := locked.LockAtMostFor
	if atMostFor <= 0 {
		atMostFor = e.DefaultLockAtMostFor
	}
	atLeastFor := locked.LockAtLeastFor
	if atLeastFor <= 0 {
		atLeastFor = e.DefaultLockAtLeastFor
	}
	clock := e.Clock
	if clock == nil {
		clock = SystemClock()
	}
	cfg, err := NewConfigurationFor(clock.Now(), locked.Name, atMostFor, atLeastFor)
	if err != nil {
		return Configuration{}, false, err
	}
	return cfg, true, nil
}
