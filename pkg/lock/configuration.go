package lock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Configuration describes one lock request. It is immutable; create one per
// task invocation with NewConfiguration, NewConfigurationAt or NewConfigurationFor.
type Configuration struct {
	name             string
	lockAtMostUntil  time.Time
	lockAtLeastUntil time.Time
}

// NewConfiguration validates a configuration against the wall clock.
func NewConfiguration(name string, lockAtMostUntil, lockAtLeastUntil time.Time) (Configuration, error) {
	return NewConfigurationAt(time.Now(), name, lockAtMostUntil, lockAtLeastUntil)
}

// NewConfigurationAt validates a configuration against now.
//
// The name must not be blank, lockAtMostUntil must be after now and
// lockAtLeastUntil must not be after lockAtMostUntil. A zero lockAtLeastUntil
// means the lock may be released immediately.
func NewConfigurationAt(now time.Time, name string, lockAtMostUntil, lockAtLeastUntil time.Time) (Configuration, error) {
	var errs []error
	if strings.TrimSpace(name) == "" {
		errs = append(errs, lockError(ErrInvalidConfiguration, "name must not be empty"))
	}
	if !lockAtMostUntil.After(now) {
		errs = append(errs, lockError(ErrInvalidConfiguration, "lockAtMostUntil must be in the future"))
	}
	if lockAtLeastUntil.After(lockAtMostUntil) {
		errs = append(errs, lockError(ErrInvalidConfiguration, "lockAtLeastUntil must not be after lockAtMostUntil"))
	}
	if len(errs) > 0 {
		return Configuration{}, errors.Join(errs...)
	}
	return Configuration{
		name:             name,
		lockAtMostUntil:  lockAtMostUntil,
		lockAtLeastUntil: lockAtLeastUntil,
	}, nil
}

// NewConfigurationFor builds a configuration from durations relative to now.
func NewConfigurationFor(now time.Time, name string, lockAtMostFor, lockAtLeastFor time.Duration) (Configuration, error) {
	if lockAtMostFor <= 0 {
		return Configuration{}, lockError(ErrInvalidConfiguration, "lockAtMostFor must be positive")
	}
	if lockAtLeastFor < 0 {
		return Configuration{}, lockError(ErrInvalidConfiguration, "lockAtLeastFor must not be negative")
	}
	return NewConfigurationAt(now, name, now.Add(lockAtMostFor), now.Add(lockAtLeastFor))
}

// Name returns the lock name.
func (c Configuration) Name() string { return c.name }

// LockAtMostUntil returns the instant after which the lock expires even if never released.
func (c Configuration) LockAtMostUntil() time.Time { return c.lockAtMostUntil }

// LockAtLeastUntil returns the earliest instant at which the lock may be released.
func (c Configuration) LockAtLeastUntil() time.Time { return c.lockAtLeastUntil }

// IsZero reports whether c was not produced by a constructor.
func (c Configuration) IsZero() bool { return c.name == "" }

// UnlockTime is the lock_until value written on release at now:
// max(now, lockAtLeastUntil) capped at lockAtMostUntil.
func (c Configuration) UnlockTime(now time.Time) time.Time {
	until := now
	if c.lockAtLeastUntil.After(until) {
		until = c.lockAtLeastUntil
	}
	if until.After(c.lockAtMostUntil) {
		until = c.lockAtMostUntil
	}
	return until
}

func (c Configuration) String() string {
	return fmt.Sprintf("lock %q (at most until %s, at least until %s)",
		c.name,
		c.lockAtMostUntil.UTC().Format(time.RFC3339Nano),
		c.lockAtLeastUntil.UTC().Format(time.RFC3339Nano))
}
