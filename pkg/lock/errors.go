package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration classifies lock configuration validation failures.
	ErrInvalidConfiguration = errors.New("lock invalid configuration")
	// ErrInvalidArgument classifies invalid caller/provider arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrExtendUnsupported is returned when the storage backend cannot extend a held lock.
	ErrExtendUnsupported = errors.New("lock extend unsupported")
	// ErrLockReleased is returned when extending a lock that was already released or extended.
	ErrLockReleased = errors.New("lock already released")
	// ErrNotLocked is returned by AssertLocked when the caller does not hold a lock.
	ErrNotLocked = errors.New("lock not held")
	// ErrBackend classifies storage backend failures.
	ErrBackend = errors.New("lock backend error")
	// ErrCircuitOpen is returned by GuardedAccessor while the backend circuit is open.
	ErrCircuitOpen = errors.New("lock backend circuit open")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// BackendError wraps a driver error returned by operation op with ErrBackend.
func BackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
