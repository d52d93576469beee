package lock

import (
	"context"
	"time"
)

// Record is the persisted lock state, one per lock name.
type Record struct {
	Name      string
	LockUntil time.Time
	LockedAt  time.Time
	LockedBy  string
}

// Held reports whether the record still blocks acquisition at now.
func (r Record) Held(now time.Time) bool {
	return r.LockUntil.After(now)
}

// StorageAccessor is implemented once per backend. Each method is a single
// atomic write against the lock record named by the configuration.
//
// Insert and Update report (false, nil) when another holder wins; an error
// means the backend failed and the provider treats the attempt as lost.
type StorageAccessor interface {
	// Insert creates the record with lock_until = LockAtMostUntil. It must
	// return false without side effects when the record already exists.
	Insert(ctx context.Context, cfg Configuration) (bool, error)
	// Update takes over the record when lock_until <= now.
	Update(ctx context.Context, cfg Configuration) (bool, error)
	// Unlock sets lock_until to cfg.UnlockTime(now).
	Unlock(ctx context.Context, cfg Configuration) error
}

// Extender is implemented by accessors able to push lock_until further out
// for a record still held by this accessor's holder.
type Extender interface {
	Extend(ctx context.Context, cfg Configuration) (bool, error)
}

// RecordReader is implemented by accessors able to read a lock record.
type RecordReader interface {
	FindRecord(ctx context.Context, name string) (Record, bool, error)
}

// Provider hands out locks. A false result means the lock is held elsewhere
// or the backend could not be reached; both mean "do not run now".
type Provider interface {
	Lock(ctx context.Context, cfg Configuration) (SimpleLock, bool)
}

// SimpleLock is a held lock. It is owned by the caller that received it.
type SimpleLock interface {
	// Configuration returns the configuration the lock was acquired with.
	Configuration() Configuration
	// Unlock releases the lock, honoring lockAtLeastUntil. Calling it again is a no-op.
	Unlock(ctx context.Context)
	// Extend moves the lock deadlines relative to now. On success the
	// returned lock replaces the receiver, which becomes released.
	Extend(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (SimpleLock, bool, error)
}
