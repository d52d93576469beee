package lock

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHolder identifies this process in lock records: the host name, or a
// random id when the host name is unavailable.
func DefaultHolder() string {
	host, err := os.Hostname()
	if err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return "shedlock-" + uuid.NewString()
}

type lockContextKey struct{}

type activeLock struct {
	mu      sync.Mutex
	current SimpleLock
}

// ContextWithLock returns ctx carrying the held lock.
func ContextWithLock(ctx context.Context, held SimpleLock) context.Context {
	return context.WithValue(ctx, lockContextKey{}, &activeLock{current: held})
}

// FromContext returns the lock held by the task running with ctx. After
// ExtendActiveLock it returns the extended lock.
func FromContext(ctx context.Context) (SimpleLock, bool) {
	if ctx == nil {
		return nil, false
	}
	active, ok := ctx.Value(lockContextKey{}).(*activeLock)
	if !ok {
		return nil, false
	}
	active.mu.Lock()
	defer active.mu.Unlock()
	return active.current, active.current != nil
}

// AssertLocked returns ErrNotLocked unless ctx carries a held lock. Tasks that
// must never run unlocked call it first.
func AssertLocked(ctx context.Context) error {
	if _, ok := FromContext(ctx); !ok {
		return ErrNotLocked
	}
	return nil
}

// ExtendActiveLock extends the lock carried by ctx relative to now. The
// manager releases the extended lock when the task returns.
func ExtendActiveLock(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (bool, error) {
	if ctx == nil {
		return false, ErrNotLocked
	}
	active, ok := ctx.Value(lockContextKey{}).(*activeLock)
	if !ok {
		return false, ErrNotLocked
	}
	active.mu.Lock()
	defer active.mu.Unlock()
	if active.current == nil {
		return false, ErrNotLocked
	}
	next, extended, err := active.current.Extend(ctx, lockAtMostFor, lockAtLeastFor)
	if err != nil || !extended {
		return false, err
	}
	active.current = next
	return true, nil
}
