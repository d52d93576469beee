package locktest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/shedlock/pkg/lock"
)

// Harness adapts a storage backend to the conformance suite.
type Harness struct {
	// NewAccessor returns an accessor writing as holder. Every accessor built
	// by one harness must share the same storage.
	NewAccessor func(t *testing.T, clock lock.Clock, holder string) lock.StorageAccessor
	// DeleteRecord removes a lock record behind the accessors' back.
	DeleteRecord func(t *testing.T, name string)
	// SupportsExtend reports whether accessors implement lock.Extender.
	SupportsExtend bool
}

type node struct {
	holder   string
	provider *lock.StorageBasedProvider
}

type fixture struct {
	t       *testing.T
	harness Harness
	clock   *ManualClock
	prefix  string
}

func newFixture(t *testing.T, h Harness) *fixture {
	t.Helper()
	return &fixture{
		t:       t,
		harness: h,
		clock:   NewManualClock(time.Now().UTC().Truncate(time.Second)),
		prefix:  "suite-" + uuid.NewString()[:8],
	}
}

func (f *fixture) node(holder string) *node {
	f.t.Helper()
	accessor := f.harness.NewAccessor(f.t, f.clock, holder)
	provider, err := lock.NewStorageBasedProvider(accessor, lock.WithClock(f.clock))
	if err != nil {
		f.t.Fatalf("create provider: %v", err)
	}
	return &node{holder: holder, provider: provider}
}

func (f *fixture) name(suffix string) string {
	return f.prefix + "-" + suffix
}

func (f *fixture) config(name string, atMostFor, atLeastFor time.Duration) lock.Configuration {
	f.t.Helper()
	cfg, err := lock.NewConfigurationFor(f.clock.Now(), name, atMostFor, atLeastFor)
	if err != nil {
		f.t.Fatalf("configuration: %v", err)
	}
	return cfg
}

func (f *fixture) mustLock(n *node, cfg lock.Configuration) lock.SimpleLock {
	f.t.Helper()
	held, ok := n.provider.Lock(context.Background(), cfg)
	if !ok {
		f.t.Fatalf("%s: expected to acquire %s at %s", n.holder, cfg.Name(), f.clock.Now())
	}
	return held
}

func (f *fixture) mustNotLock(n *node, cfg lock.Configuration) {
	f.t.Helper()
	if held, ok := n.provider.Lock(context.Background(), cfg); ok {
		held.Unlock(context.Background())
		f.t.Fatalf("%s: expected %s to be held elsewhere at %s", n.holder, cfg.Name(), f.clock.Now())
	}
}

// RunProviderSuite runs the shared conformance suite against a backend.
func RunProviderSuite(t *testing.T, h Harness) {
	t.Helper()
	if h.NewAccessor == nil {
		t.Fatal("harness NewAccessor is required")
	}

	t.Run("rejects_invalid_configuration", func(t *testing.T) {
		f := newFixture(t, h)
		now := f.clock.Now()
		if _, err := lock.NewConfigurationAt(now, "", now.Add(time.Minute), now); !errors.Is(err, lock.ErrInvalidConfiguration) {
			t.Fatalf("expected empty name to fail, got %v", err)
		}
		if _, err := lock.NewConfigurationAt(now, "job", now.Add(-time.Second), time.Time{}); !errors.Is(err, lock.ErrInvalidConfiguration) {
			t.Fatalf("expected past lockAtMostUntil to fail, got %v", err)
		}
		if _, err := lock.NewConfigurationAt(now, "job", now.Add(time.Second), now.Add(time.Minute)); !errors.Is(err, lock.ErrInvalidConfiguration) {
			t.Fatalf("expected lockAtLeastUntil after lockAtMostUntil to fail, got %v", err)
		}
		if _, ok := f.node("node-a").provider.Lock(context.Background(), lock.Configuration{}); ok {
			t.Fatal("expected zero configuration not to lock")
		}
	})

	t.Run("only_one_concurrent_caller_wins", func(t *testing.T) {
		f := newFixture(t, h)
		const racers = 8
		nodes := make([]*node, racers)
		for i := range nodes {
			nodes[i] = f.node(fmt.Sprintf("node-%d", i))
		}
		cfg := f.config(f.name("race"), time.Minute, 0)

		var winners atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, n := range nodes {
			wg.Add(1)
			go func(n *node) {
				defer wg.Done()
				<-start
				if _, ok := n.provider.Lock(context.Background(), cfg); ok {
					winners.Add(1)
				}
			}(n)
		}
		close(start)
		wg.Wait()

		if got := winners.Load(); got != 1 {
			t.Fatalf("expected exactly one winner, got %d", got)
		}
	})

	t.Run("relock_after_unlock", func(t *testing.T) {
		f := newFixture(t, h)
		a, b := f.node("node-a"), f.node("node-b")
		name := f.name("relock")

		held := f.mustLock(a, f.config(name, time.Minute, 0))
		f.mustNotLock(b, f.config(name, time.Minute, 0))
		held.Unlock(context.Background())

		f.mustLock(b, f.config(name, time.Minute, 0))
		f.mustNotLock(a, f.config(name, time.Minute, 0))
	})

	t.Run("expired_lock_is_reclaimed", func(t *testing.T) {
		f := newFixture(t, h)
		a, b := f.node("node-a"), f.node("node-b")
		name := f.name("expiry")

		f.mustLock(a, f.config(name, 10*time.Second, 0))
		f.mustNotLock(b, f.config(name, 10*time.Second, 0))

		f.clock.Advance(9 * time.Second)
		f.mustNotLock(b, f.config(name, 10*time.Second, 0))

		f.clock.Advance(time.Second)
		f.mustLock(b, f.config(name, 10*time.Second, 0))
	})

	t.Run("lock_at_least_until_is_honored", func(t *testing.T) {
		f := newFixture(t, h)
		a, b := f.node("node-a"), f.node("node-b")
		name := f.name("at-least")

		held := f.mustLock(a, f.config(name, 10*time.Second, 5*time.Second))
		f.clock.Advance(time.Second)
		held.Unlock(context.Background())

		f.mustNotLock(b, f.config(name, 10*time.Second, 0))
		f.clock.Advance(3 * time.Second)
		f.mustNotLock(b, f.config(name, 10*time.Second, 0))
		f.clock.Advance(time.Second)
		f.mustLock(b, f.config(name, 10*time.Second, 0))
	})

	t.Run("recovers_from_deleted_record", func(t *testing.T) {
		if h.DeleteRecord == nil {
			t.Skip("harness cannot delete records")
		}
		f := newFixture(t, h)
		a, b := f.node("node-a"), f.node("node-b")
		name := f.name("deleted")

		f.mustLock(a, f.config(name, time.Minute, 0)).Unlock(context.Background())
		f.mustLock(b, f.config(name, time.Minute, 0)).Unlock(context.Background())

		h.DeleteRecord(t, name)
		f.mustLock(a, f.config(name, time.Minute, 0))
		f.mustNotLock(b, f.config(name, time.Minute, 0))
	})

	t.Run("double_unlock_is_noop", func(t *testing.T) {
		f := newFixture(t, h)
		a, b, c := f.node("node-a"), f.node("node-b"), f.node("node-c")
		name := f.name("double-unlock")

		held := f.mustLock(a, f.config(name, time.Minute, 0))
		held.Unlock(context.Background())
		held.Unlock(context.Background())

		f.mustLock(b, f.config(name, time.Minute, 0))
		held.Unlock(context.Background())
		f.mustNotLock(c, f.config(name, time.Minute, 0))
	})

	t.Run("records_holder", func(t *testing.T) {
		f := newFixture(t, h)
		a := f.node("node-a")
		name := f.name("record")
		cfg := f.config(name, time.Minute, 0)
		acquiredAt := f.clock.Now()

		f.mustLock(a, cfg)
		record, found, err := a.provider.FindRecord(context.Background(), name)
		if errors.Is(err, lock.ErrInvalidArgument) {
			t.Skip("backend cannot read lock records")
		}
		if err != nil || !found {
			t.Fatalf("expected record, found=%v err=%v", found, err)
		}
		if record.LockedBy != "node-a" {
			t.Fatalf("expected lockedBy node-a, got %q", record.LockedBy)
		}
		if !record.LockUntil.Equal(cfg.LockAtMostUntil()) {
			t.Fatalf("expected lockUntil %s, got %s", cfg.LockAtMostUntil(), record.LockUntil)
		}
		if !record.LockedAt.Equal(acquiredAt) {
			t.Fatalf("expected lockedAt %s, got %s", acquiredAt, record.LockedAt)
		}
		if !record.Held(f.clock.Now()) {
			t.Fatal("expected record to be held")
		}
	})

	t.Run("extend", func(t *testing.T) {
		f := newFixture(t, h)
		a, b := f.node("node-a"), f.node("node-b")
		name := f.name("extend")

		held := f.mustLock(a, f.config(name, 10*time.Second, 0))
		if !h.SupportsExtend {
			if _, _, err := held.Extend(context.Background(), time.Minute, 0); !errors.Is(err, lock.ErrExtendUnsupported) {
				t.Fatalf("expected ErrExtendUnsupported, got %v", err)
			}
			return
		}

		f.clock.Advance(5 * time.Second)
		extended, ok, err := held.Extend(context.Background(), 10*time.Second, 0)
		if err != nil || !ok {
			t.Fatalf("expected extension, ok=%v err=%v", ok, err)
		}
		if _, _, err := held.Extend(context.Background(), 10*time.Second, 0); !errors.Is(err, lock.ErrLockReleased) {
			t.Fatalf("expected replaced lock to be released, got %v", err)
		}

		f.clock.Advance(6 * time.Second)
		f.mustNotLock(b, f.config(name, 10*time.Second, 0))

		f.clock.Advance(4 * time.Second)
		f.mustLock(b, f.config(name, 10*time.Second, 0))

		if _, ok, err := extended.Extend(context.Background(), 10*time.Second, 0); ok || err != nil {
			t.Fatalf("expected extension of a reclaimed lock to fail quietly, ok=%v err=%v", ok, err)
		}
	})
}
