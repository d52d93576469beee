package lock

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nimburion/shedlock/pkg/testutil"
)

func newTestProvider(t *testing.T, accessor StorageAccessor) (*StorageBasedProvider, *testutil.MockLogger, *fixedClock) {
	t.Helper()
	log := &testutil.MockLogger{}
	clock := newFixedClock()
	provider, err := NewStorageBasedProvider(accessor, WithLogger(log), WithClock(clock), WithBackendName("scripted"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider, log, clock
}

func assertCalls(t *testing.T, accessor *scriptedAccessor, want ...string) {
	t.Helper()
	if got := accessor.callLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	accessor.resetCalls()
}

func TestNewStorageBasedProvider_RequiresAccessor(t *testing.T) {
	if _, err := NewStorageBasedProvider(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestProvider_FirstLockInsertsThenCachedNameUpdates(t *testing.T) {
	accessor := &scriptedAccessor{
		inserts: []outcome{{ok: true}},
		updates: []outcome{{ok: true}},
	}
	provider, _, clock := newTestProvider(t, accessor)

	held, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	if !ok || held == nil {
		t.Fatal("expected lock on insert")
	}
	assertCalls(t, accessor, "insert")

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); !ok {
		t.Fatal("expected lock on update")
	}
	assertCalls(t, accessor, "update")
}

func TestProvider_InsertLossFallsThroughToUpdate(t *testing.T) {
	accessor := &scriptedAccessor{
		inserts: []outcome{{ok: false}},
		updates: []outcome{{ok: true}},
	}
	provider, _, clock := newTestProvider(t, accessor)

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); !ok {
		t.Fatal("expected lock through update")
	}
	assertCalls(t, accessor, "insert", "update")
}

func TestProvider_ContentionIsQuiet(t *testing.T) {
	accessor := &scriptedAccessor{}
	provider, log, clock := newTestProvider(t, accessor)

	if held, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); ok || held != nil {
		t.Fatal("expected lock not acquired")
	}
	assertCalls(t, accessor, "insert", "update")
	if len(log.EntriesAt("warn")) != 0 || len(log.EntriesAt("error")) != 0 {
		t.Fatalf("contention must not be logged as a failure: %+v", log.Entries())
	}
}

func TestProvider_BackendErrorsMeanNotAcquired(t *testing.T) {
	accessor := &scriptedAccessor{
		inserts: []outcome{{err: errors.New("connection refused")}, {ok: true}},
		updates: []outcome{{err: errors.New("connection refused")}},
	}
	provider, log, clock := newTestProvider(t, accessor)

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); ok {
		t.Fatal("expected backend failure to mean not acquired")
	}
	assertCalls(t, accessor, "insert", "update")

	warnings := log.EntriesAt("warn")
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %+v", log.Entries())
	}
	if warnings[0].Fields["operation"] != "insert" || warnings[0].Fields["lock"] != "report" || warnings[0].Fields["backend"] != "scripted" {
		t.Fatalf("unexpected warning fields: %+v", warnings[0].Fields)
	}

	// A failed insert must not mark the name as existing.
	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); !ok {
		t.Fatal("expected lock after backend recovered")
	}
	assertCalls(t, accessor, "insert")
}

func TestProvider_RecreatesRecordDeletedBehindCache(t *testing.T) {
	accessor := &extendingAccessor{scriptedAccessor: &scriptedAccessor{
		inserts: []outcome{{ok: true}, {ok: true}},
	}}
	provider, log, clock := newTestProvider(t, accessor)

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); !ok {
		t.Fatal("expected first lock")
	}
	accessor.resetCalls()

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); !ok {
		t.Fatal("expected lock after record deletion")
	}
	assertCalls(t, accessor.scriptedAccessor, "update", "find", "insert")
	if len(log.EntriesAt("info")) != 1 {
		t.Fatalf("expected recreation to be logged once, got %+v", log.Entries())
	}
}

func TestProvider_CachedContentionDoesNotInsert(t *testing.T) {
	accessor := &extendingAccessor{
		scriptedAccessor: &scriptedAccessor{inserts: []outcome{{ok: true}}},
		findFound:        true,
	}
	provider, _, clock := newTestProvider(t, accessor)
	provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	accessor.resetCalls()

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); ok {
		t.Fatal("expected contention")
	}
	assertCalls(t, accessor.scriptedAccessor, "update", "find")
	if _, cached := provider.cache.Load("report"); !cached {
		t.Fatal("expected name to stay cached")
	}
}

func TestProvider_WithoutRecordReaderEvictsCache(t *testing.T) {
	accessor := &scriptedAccessor{inserts: []outcome{{ok: true}, {ok: true}}}
	provider, _, clock := newTestProvider(t, accessor)
	provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	accessor.resetCalls()

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); ok {
		t.Fatal("expected update loss")
	}
	assertCalls(t, accessor, "update")

	if _, ok := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0)); !ok {
		t.Fatal("expected insert after eviction")
	}
	assertCalls(t, accessor, "insert")
}

func TestProvider_ClearCache(t *testing.T) {
	accessor := &scriptedAccessor{inserts: []outcome{{ok: true}}}
	provider, _, clock := newTestProvider(t, accessor)
	provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	provider.ClearCache()
	accessor.resetCalls()

	provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	assertCalls(t, accessor, "insert", "update")
}

func TestProvider_ZeroConfigurationIsRejected(t *testing.T) {
	accessor := &scriptedAccessor{}
	provider, log, _ := newTestProvider(t, accessor)

	if _, ok := provider.Lock(context.Background(), Configuration{}); ok {
		t.Fatal("expected zero configuration to be rejected")
	}
	assertCalls(t, accessor)
	if len(log.EntriesAt("error")) != 1 {
		t.Fatalf("expected an error entry, got %+v", log.Entries())
	}
}

func TestSimpleLock_UnlockHonorsLockAtLeastUntilAndRunsOnce(t *testing.T) {
	accessor := &scriptedAccessor{inserts: []outcome{{ok: true}}}
	provider, _, clock := newTestProvider(t, accessor)
	accessor.clock = clock
	cfg := mustConfig(clock, "report", 10*time.Second, 5*time.Second)

	held, _ := provider.Lock(context.Background(), cfg)
	clock.Advance(time.Second)
	held.Unlock(context.Background())
	held.Unlock(context.Background())

	if len(accessor.unlocked) != 1 {
		t.Fatalf("expected a single unlock write, got %d", len(accessor.unlocked))
	}
	if !accessor.unlocked[0].Equal(cfg.LockAtLeastUntil()) {
		t.Fatalf("expected unlock at lockAtLeastUntil, got %s", accessor.unlocked[0])
	}
}

func TestSimpleLock_UnlockFailureIsLogged(t *testing.T) {
	accessor := &scriptedAccessor{inserts: []outcome{{ok: true}}, unlockErr: errors.New("timeout")}
	provider, log, clock := newTestProvider(t, accessor)

	held, _ := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	held.Unlock(context.Background())

	warnings := log.EntriesAt("warn")
	if len(warnings) != 1 || warnings[0].Fields["lock"] != "report" {
		t.Fatalf("expected one unlock warning, got %+v", log.Entries())
	}
}

func TestSimpleLock_ExtendUnsupported(t *testing.T) {
	accessor := &scriptedAccessor{inserts: []outcome{{ok: true}}}
	provider, _, clock := newTestProvider(t, accessor)

	held, _ := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	if _, ok, err := held.Extend(context.Background(), time.Minute, 0); ok || !errors.Is(err, ErrExtendUnsupported) {
		t.Fatalf("expected ErrExtendUnsupported, got ok=%v err=%v", ok, err)
	}
}

func TestSimpleLock_Extend(t *testing.T) {
	accessor := &extendingAccessor{scriptedAccessor: &scriptedAccessor{
		inserts: []outcome{{ok: true}},
		extends: []outcome{{ok: true}, {ok: false}},
	}}
	provider, _, clock := newTestProvider(t, accessor)

	held, _ := provider.Lock(context.Background(), mustConfig(clock, "report", time.Minute, 0))
	clock.Advance(30 * time.Second)

	extended, ok, err := held.Extend(context.Background(), time.Minute, 0)
	if err != nil || !ok {
		t.Fatalf("expected extension, ok=%v err=%v", ok, err)
	}
	if want := clock.Now().Add(time.Minute); !extended.Configuration().LockAtMostUntil().Equal(want) {
		t.Fatalf("expected new deadline %s, got %s", want, extended.Configuration().LockAtMostUntil())
	}
	if _, _, err := held.Extend(context.Background(), time.Minute, 0); !errors.Is(err, ErrLockReleased) {
		t.Fatalf("expected old handle to be released, got %v", err)
	}
	held.Unlock(context.Background())
	if len(accessor.unlocked) != 0 {
		t.Fatal("unlocking the replaced handle must not write")
	}

	if _, ok, err := extended.Extend(context.Background(), time.Minute, 0); ok || err != nil {
		t.Fatalf("expected lost extension to report false, ok=%v err=%v", ok, err)
	}
	if _, _, err := extended.Extend(context.Background(), time.Minute, 2*time.Minute); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected invalid extension to fail validation, got %v", err)
	}
}

func TestProvider_HealthCheckAndClose(t *testing.T) {
	provider, _, _ := newTestProvider(t, &scriptedAccessor{})
	if err := provider.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected nil health check for accessor without checker, got %v", err)
	}
	if err := provider.Close(); err != nil {
		t.Fatalf("expected nil close, got %v", err)
	}
	if _, _, err := provider.FindRecord(context.Background(), "report"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected unsupported record read, got %v", err)
	}
}
