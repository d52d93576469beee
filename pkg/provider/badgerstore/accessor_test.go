package badgerstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/lock/locktest"
	"github.com/nimburion/shedlock/pkg/testutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openInMemory(t *testing.T, holder string, clock lock.Clock) *Accessor {
	t.Helper()
	a, err := Open(Config{Holder: holder}, clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAccessorConformance(t *testing.T) {
	admin := openInMemory(t, "admin", nil)
	locktest.RunProviderSuite(t, locktest.Harness{
		NewAccessor: func(_ *testing.T, clock lock.Clock, holder string) lock.StorageAccessor {
			return NewAccessor(admin.db, holder, clock, nil)
		},
		DeleteRecord: func(t *testing.T, name string) {
			require.NoError(t, admin.DeleteRecord(context.Background(), name))
		},
		SupportsExtend: true,
	})
}

func TestOpen_OnDisk(t *testing.T) {
	dir := t.TempDir()
	clock := lock.ClockFunc(func() time.Time { return testNow })
	cfg, err := lock.NewConfigurationFor(testNow, "compaction", time.Minute, 0)
	require.NoError(t, err)

	a, err := Open(Config{Path: dir, Holder: "node-a"}, clock, nil)
	require.NoError(t, err)
	inserted, err := a.Insert(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, a.Close())
	assert.Error(t, a.HealthCheck(context.Background()))

	reopened, err := Open(Config{Path: dir, Holder: "node-b"}, clock, nil)
	require.NoError(t, err)
	defer reopened.Close()

	record, found, err := reopened.FindRecord(context.Background(), "compaction")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "node-a", record.LockedBy)
	assert.True(t, record.LockUntil.Equal(testNow.Add(time.Minute)))
}

func TestRecords(t *testing.T) {
	a := openInMemory(t, "node-a", lock.ClockFunc(func() time.Time { return testNow }))
	for _, name := range []string{"alpha", "beta"} {
		cfg, err := lock.NewConfigurationFor(testNow, name, time.Minute, 0)
		require.NoError(t, err)
		_, err = a.Insert(context.Background(), cfg)
		require.NoError(t, err)
	}

	records, err := a.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].Name)
	assert.Equal(t, "beta", records[1].Name)
}

func TestConcurrentInsertHasSingleWinner(t *testing.T) {
	a := openInMemory(t, "node-a", nil)
	cfg, err := lock.NewConfigurationFor(time.Now(), "race", time.Minute, 0)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := a.Insert(context.Background(), cfg)
			assert.NoError(t, err)
			if inserted {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestBadgerLoggerRoutesToStructuredLogger(t *testing.T) {
	log := &testutil.MockLogger{}
	l := badgerLogger{log: log}
	l.Errorf("disk %s\n", "full")
	l.Warningf("slow")

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "disk full", entries[0].Msg)
	assert.Equal(t, "error", entries[0].Level)
}
