package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/provider/inmemory"
	"github.com/nimburion/shedlock/pkg/testutil"
)

type sharedCounter struct{ runs atomic.Int32 }

func (c *sharedCounter) Run(context.Context) error {
	c.runs.Add(1)
	return nil
}

func TestRuntime_Property_LockAtLeastForAllowsOneRunAcrossNodes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("a run holding the lock for at least an hour blocks every later trigger", prop.ForAll(
		func(onNodeA []bool) bool {
			store := inmemory.NewStore()
			counter := &sharedCounter{}
			runtimes := map[bool]*Runtime{}
			for _, isA := range []bool{true, false} {
				holder := "node-b"
				if isA {
					holder = "node-a"
				}
				provider, err := lock.NewStorageBasedProvider(inmemory.NewAccessor(store, nil, holder))
				if err != nil {
					return false
				}
				manager, err := lock.NewManager(lock.ManagerConfig{
					Provider:  provider,
					Extractor: lock.DefaultExtractor{DefaultLockAtMostFor: 2 * time.Hour},
				})
				if err != nil {
					return false
				}
				runtime, err := NewRuntime(manager, &testutil.MockLogger{}, Config{})
				if err != nil {
					return false
				}
				if err := runtime.Register(Task{
					Name:           "billing-close-day",
					Schedule:       "@every 1h",
					LockAtLeastFor: time.Hour,
					Job:            counter,
				}); err != nil {
					return false
				}
				runtimes[isA] = runtime
			}

			executions := 0
			for _, isA := range onNodeA {
				executed, err := runtimes[isA].Trigger(context.Background(), "billing-close-day")
				if err != nil {
					return false
				}
				if executed {
					executions++
				}
			}

			expected := 0
			if len(onNodeA) > 0 {
				expected = 1
			}
			return executions == expected && int(counter.runs.Load()) == expected
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
