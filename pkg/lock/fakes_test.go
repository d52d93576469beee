package lock

import (
	"context"
	"sync"
	"time"
)

type outcome struct {
	ok  bool
	err error
}

// scriptedAccessor replays queued outcomes; an empty queue means (false, nil).
type scriptedAccessor struct {
	mu        sync.Mutex
	inserts   []outcome
	updates   []outcome
	extends   []outcome
	unlockErr error
	calls     []string
	unlocked  []time.Time
	clock     Clock
}

func (a *scriptedAccessor) next(queue *[]outcome) (bool, error) {
	if len(*queue) == 0 {
		return false, nil
	}
	head := (*queue)[0]
	*queue = (*queue)[1:]
	return head.ok, head.err
}

func (a *scriptedAccessor) Insert(_ context.Context, _ Configuration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "insert")
	return a.next(&a.inserts)
}

func (a *scriptedAccessor) Update(_ context.Context, _ Configuration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "update")
	return a.next(&a.updates)
}

func (a *scriptedAccessor) Unlock(_ context.Context, cfg Configuration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "unlock")
	now := time.Now()
	if a.clock != nil {
		now = a.clock.Now()
	}
	a.unlocked = append(a.unlocked, cfg.UnlockTime(now))
	return a.unlockErr
}

func (a *scriptedAccessor) callLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *scriptedAccessor) resetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

// extendingAccessor adds Extender and RecordReader to scriptedAccessor.
type extendingAccessor struct {
	*scriptedAccessor
	findFound bool
	findErr   error
}

func (a *extendingAccessor) Extend(_ context.Context, _ Configuration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "extend")
	return a.next(&a.extends)
}

func (a *extendingAccessor) FindRecord(_ context.Context, name string) (Record, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "find")
	if a.findErr != nil || !a.findFound {
		return Record{}, false, a.findErr
	}
	return Record{Name: name}, true, nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustConfig(clock Clock, name string, atMostFor, atLeastFor time.Duration) Configuration {
	cfg, err := NewConfigurationFor(clock.Now(), name, atMostFor, atLeastFor)
	if err != nil {
		panic(err)
	}
	return cfg
}
