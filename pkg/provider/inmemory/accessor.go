// Package inmemory keeps lock records in process memory. Use it for tests and
// single-process deployments; it coordinates nothing across processes.
package inmemory

import (
	"context"
	"strings"
	"sync"

	"github.com/nimburion/shedlock/pkg/lock"
)

// Store is the shared record table. Accessors created from one Store see
// the same records.
type Store struct {
	mu      sync.Mutex
	records map[string]lock.Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: map[string]lock.Record{}}
}

// Delete removes a record.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
}

// Accessor writes to a Store as one holder.
type Accessor struct {
	store  *Store
	clock  lock.Clock
	holder string
}

// NewAccessor creates an accessor over store. Empty holder defaults to lock.DefaultHolder().
func NewAccessor(store *Store, clock lock.Clock, holder string) *Accessor {
	if store == nil {
		store = NewStore()
	}
	if clock == nil {
		clock = lock.SystemClock()
	}
	if strings.TrimSpace(holder) == "" {
		holder = lock.DefaultHolder()
	}
	return &Accessor{store: store, clock: clock, holder: holder}
}

// Backend returns the backend label.
func (a *Accessor) Backend() string { return "inmemory" }

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(_ context.Context, cfg lock.Configuration) (bool, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if _, exists := a.store.records[cfg.Name()]; exists {
		return false, nil
	}
	a.store.records[cfg.Name()] = a.record(cfg)
	return true, nil
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(_ context.Context, cfg lock.Configuration) (bool, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	current, exists := a.store.records[cfg.Name()]
	if !exists || current.Held(a.clock.Now()) {
		return false, nil
	}
	a.store.records[cfg.Name()] = a.record(cfg)
	return true, nil
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(_ context.Context, cfg lock.Configuration) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	current, exists := a.store.records[cfg.Name()]
	if !exists {
		return nil
	}
	current.LockUntil = cfg.UnlockTime(a.clock.Now())
	a.store.records[cfg.Name()] = current
	return nil
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(_ context.Context, cfg lock.Configuration) (bool, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	current, exists := a.store.records[cfg.Name()]
	if !exists || current.LockedBy != a.holder || !current.Held(a.clock.Now()) {
		return false, nil
	}
	current.LockUntil = cfg.LockAtMostUntil()
	a.store.records[cfg.Name()] = current
	return true, nil
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(_ context.Context, name string) (lock.Record, bool, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	record, exists := a.store.records[name]
	return record, exists, nil
}

// DeleteRecord removes the record for name.
func (a *Accessor) DeleteRecord(_ context.Context, name string) error {
	a.store.Delete(name)
	return nil
}

func (a *Accessor) record(cfg lock.Configuration) lock.Record {
	return lock.Record{
		Name:      cfg.Name(),
		LockUntil: cfg.LockAtMostUntil(),
		LockedAt:  a.clock.Now(),
		LockedBy:  a.holder,
	}
}
