// Package badgerstore keeps lock records in an embedded Badger database. It
// coordinates goroutines and processes sharing one database directory only.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

var (
	keyPrefix = []byte("lock:")

	// errNotApplied aborts a transaction whose precondition does not hold.
	errNotApplied = errors.New("precondition not met")
)

// Config configures the Badger accessor.
type Config struct {
	// Path is the database directory. Empty runs in memory.
	Path   string
	Holder string
}

type entry struct {
	LockUntil time.Time `json:"lock_until"`
	LockedAt  time.Time `json:"locked_at"`
	LockedBy  string    `json:"locked_by"`
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	db     *badger.DB
	log    logger.Logger
	clock  lock.Clock
	holder string
	ownsDB bool
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if log == nil {
		log = logger.Nop()
	}
	opts := badger.DefaultOptions(cfg.Path).WithLogger(badgerLogger{log: log})
	if strings.TrimSpace(cfg.Path) == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q failed: %w", cfg.Path, err)
	}
	accessor := NewAccessor(db, cfg.Holder, clock, log)
	accessor.ownsDB = true
	return accessor, nil
}

// NewAccessor wraps an open database. Close leaves it open.
func NewAccessor(db *badger.DB, holder string, clock lock.Clock, log logger.Logger) *Accessor {
	if strings.TrimSpace(holder) == "" {
		holder = lock.DefaultHolder()
	}
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{db: db, log: log, clock: clock, holder: holder}
}

// Backend returns "badger".
func (a *Accessor) Backend() string { return "badger" }

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(_ context.Context, cfg lock.Configuration) (bool, error) {
	return a.apply(cfg.Name(), func(current *entry) (*entry, error) {
		if current != nil {
			return nil, errNotApplied
		}
		return a.newEntry(cfg), nil
	})
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(_ context.Context, cfg lock.Configuration) (bool, error) {
	return a.apply(cfg.Name(), func(current *entry) (*entry, error) {
		if current == nil || current.LockUntil.After(a.clock.Now()) {
			return nil, errNotApplied
		}
		return a.newEntry(cfg), nil
	})
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(_ context.Context, cfg lock.Configuration) error {
	_, err := a.apply(cfg.Name(), func(current *entry) (*entry, error) {
		if current == nil {
			return nil, errNotApplied
		}
		current.LockUntil = cfg.UnlockTime(a.clock.Now()).UTC()
		return current, nil
	})
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(_ context.Context, cfg lock.Configuration) (bool, error) {
	return a.apply(cfg.Name(), func(current *entry) (*entry, error) {
		if current == nil || current.LockedBy != a.holder || !current.LockUntil.After(a.clock.Now()) {
			return nil, errNotApplied
		}
		current.LockUntil = cfg.LockAtMostUntil().UTC()
		return current, nil
	})
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(_ context.Context, name string) (lock.Record, bool, error) {
	var (
		record lock.Record
		found  bool
	)
	err := a.db.View(func(txn *badger.Txn) error {
		current, err := read(txn, name)
		if err != nil || current == nil {
			return err
		}
		record, found = current.record(name), true
		return nil
	})
	return record, found, err
}

// Records lists every stored lock record.
func (a *Accessor) Records(_ context.Context) ([]lock.Record, error) {
	records := []lock.Record{}
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			var current entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &current) }); err != nil {
				return err
			}
			records = append(records, current.record(string(item.Key()[len(keyPrefix):])))
		}
		return nil
	})
	return records, err
}

// DeleteRecord removes a lock record.
func (a *Accessor) DeleteRecord(_ context.Context, name string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(name))
	})
}

// HealthCheck reports whether the database is still open.
func (a *Accessor) HealthCheck(context.Context) error {
	if a.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Close closes the database when the accessor opened it.
func (a *Accessor) Close() error {
	if !a.ownsDB {
		return nil
	}
	return a.db.Close()
}

// apply runs a read-compare-set transaction. A conflicting concurrent commit
// counts as losing the race.
func (a *Accessor) apply(name string, mutate func(current *entry) (*entry, error)) (bool, error) {
	err := a.db.Update(func(txn *badger.Txn) error {
		current, err := read(txn, name)
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set(key(name), payload)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNotApplied), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

func (a *Accessor) newEntry(cfg lock.Configuration) *entry {
	return &entry{
		LockUntil: cfg.LockAtMostUntil().UTC(),
		LockedAt:  a.clock.Now().UTC(),
		LockedBy:  a.holder,
	}
}

func read(txn *badger.Txn, name string) (*entry, error) {
	item, err := txn.Get(key(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var current entry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &current) }); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", name, err)
	}
	return &current, nil
}

func (e entry) record(name string) lock.Record {
	return lock.Record{Name: name, LockUntil: e.LockUntil.UTC(), LockedAt: e.LockedAt.UTC(), LockedBy: e.LockedBy}
}

func key(name string) []byte {
	return append(append([]byte{}, keyPrefix...), name...)
}

// badgerLogger routes badger's printf-style logging into the structured logger.
type badgerLogger struct {
	log logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
