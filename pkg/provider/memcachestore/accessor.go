// Package memcachestore keeps lock records in memcached. Inserts use "add";
// every other write is a "gets" followed by a "cas" on the returned token.
//
// Memcached may evict records under memory pressure. An evicted record reads
// as absent, so the lock becomes free; size the cache accordingly.
package memcachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	defaultPrefix = "shedlock:"
	maxKeyLength  = 250
)

// Config configures the memcached accessor.
type Config struct {
	Addresses []string
	Prefix    string
	Holder    string
	Timeout   time.Duration
	// ExpireAfter lets memcached drop a record this long after its
	// lockUntil. Zero keeps records until evicted.
	ExpireAfter time.Duration
}

type value struct {
	LockUntil int64  `json:"u"`
	LockedAt  int64  `json:"a"`
	LockedBy  string `json:"b"`
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	client *textClient
	log    logger.Logger
	clock  lock.Clock
	prefix string
	holder string
	expire time.Duration
}

// NewAccessor creates an accessor for cfg.Addresses. Keys are spread over
// servers by hash.
func NewAccessor(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	client, err := newTextClient(cfg.Addresses, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lock.ErrInvalidConfiguration, err)
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	holder := cfg.Holder
	if strings.TrimSpace(holder) == "" {
		holder = lock.DefaultHolder()
	}
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{client: client, log: log, clock: clock, prefix: prefix, holder: holder, expire: cfg.ExpireAfter}, nil
}

// Backend returns "memcached".
func (a *Accessor) Backend() string { return "memcached" }

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	payload, err := json.Marshal(a.newValue(cfg))
	if err != nil {
		return false, err
	}
	key, err := a.key(cfg.Name())
	if err != nil {
		return false, err
	}
	return stored(a.client.add(ctx, key, payload, a.exptime(cfg.LockAtMostUntil())))
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	return a.compareAndSwap(ctx, cfg.Name(), func(current *value) bool {
		if current.LockUntil > a.clock.Now().UnixMilli() {
			return false
		}
		*current = a.newValue(cfg)
		return true
	})
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	_, err := a.compareAndSwap(ctx, cfg.Name(), func(current *value) bool {
		current.LockUntil = cfg.UnlockTime(a.clock.Now()).UnixMilli()
		return true
	})
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	return a.compareAndSwap(ctx, cfg.Name(), func(current *value) bool {
		if current.LockedBy != a.holder || current.LockUntil <= a.clock.Now().UnixMilli() {
			return false
		}
		current.LockUntil = cfg.LockAtMostUntil().UnixMilli()
		return true
	})
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	current, _, err := a.read(ctx, name)
	if errors.Is(err, errNotFound) {
		return lock.Record{}, false, nil
	}
	if err != nil {
		return lock.Record{}, false, err
	}
	return lock.Record{
		Name:      name,
		LockUntil: time.UnixMilli(current.LockUntil).UTC(),
		LockedAt:  time.UnixMilli(current.LockedAt).UTC(),
		LockedBy:  current.LockedBy,
	}, true, nil
}

// DeleteRecord removes a lock record.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	key, err := a.key(name)
	if err != nil {
		return err
	}
	if err := a.client.delete(ctx, key); err != nil && !errors.Is(err, errNotFound) {
		return err
	}
	return nil
}

// HealthCheck asks every server for its version.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	if err := a.client.version(ctx); err != nil {
		return fmt.Errorf("memcached health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; connections are not pooled.
func (a *Accessor) Close() error { return nil }

// compareAndSwap reads the record, lets mutate change it and writes it back
// with the cas token. mutate returning false leaves the record untouched.
func (a *Accessor) compareAndSwap(ctx context.Context, name string, mutate func(current *value) bool) (bool, error) {
	key, err := a.key(name)
	if err != nil {
		return false, err
	}
	current, token, err := a.read(ctx, name)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !mutate(&current) {
		return false, nil
	}
	payload, err := json.Marshal(current)
	if err != nil {
		return false, err
	}
	err = a.client.cas(ctx, key, payload, a.exptime(time.UnixMilli(current.LockUntil)), token)
	if errors.Is(err, errExists) {
		a.log.Debug("memcached cas lost", "lock", name)
	}
	return stored(err)
}

func (a *Accessor) read(ctx context.Context, name string) (value, uint64, error) {
	key, err := a.key(name)
	if err != nil {
		return value{}, 0, err
	}
	payload, token, err := a.client.gets(ctx, key)
	if err != nil {
		return value{}, 0, err
	}
	var current value
	if err := json.Unmarshal(payload, &current); err != nil {
		return value{}, 0, fmt.Errorf("decode lock %s: %w", name, err)
	}
	return current, token, nil
}

func (a *Accessor) newValue(cfg lock.Configuration) value {
	return value{
		LockUntil: cfg.LockAtMostUntil().UnixMilli(),
		LockedAt:  a.clock.Now().UnixMilli(),
		LockedBy:  a.holder,
	}
}

// key rejects names the text protocol cannot carry.
func (a *Accessor) key(name string) (string, error) {
	key := a.prefix + name
	if len(key) > maxKeyLength || strings.IndexFunc(key, func(r rune) bool { return r <= ' ' || r == 0x7f }) >= 0 {
		return "", fmt.Errorf("%w: lock name %q is not a valid memcached key", lock.ErrInvalidArgument, name)
	}
	return key, nil
}

func (a *Accessor) exptime(lockUntil time.Time) int {
	if a.expire <= 0 {
		return 0
	}
	now := a.clock.Now()
	ttl := lockUntil.Add(a.expire).Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttlToSeconds(ttl, now)
}

// stored maps the "someone else wrote first" replies to (false, nil).
func stored(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNotStored), errors.Is(err, errExists), errors.Is(err, errNotFound):
		return false, nil
	default:
		return false, err
	}
}
