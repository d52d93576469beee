// Package redisstore keeps lock records in Redis hashes. Every write is a Lua
// script so the compare and the set happen atomically on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	defaultPrefix           = "shedlock"
	defaultOperationTimeout = 3 * time.Second

	fieldLockUntil = "lockUntil"
	fieldLockedAt  = "lockedAt"
	fieldLockedBy  = "lockedBy"
)

// KEYS[1] = record key
// ARGV: lockUntil ms, now ms, holder, expireAt ms (0 keeps the key)
var (
	insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "lockUntil", ARGV[1], "lockedAt", ARGV[2], "lockedBy", ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[4])
end
return 1
`)

	updateScript = redis.NewScript(`
local lockUntil = redis.call("HGET", KEYS[1], "lockUntil")
if not lockUntil or tonumber(lockUntil) > tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "lockUntil", ARGV[1], "lockedAt", ARGV[2], "lockedBy", ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[4])
end
return 1
`)

	unlockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "lockUntil", ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[2])
end
return 1
`)

	extendScript = redis.NewScript(`
local lockUntil = redis.call("HGET", KEYS[1], "lockUntil")
local lockedBy = redis.call("HGET", KEYS[1], "lockedBy")
if not lockUntil or lockedBy ~= ARGV[3] or tonumber(lockUntil) <= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "lockUntil", ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[4])
end
return 1
`)
)

// Config configures the Redis accessor.
type Config struct {
	URL              string
	Prefix           string
	Holder           string
	MaxConns         int
	OperationTimeout time.Duration
	// ExpireAfter lets Redis drop a record this long after its lockUntil.
	// Zero keeps records forever.
	ExpireAfter time.Duration
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if strings.TrimSpace(c.Holder) == "" {
		c.Holder = lock.DefaultHolder()
	}
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	client     redis.UniversalClient
	log        logger.Logger
	clock      lock.Clock
	config     Config
	ownsClient bool
}

// NewAccessor connects to cfg.URL.
func NewAccessor(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: redis url is required", lock.ErrInvalidConfiguration)
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: parse redis url failed", lock.ErrInvalidConfiguration), err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	accessor := NewAccessorWithClient(client, cfg, clock, log)
	accessor.ownsClient = true
	return accessor, nil
}

// NewAccessorWithClient wraps an existing client. Close leaves it open.
func NewAccessorWithClient(client redis.UniversalClient, cfg Config, clock lock.Clock, log logger.Logger) *Accessor {
	cfg.normalize()
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{client: client, log: log, clock: clock, config: cfg}
}

// Backend returns "redis".
func (a *Accessor) Backend() string { return "redis" }

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	lockUntil := cfg.LockAtMostUntil()
	return a.run(ctx, insertScript, cfg.Name(), millis(lockUntil), millis(a.clock.Now()), a.config.Holder, a.expireAt(lockUntil))
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	lockUntil := cfg.LockAtMostUntil()
	return a.run(ctx, updateScript, cfg.Name(), millis(lockUntil), millis(a.clock.Now()), a.config.Holder, a.expireAt(lockUntil))
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	lockUntil := cfg.UnlockTime(a.clock.Now())
	_, err := a.run(ctx, unlockScript, cfg.Name(), millis(lockUntil), a.expireAt(lockUntil))
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	lockUntil := cfg.LockAtMostUntil()
	return a.run(ctx, extendScript, cfg.Name(), millis(lockUntil), millis(a.clock.Now()), a.config.Holder, a.expireAt(lockUntil))
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	fields, err := a.client.HGetAll(opCtx, a.key(name)).Result()
	if err != nil {
		return lock.Record{}, false, err
	}
	if len(fields) == 0 {
		return lock.Record{}, false, nil
	}
	lockUntil, err := parseMillis(fields[fieldLockUntil])
	if err != nil {
		return lock.Record{}, false, fmt.Errorf("decode %s: %w", fieldLockUntil, err)
	}
	lockedAt, err := parseMillis(fields[fieldLockedAt])
	if err != nil {
		return lock.Record{}, false, fmt.Errorf("decode %s: %w", fieldLockedAt, err)
	}
	return lock.Record{Name: name, LockUntil: lockUntil, LockedAt: lockedAt, LockedBy: fields[fieldLockedBy]}, true, nil
}

// DeleteRecord removes a lock record.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	return a.client.Del(opCtx, a.key(name)).Err()
}

// HealthCheck pings Redis.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	if err := a.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client when the accessor created it.
func (a *Accessor) Close() error {
	if !a.ownsClient {
		return nil
	}
	return a.client.Close()
}

func (a *Accessor) run(ctx context.Context, script *redis.Script, name string, args ...any) (bool, error) {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	result, err := script.Run(opCtx, a.client, []string{a.key(name)}, args...).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (a *Accessor) key(name string) string {
	return a.config.Prefix + ":" + name
}

func (a *Accessor) expireAt(lockUntil time.Time) int64 {
	if a.config.ExpireAfter <= 0 {
		return 0
	}
	return millis(lockUntil.Add(a.config.ExpireAfter))
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func parseMillis(value string) (time.Time, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
