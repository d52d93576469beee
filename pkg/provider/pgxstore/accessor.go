// Package pgxstore stores lock records in PostgreSQL through a pgx connection pool.
package pgxstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	defaultTable            = "shedlock"
	defaultOperationTimeout = 3 * time.Second
	uniqueViolation         = "23505"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// Config configures the pgx accessor.
type Config struct {
	URL              string
	Table            string
	Holder           string
	MaxConns         int32
	OperationTimeout time.Duration
	CreateSchema     bool
}

func (c *Config) normalize() error {
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultTable
	}
	if !validTableName.MatchString(c.Table) {
		return fmt.Errorf("%w: invalid table name %q", lock.ErrInvalidConfiguration, c.Table)
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if strings.TrimSpace(c.Holder) == "" {
		c.Holder = lock.DefaultHolder()
	}
	return nil
}

// querier is the subset of *pgxpool.Pool and pgx.Tx the accessor needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pool interface {
	querier
	Ping(ctx context.Context) error
	Close()
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	pool   pool
	log    logger.Logger
	clock  lock.Clock
	config Config
	ownsDB bool

	schemaSQL string
	insertSQL string
	updateSQL string
	unlockSQL string
	extendSQL string
	findSQL   string
	deleteSQL string
}

// NewAccessor creates a pgxpool for cfg.URL.
func NewAccessor(ctx context.Context, cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: postgres url is required", lock.ErrInvalidConfiguration)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres url: %v", lock.ErrInvalidConfiguration, err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	p, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}
	if err := p.Ping(connectCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}

	accessor, err := newAccessor(p, cfg, clock, log)
	if err != nil {
		p.Close()
		return nil, err
	}
	accessor.ownsDB = true
	if cfg.CreateSchema {
		if err := accessor.EnsureSchema(connectCtx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return accessor, nil
}

// NewAccessorFromPool wraps an existing pool. Close leaves the pool open.
func NewAccessorFromPool(p *pgxpool.Pool, cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: pool is required", lock.ErrInvalidArgument)
	}
	return newAccessor(p, cfg, clock, log)
}

func newAccessor(p pool, cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	t := cfg.Table
	return &Accessor{
		pool:   p,
		log:    log,
		clock:  clock,
		config: cfg,
		schemaSQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) NOT NULL PRIMARY KEY,
	lock_until TIMESTAMP(3) NOT NULL,
	locked_at TIMESTAMP(3) NOT NULL,
	locked_by VARCHAR(255) NOT NULL
)`, t),
		insertSQL: fmt.Sprintf("INSERT INTO %s (name, lock_until, locked_at, locked_by) VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING", t),
		updateSQL: fmt.Sprintf("UPDATE %s SET lock_until = $1, locked_at = $2, locked_by = $3 WHERE name = $4 AND lock_until <= $2", t),
		unlockSQL: fmt.Sprintf("UPDATE %s SET lock_until = $1 WHERE name = $2", t),
		extendSQL: fmt.Sprintf("UPDATE %s SET lock_until = $1 WHERE name = $2 AND locked_by = $3 AND lock_until > $4", t),
		findSQL:   fmt.Sprintf("SELECT name, lock_until, locked_at, locked_by FROM %s WHERE name = $1", t),
		deleteSQL: fmt.Sprintf("DELETE FROM %s WHERE name = $1", t),
	}, nil
}

// Backend returns "pgx".
func (a *Accessor) Backend() string { return "pgx" }

// EnsureSchema creates the lock table when missing.
func (a *Accessor) EnsureSchema(ctx context.Context) error {
	if _, err := a.exec(ctx, a.schemaSQL); err != nil {
		return fmt.Errorf("create lock table %s failed: %w", a.config.Table, err)
	}
	return nil
}

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	tag, err := a.exec(ctx, a.insertSQL, cfg.Name(), dbTime(cfg.LockAtMostUntil()), dbTime(a.clock.Now()), a.config.Holder)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	tag, err := a.exec(ctx, a.updateSQL, dbTime(cfg.LockAtMostUntil()), dbTime(a.clock.Now()), a.config.Holder, cfg.Name())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	_, err := a.exec(ctx, a.unlockSQL, dbTime(cfg.UnlockTime(a.clock.Now())), cfg.Name())
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	tag, err := a.exec(ctx, a.extendSQL, dbTime(cfg.LockAtMostUntil()), cfg.Name(), a.config.Holder, dbTime(a.clock.Now()))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var record lock.Record
	err := a.querier(ctx).QueryRow(opCtx, a.findSQL, name).
		Scan(&record.Name, &record.LockUntil, &record.LockedAt, &record.LockedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return lock.Record{}, false, nil
	}
	if err != nil {
		return lock.Record{}, false, err
	}
	record.LockUntil = record.LockUntil.UTC()
	record.LockedAt = record.LockedAt.UTC()
	return record, true, nil
}

// DeleteRecord removes a lock row.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	_, err := a.exec(ctx, a.deleteSQL, name)
	return err
}

// HealthCheck pings the pool.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close closes the pool when the accessor created it.
func (a *Accessor) Close() error {
	if a.ownsDB {
		a.pool.Close()
	}
	return nil
}

func (a *Accessor) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	return a.querier(ctx).Exec(opCtx, sql, args...)
}

func (a *Accessor) querier(ctx context.Context) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return a.pool
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

type txKey struct{}

// WithTx runs accessor calls made with the returned context inside tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored by WithTx.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}
