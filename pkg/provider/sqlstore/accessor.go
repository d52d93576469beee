// Package sqlstore stores lock records in a relational table through
// database/sql. PostgreSQL (lib/pq) and MySQL (go-sql-driver/mysql) are
// supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	defaultTable            = "shedlock"
	defaultOperationTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// Config configures the SQL accessor.
type Config struct {
	Dialect          Dialect
	URL              string
	Table            string
	Holder           string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	OperationTimeout time.Duration
	// CreateSchema runs EnsureSchema when the accessor is opened.
	CreateSchema bool
}

func (c *Config) normalize() error {
	if c.Dialect == "" {
		c.Dialect = DialectPostgres
	}
	if _, err := ParseDialect(string(c.Dialect)); err != nil {
		return fmt.Errorf("%w: %v", lock.ErrInvalidConfiguration, err)
	}
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

// Accessor implements lock.StorageAccessor, lock.Extender and
// lock.RecordReader on a single table.
type Accessor struct {
	db     *sql.DB
	log    logger.Logger
	clock  lock.Clock
	config Config
	stmts  statements
	ownsDB bool
}

// NewAccessor opens a connection pool for cfg.URL and verifies it.
func NewAccessor(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: database url is required", lock.ErrInvalidConfiguration)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	dsn := cfg.URL
	if cfg.Dialect == DialectMySQL {
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", lock.ErrInvalidConfiguration, err)
		}
		dsn = normalized
	}

	db, err := sql.Open(cfg.Dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", cfg.Dialect, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s failed: %w", cfg.Dialect, err)
	}

	accessor, err := NewAccessorFromDB(db, cfg, clock, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	accessor.ownsDB = true
	if cfg.CreateSchema {
		if err := accessor.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	accessor.log.Info("sql lock store ready", "table", accessor.config.Table)
	return accessor, nil
}

// NewAccessorFromDB wraps an existing pool. Close does not close db.
func NewAccessorFromDB(db *sql.DB, cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is required", lock.ErrInvalidArgument)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{
		db:     db,
		log:    log.With("dialect", string(cfg.Dialect)),
		clock:  clock,
		config: cfg,
		stmts:  cfg.Dialect.statements(cfg.Table),
	}, nil
}

// Backend returns the dialect name.
func (a *Accessor) Backend() string { return string(a.config.Dialect) }

// Holder returns the value written to locked_by.
func (a *Accessor) Holder() string { return a.config.Holder }

// DB returns the underlying pool.
func (a *Accessor) DB() *sql.DB { return a.db }

// EnsureSchema creates the lock table when missing.
func (a *Accessor) EnsureSchema(ctx context.Context) error {
	if _, err := a.exec(ctx, a.stmts.schema); err != nil {
		return fmt.Errorf("create lock table %s failed: %w", a.config.Table, err)
	}
	return nil
}

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	now := a.now()
	result, err := a.exec(ctx, a.stmts.insert, cfg.Name(), dbTime(cfg.LockAtMostUntil()), now, a.config.Holder)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	return affected(result)
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	now := a.now()
	result, err := a.exec(ctx, a.stmts.update, dbTime(cfg.LockAtMostUntil()), now, a.config.Holder, cfg.Name(), now)
	if err != nil {
		return false, err
	}
	return affected(result)
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	_, err := a.exec(ctx, a.stmts.unlock, dbTime(cfg.UnlockTime(a.clock.Now())), cfg.Name())
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	result, err := a.exec(ctx, a.stmts.extend, dbTime(cfg.LockAtMostUntil()), cfg.Name(), a.config.Holder, a.now())
	if err != nil {
		return false, err
	}
	return affected(result)
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	queryCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var row *sql.Row
	if tx, ok := TxFromContext(ctx); ok {
		row = tx.QueryRowContext(queryCtx, a.stmts.find, name)
	} else {
		row = a.db.QueryRowContext(queryCtx, a.stmts.find, name)
	}

	var record lock.Record
	if err := row.Scan(&record.Name, &record.LockUntil, &record.LockedAt, &record.LockedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lock.Record{}, false, nil
		}
		return lock.Record{}, false, err
	}
	record.LockUntil = record.LockUntil.UTC()
	record.LockedAt = record.LockedAt.UTC()
	return record, true, nil
}

// DeleteRecord removes a lock row. Used by tooling and tests.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	_, err := a.exec(ctx, a.stmts.delete, name)
	return err
}

// HealthCheck pings the database.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", a.config.Dialect, err)
	}
	return nil
}

// Close closes the pool when the accessor opened it.
func (a *Accessor) Close() error {
	if !a.ownsDB {
		return nil
	}
	a.log.Info("closing sql lock store")
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

func (a *Accessor) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	queryCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	if tx, ok := TxFromContext(ctx); ok {
		return tx.ExecContext(queryCtx, query, args...)
	}
	return a.db.ExecContext(queryCtx, query, args...)
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func (a *Accessor) now() time.Time {
	return dbTime(a.clock.Now())
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// dbTime matches the millisecond precision of the lock columns.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

type contextKey struct{}

// WithTx makes accessor calls made with the returned context run inside tx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// TxFromContext extracts a transaction stored by WithTx.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(contextKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}
