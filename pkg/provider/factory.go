// Package provider builds the configured lock backend.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/shedlock/pkg/config"
	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
	"github.com/nimburion/shedlock/pkg/provider/badgerstore"
	"github.com/nimburion/shedlock/pkg/provider/dynamostore"
	"github.com/nimburion/shedlock/pkg/provider/esstore"
	"github.com/nimburion/shedlock/pkg/provider/inmemory"
	"github.com/nimburion/shedlock/pkg/provider/memcachestore"
	"github.com/nimburion/shedlock/pkg/provider/mongostore"
	"github.com/nimburion/shedlock/pkg/provider/pgxstore"
	"github.com/nimburion/shedlock/pkg/provider/redisstore"
	"github.com/nimburion/shedlock/pkg/provider/s3store"
	"github.com/nimburion/shedlock/pkg/provider/sqlstore"
	"github.com/nimburion/shedlock/pkg/resilience"
)

// NewAccessor selects and opens the storage accessor named by cfg.Type.
// The caller owns the result and closes it when it implements io.Closer.
func NewAccessor(ctx context.Context, cfg config.BackendConfig, holder string, clock lock.Clock, log logger.Logger) (lock.StorageAccessor, error) {
	if log == nil {
		log = logger.Nop()
	}
	backendType := strings.ToLower(strings.TrimSpace(cfg.Type))
	log = log.With("backend", backendType)

	switch backendType {
	case config.BackendInMemory:
		return inmemory.NewAccessor(nil, clock, holder), nil
	case config.BackendPostgres, config.BackendMySQL:
		dialect, err := sqlstore.ParseDialect(backendType)
		if err != nil {
			return nil, err
		}
		return sqlstore.NewAccessor(sqlstore.Config{
			Dialect:          dialect,
			URL:              cfg.SQL.URL,
			Table:            cfg.SQL.Table,
			Holder:           holder,
			MaxOpenConns:     cfg.SQL.MaxOpenConns,
			MaxIdleConns:     cfg.SQL.MaxIdleConns,
			ConnMaxLifetime:  cfg.SQL.ConnMaxLifetime,
			OperationTimeout: cfg.OperationTimeout,
			CreateSchema:     cfg.SQL.CreateSchema,
		}, clock, log)
	case config.BackendPgx:
		return pgxstore.NewAccessor(ctx, pgxstore.Config{
			URL:              cfg.SQL.URL,
			Table:            cfg.SQL.Table,
			Holder:           holder,
			MaxConns:         int32(cfg.SQL.MaxOpenConns),
			OperationTimeout: cfg.OperationTimeout,
			CreateSchema:     cfg.SQL.CreateSchema,
		}, clock, log)
	case config.BackendMongoDB:
		return mongostore.NewAccessor(mongostore.Config{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			Collection:       cfg.MongoDB.Collection,
			Holder:           holder,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.OperationTimeout,
		}, clock, log)
	case config.BackendDynamoDB:
		return dynamostore.NewAccessor(dynamostore.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			Table:            cfg.DynamoDB.Table,
			Holder:           holder,
			OperationTimeout: cfg.OperationTimeout,
			CreateTable:      cfg.DynamoDB.CreateTable,
		}, clock, log)
	case config.BackendRedis:
		return redisstore.NewAccessor(redisstore.Config{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			Holder:           holder,
			MaxConns:         cfg.Redis.MaxConns,
			OperationTimeout: cfg.OperationTimeout,
			ExpireAfter:      cfg.Redis.ExpireAfter,
		}, clock, log)
	case config.BackendBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:   cfg.Badger.Path,
			Holder: holder,
		}, clock, log)
	case config.BackendS3:
		return s3store.NewAccessor(s3store.Config{
			Bucket:           cfg.S3.Bucket,
			Prefix:           cfg.S3.Prefix,
			Region:           cfg.S3.Region,
			Endpoint:         cfg.S3.Endpoint,
			AccessKeyID:      cfg.S3.AccessKeyID,
			SecretAccessKey:  cfg.S3.SecretAccessKey,
			SessionToken:     cfg.S3.SessionToken,
			UsePathStyle:     cfg.S3.UsePathStyle,
			Holder:           holder,
			OperationTimeout: cfg.OperationTimeout,
		}, clock, log)
	case config.BackendElasticsearch, config.BackendOpenSearch:
		return esstore.NewAccessor(esstore.Config{
			Flavor:           backendType,
			Addresses:        cfg.Search.URLs,
			Username:         cfg.Search.Username,
			Password:         cfg.Search.Password,
			APIKey:           cfg.Search.APIKey,
			Index:            cfg.Search.Index,
			Holder:           holder,
			MaxConns:         cfg.Search.MaxConns,
			OperationTimeout: cfg.OperationTimeout,
		}, clock, log)
	case config.BackendMemcached:
		return memcachestore.NewAccessor(memcachestore.Config{
			Addresses:   cfg.Memcached.Addresses,
			Prefix:      cfg.Memcached.Prefix,
			Holder:      holder,
			Timeout:     cfg.OperationTimeout,
			ExpireAfter: cfg.Memcached.ExpireAfter,
		}, clock, log)
	default:
		return nil, fmt.Errorf("%w: unsupported backend.type %q (supported: %s)",
			lock.ErrInvalidConfiguration, cfg.Type, strings.Join(config.SupportedBackends, ", "))
	}
}

// New opens the configured backend and returns a provider over it, guarded
// by a circuit breaker when lock.circuit_breaker.enabled is set.
func New(ctx context.Context, cfg *config.Config, clock lock.Clock, log logger.Logger) (*lock.StorageBasedProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", lock.ErrInvalidArgument)
	}
	if log == nil {
		log = logger.Nop()
	}
	if clock == nil {
		clock = lock.SystemClock()
	}

	accessor, err := NewAccessor(ctx, cfg.Backend, cfg.Lock.Holder, clock, log)
	if err != nil {
		return nil, err
	}

	if cfg.Lock.CircuitBreaker.Enabled {
		guarded, err := lock.NewGuardedAccessor(accessor, resilience.Config{
			MaxFailures: cfg.Lock.CircuitBreaker.MaxFailures,
			OpenTimeout: cfg.Lock.CircuitBreaker.OpenTimeout,
			Now:         clock.Now,
		}, log)
		if err != nil {
			return nil, err
		}
		accessor = guarded
	}

	return lock.NewStorageBasedProvider(accessor, lock.WithClock(clock), lock.WithLogger(log))
}

// schemaInitializer is implemented by accessors owning DDL.
type schemaInitializer interface {
	EnsureSchema(ctx context.Context) error
}

type tableInitializer interface {
	EnsureTable(ctx context.Context) error
}

// InitSchema creates the lock table when the backend has one. It reports
// false for backends that need no schema.
func InitSchema(ctx context.Context, accessor lock.StorageAccessor) (bool, error) {
	for current := accessor; current != nil; {
		switch typed := current.(type) {
		case schemaInitializer:
			return true, typed.EnsureSchema(ctx)
		case tableInitializer:
			return true, typed.EnsureTable(ctx)
		}
		wrapper, ok := current.(interface{ Unwrap() lock.StorageAccessor })
		if !ok {
			break
		}
		current = wrapper.Unwrap()
	}
	return false, nil
}

type recordDeleter interface {
	DeleteRecord(ctx context.Context, name string) error
}

// DeleteRecord removes a lock record regardless of lock_until. It is meant
// for operators clearing a lock left by a crashed holder with a long
// lockAtMostFor.
func DeleteRecord(ctx context.Context, accessor lock.StorageAccessor, name string) error {
	for current := accessor; current != nil; {
		if deleter, ok := current.(recordDeleter); ok {
			return deleter.DeleteRecord(ctx, name)
		}
		wrapper, ok := current.(interface{ Unwrap() lock.StorageAccessor })
		if !ok {
			break
		}
		current = wrapper.Unwrap()
	}
	return fmt.Errorf("%w: backend cannot delete lock records", lock.ErrInvalidArgument)
}
