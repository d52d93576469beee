// Package mongostore keeps lock records as MongoDB documents keyed by lock name.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	defaultCollection       = "shedLock"
	defaultConnectTimeout   = 5 * time.Second
	defaultOperationTimeout = 3 * time.Second

	fieldLockUntil = "lockUntil"
	fieldLockedAt  = "lockedAt"
	fieldLockedBy  = "lockedBy"
)

// Config configures the MongoDB accessor.
type Config struct {
	URL              string
	Database         string
	Collection       string
	Holder           string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Collection) == "" {
		c.Collection = defaultCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if strings.TrimSpace(c.Holder) == "" {
		c.Holder = lock.DefaultHolder()
	}
}

type document struct {
	Name      string    `bson:"_id"`
	LockUntil time.Time `bson:"lockUntil"`
	LockedAt  time.Time `bson:"lockedAt"`
	LockedBy  string    `bson:"lockedBy"`
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	coll    *mongo.Collection
	client  *mongo.Client
	log     logger.Logger
	clock   lock.Clock
	holder  string
	timeout time.Duration
}

// NewAccessor connects to cfg.URL and uses cfg.Database/cfg.Collection.
func NewAccessor(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: mongodb URL is required", lock.ErrInvalidConfiguration)
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("%w: mongodb database is required", lock.ErrInvalidConfiguration)
	}
	cfg.normalize()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	accessor := NewAccessorFromCollection(client.Database(cfg.Database).Collection(cfg.Collection), cfg, clock, log)
	accessor.client = client
	accessor.log.Info("mongodb lock store ready", "database", cfg.Database, "collection", cfg.Collection)
	return accessor, nil
}

// NewAccessorFromCollection wraps an existing collection. Close leaves its client connected.
func NewAccessorFromCollection(coll *mongo.Collection, cfg Config, clock lock.Clock, log logger.Logger) *Accessor {
	cfg.normalize()
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{
		coll:    coll,
		log:     log,
		clock:   clock,
		holder:  cfg.Holder,
		timeout: cfg.OperationTimeout,
	}
}

// Backend returns "mongodb".
func (a *Accessor) Backend() string { return "mongodb" }

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.coll.InsertOne(ctx, document{
		Name:      cfg.Name(),
		LockUntil: bsonTime(cfg.LockAtMostUntil()),
		LockedAt:  bsonTime(a.clock.Now()),
		LockedBy:  a.holder,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	now := bsonTime(a.clock.Now())
	result, err := a.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: cfg.Name()}, {Key: fieldLockUntil, Value: bson.D{{Key: "$lte", Value: now}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: fieldLockUntil, Value: bsonTime(cfg.LockAtMostUntil())},
			{Key: fieldLockedAt, Value: now},
			{Key: fieldLockedBy, Value: a.holder},
		}}},
	)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: cfg.Name()}},
		bson.D{{Key: "$set", Value: bson.D{{Key: fieldLockUntil, Value: bsonTime(cfg.UnlockTime(a.clock.Now()))}}}},
	)
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	result, err := a.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: cfg.Name()},
			{Key: fieldLockedBy, Value: a.holder},
			{Key: fieldLockUntil, Value: bson.D{{Key: "$gt", Value: bsonTime(a.clock.Now())}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: fieldLockUntil, Value: bsonTime(cfg.LockAtMostUntil())}}}},
	)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var doc document
	err := a.coll.FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return lock.Record{}, false, nil
	}
	if err != nil {
		return lock.Record{}, false, err
	}
	return lock.Record{
		Name:      doc.Name,
		LockUntil: doc.LockUntil.UTC(),
		LockedAt:  doc.LockedAt.UTC(),
		LockedBy:  doc.LockedBy,
	}, true, nil
}

// DeleteRecord removes a lock document.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: name}})
	return err
}

// HealthCheck pings the primary.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects the client when the accessor created it.
func (a *Accessor) Close() error {
	if a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	return nil
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// bsonTime matches the millisecond resolution of BSON dates.
func bsonTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
