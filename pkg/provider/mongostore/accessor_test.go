package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/nimburion/shedlock/pkg/lock"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) lock.Configuration {
	t.Helper()
	cfg, err := lock.NewConfigurationFor(testNow, "digest", time.Minute, 0)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	return cfg
}

func newTestAccessor(mt *mtest.T) *Accessor {
	return NewAccessorFromCollection(mt.Coll, Config{Holder: "node-a", OperationTimeout: time.Second},
		lock.ClockFunc(func() time.Time { return testNow }), nil)
}

func TestNewAccessor_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing url", cfg: Config{Database: "locks"}},
		{name: "missing database", cfg: Config{URL: "mongodb://localhost:27017"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAccessor(tt.cfg, nil, nil); !errors.Is(err, lock.ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestAccessor_WithMockDeployment(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert succeeds", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		inserted, err := newTestAccessor(mt).Insert(context.Background(), testConfig(t))
		if err != nil || !inserted {
			mt.Fatalf("insert = %v, %v", inserted, err)
		}
	})

	mt.Run("insert duplicate key reports false", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key error"}))
		inserted, err := newTestAccessor(mt).Insert(context.Background(), testConfig(t))
		if err != nil || inserted {
			mt.Fatalf("insert = %v, %v", inserted, err)
		}
	})

	mt.Run("insert other write error propagates", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 121, Message: "validation failed"}))
		if _, err := newTestAccessor(mt).Insert(context.Background(), testConfig(t)); err == nil {
			mt.Fatal("expected error")
		}
	})

	mt.Run("update uses matched count", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
		)
		a := newTestAccessor(mt)
		updated, err := a.Update(context.Background(), testConfig(t))
		if err != nil || !updated {
			mt.Fatalf("update = %v, %v", updated, err)
		}
		updated, err = a.Update(context.Background(), testConfig(t))
		if err != nil || updated {
			mt.Fatalf("held update = %v, %v", updated, err)
		}
	})

	mt.Run("extend uses matched count", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))
		extended, err := newTestAccessor(mt).Extend(context.Background(), testConfig(t))
		if err != nil || extended {
			mt.Fatalf("extend = %v, %v", extended, err)
		}
	})

	mt.Run("unlock", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		if err := newTestAccessor(mt).Unlock(context.Background(), testConfig(t)); err != nil {
			mt.Fatalf("unlock: %v", err)
		}
	})

	mt.Run("find record", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "digest"},
			{Key: "lockUntil", Value: testNow.Add(time.Minute)},
			{Key: "lockedAt", Value: testNow},
			{Key: "lockedBy", Value: "node-b"},
		}))
		record, found, err := newTestAccessor(mt).FindRecord(context.Background(), "digest")
		if err != nil || !found {
			mt.Fatalf("find = %v, %v", found, err)
		}
		if record.LockedBy != "node-b" || !record.LockUntil.Equal(testNow.Add(time.Minute)) {
			mt.Fatalf("unexpected record %+v", record)
		}
	})

	mt.Run("find missing record", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		_, found, err := newTestAccessor(mt).FindRecord(context.Background(), "digest")
		if err != nil || found {
			mt.Fatalf("find = %v, %v", found, err)
		}
	})
}

func TestBSONTimeTruncatesToMillis(t *testing.T) {
	in := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))
	got := bsonTime(in)
	if got.Nanosecond() != 123000000 || got.Location() != time.UTC {
		t.Fatalf("unexpected bson time %v", got)
	}
}
