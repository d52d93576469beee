package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/lock/locktest"
	"github.com/nimburion/shedlock/pkg/testutil"
)

func TestAccessor_PostgresConformance(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("locks"),
		postgres.WithUsername("shedlock"),
		postgres.WithPassword("shedlock"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	admin, err := NewAccessor(Config{URL: connStr, CreateSchema: true}, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create accessor: %v", err)
	}
	defer admin.Close()

	locktest.RunProviderSuite(t, locktest.Harness{
		NewAccessor: func(t *testing.T, clock lock.Clock, holder string) lock.StorageAccessor {
			accessor, err := NewAccessorFromDB(admin.DB(), Config{Holder: holder}, clock, nil)
			if err != nil {
				t.Fatalf("new accessor: %v", err)
			}
			return accessor
		},
		DeleteRecord: func(t *testing.T, name string) {
			if err := admin.DeleteRecord(context.Background(), name); err != nil {
				t.Fatalf("delete record: %v", err)
			}
		},
		SupportsExtend: true,
	})
}
