package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/shedlock/pkg/health"
)

type healthProbe struct{ err error }

func (p healthProbe) HealthCheck(context.Context) error { return p.err }

func TestNewLockProviderHealthChecker(t *testing.T) {
	checker := NewLockProviderHealthChecker("", healthProbe{}, time.Second)
	if checker.Name() != "lock-provider" {
		t.Fatalf("unexpected checker name: %s", checker.Name())
	}
	result := checker.Check(context.Background())
	if result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy result, got %s", result.Status)
	}
}

func TestNewLockProviderHealthChecker_Unhealthy(t *testing.T) {
	checker := NewLockProviderHealthChecker("redis", healthProbe{err: errors.New("connection refused")}, time.Second)
	if checker.Name() != "redis" {
		t.Fatalf("unexpected checker name: %s", checker.Name())
	}
	result := checker.Check(context.Background())
	if result.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy result, got %s", result.Status)
	}
}
