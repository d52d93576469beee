package lock

import (
	"context"
	"errors"
	"io"

	"github.com/nimburion/shedlock/pkg/observability/logger"
	"github.com/nimburion/shedlock/pkg/resilience"
)

// GuardedAccessor stops calling a failing backend for a while. Contention
// results never trip the breaker, only backend errors do. While the circuit
// is open every call fails with ErrCircuitOpen, which the provider treats as
// "not acquired".
type GuardedAccessor struct {
	inner   StorageAccessor
	breaker *resilience.CircuitBreaker
}

// NewGuardedAccessor wraps inner with a circuit breaker.
func NewGuardedAccessor(inner StorageAccessor, cfg resilience.Config, log logger.Logger) (*GuardedAccessor, error) {
	if inner == nil {
		return nil, lockError(ErrInvalidArgument, "storage accessor is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to resilience.State) {
		log.Warn("lock backend circuit state changed", "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}
	return &GuardedAccessor{inner: inner, breaker: resilience.NewCircuitBreaker(cfg)}, nil
}

func (g *GuardedAccessor) guard(fn func() error) error {
	err := g.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return ErrCircuitOpen
	}
	return err
}

// Insert implements StorageAccessor.
func (g *GuardedAccessor) Insert(ctx context.Context, cfg Configuration) (bool, error) {
	var inserted bool
	err := g.guard(func() error {
		var err error
		inserted, err = g.inner.Insert(ctx, cfg)
		return err
	})
	return inserted, err
}

// Update implements StorageAccessor.
func (g *GuardedAccessor) Update(ctx context.Context, cfg Configuration) (bool, error) {
	var updated bool
	err := g.guard(func() error {
		var err error
		updated, err = g.inner.Update(ctx, cfg)
		return err
	})
	return updated, err
}

// Unlock implements StorageAccessor.
func (g *GuardedAccessor) Unlock(ctx context.Context, cfg Configuration) error {
	return g.guard(func() error {
		return g.inner.Unlock(ctx, cfg)
	})
}

// Extend implements Extender when the wrapped accessor does.
func (g *GuardedAccessor) Extend(ctx context.Context, cfg Configuration) (bool, error) {
	extender, ok := g.inner.(Extender)
	if !ok {
		return false, ErrExtendUnsupported
	}
	var extended bool
	err := g.guard(func() error {
		var err error
		extended, err = extender.Extend(ctx, cfg)
		return err
	})
	return extended, err
}

// FindRecord implements RecordReader when the wrapped accessor does. Reads
// bypass the breaker.
func (g *GuardedAccessor) FindRecord(ctx context.Context, name string) (Record, bool, error) {
	reader, ok := g.inner.(RecordReader)
	if !ok {
		return Record{}, false, lockError(ErrInvalidArgument, "wrapped accessor cannot read lock records")
	}
	return reader.FindRecord(ctx, name)
}

// State returns the breaker state.
func (g *GuardedAccessor) State() resilience.State {
	return g.breaker.State()
}

// Unwrap returns the wrapped accessor.
func (g *GuardedAccessor) Unwrap() StorageAccessor {
	return g.inner
}

// HealthCheck reports an open circuit as unhealthy before asking the backend.
func (g *GuardedAccessor) HealthCheck(ctx context.Context) error {
	if g.breaker.State() == resilience.StateOpen {
		return ErrCircuitOpen
	}
	if checker, ok := g.inner.(interface{ HealthCheck(context.Context) error }); ok {
		return checker.HealthCheck(ctx)
	}
	return nil
}

// Close closes the wrapped accessor.
func (g *GuardedAccessor) Close() error {
	if closer, ok := g.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
