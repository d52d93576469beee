package lock

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nimburion/shedlock/pkg/observability/logger"
	"github.com/nimburion/shedlock/pkg/observability/tracing"
	"github.com/puzpuzpuz/xsync/v3"
)

const defaultBackendName = "custom"

// StorageBasedProvider implements Provider on top of a StorageAccessor.
//
// Names that this provider saw inserted (or saw already present) are kept in
// an existence cache so later attempts go straight to Update. The cache is a
// hint only: every Update is evaluated against the stored record.
type StorageBasedProvider struct {
	accessor StorageAccessor
	cache    *xsync.MapOf[string, struct{}]
	clock    Clock
	logger   logger.Logger
	backend  string
}

// Option configures a StorageBasedProvider.
type Option func(*StorageBasedProvider)

// WithLogger sets the provider logger.
func WithLogger(log logger.Logger) Option {
	return func(p *StorageBasedProvider) {
		if log != nil {
			p.logger = log
		}
	}
}

// WithClock sets the clock used to compute extension deadlines.
func WithClock(clock Clock) Option {
	return func(p *StorageBasedProvider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithBackendName sets the backend label used in logs, spans and metrics.
func WithBackendName(name string) Option {
	return func(p *StorageBasedProvider) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			p.backend = trimmed
		}
	}
}

// NewStorageBasedProvider creates a provider over accessor.
func NewStorageBasedProvider(accessor StorageAccessor, opts ...Option) (*StorageBasedProvider, error) {
	if accessor == nil {
		return nil, lockError(ErrInvalidArgument, "storage accessor is required")
	}
	p := &StorageBasedProvider{
		accessor: accessor,
		cache:    xsync.NewMapOf[string, struct{}](),
		clock:    SystemClock(),
		logger:   logger.Nop(),
		backend:  defaultBackendName,
	}
	if named, ok := innermost(accessor).(interface{ Backend() string }); ok {
		p.backend = named.Backend()
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("backend", p.backend)
	return p, nil
}

// Lock tries to acquire the lock described by cfg.
func (p *StorageBasedProvider) Lock(ctx context.Context, cfg Configuration) (SimpleLock, bool) {
	if cfg.IsZero() {
		p.logger.Error("lock requested with a zero configuration")
		return nil, false
	}
	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLock, cfg.Name(), tracing.WithBackend(p.backend))
	defer span.End()

	acquired, err := p.acquire(ctx, cfg)
	tracing.RecordAcquired(span, acquired)
	switch {
	case acquired:
		recordLockAttempt(p.backend, resultAcquired)
		tracing.RecordSuccess(span)
		return p.newLock(cfg), true
	case err != nil:
		recordLockAttempt(p.backend, resultError)
		tracing.RecordError(span, err)
	default:
		recordLockAttempt(p.backend, resultContended)
	}
	p.logger.WithContext(ctx).Debug("lock not acquired", "lock", cfg.Name())
	return nil, false
}

func (p *StorageBasedProvider) acquire(ctx context.Context, cfg Configuration) (bool, error) {
	name := cfg.Name()
	_, known := p.cache.Load(name)

	var failures []error
	if !known {
		inserted, err := p.accessor.Insert(ctx, cfg)
		if err != nil {
			failures = append(failures, p.backendFailure(ctx, "insert", name, err))
		} else {
			p.cache.Store(name, struct{}{})
			if inserted {
				return true, nil
			}
		}
	}

	updated, err := p.accessor.Update(ctx, cfg)
	if err != nil {
		failures = append(failures, p.backendFailure(ctx, "update", name, err))
		return false, errors.Join(failures...)
	}
	if updated {
		return true, nil
	}

	if known {
		inserted, err := p.reinsertIfMissing(ctx, cfg)
		if err != nil {
			failures = append(failures, err)
		}
		if inserted {
			return true, nil
		}
	}
	return false, errors.Join(failures...)
}

// reinsertIfMissing recovers from a record removed behind the cache's back.
// A lost Update on a cached name is usually plain contention, so the record is
// read first and Insert is only retried when it is really gone.
func (p *StorageBasedProvider) reinsertIfMissing(ctx context.Context, cfg Configuration) (bool, error) {
	name := cfg.Name()
	reader, ok := asRecordReader(p.accessor)
	if !ok {
		// The next attempt goes through Insert again.
		p.cache.Delete(name)
		return false, nil
	}
	_, found, err := reader.FindRecord(ctx, name)
	if err != nil {
		return false, p.backendFailure(ctx, "find", name, err)
	}
	if found {
		return false, nil
	}

	p.cache.Delete(name)
	inserted, err := p.accessor.Insert(ctx, cfg)
	if err != nil {
		return false, p.backendFailure(ctx, "insert", name, err)
	}
	p.cache.Store(name, struct{}{})
	if inserted {
		p.logger.WithContext(ctx).Info("lock record recreated", "lock", name)
	}
	return inserted, nil
}

func (p *StorageBasedProvider) unlock(ctx context.Context, cfg Configuration) {
	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationUnlock, cfg.Name(), tracing.WithBackend(p.backend))
	defer span.End()

	if err := p.accessor.Unlock(ctx, cfg); err != nil {
		recordRelease(p.backend, resultError)
		recordBackendError(p.backend, "unlock")
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).Warn("lock release failed, lock expires at lockAtMostUntil",
			"lock", cfg.Name(),
			"lock_at_most_until", cfg.LockAtMostUntil(),
			"error", err,
		)
		return
	}
	recordRelease(p.backend, resultOK)
	tracing.RecordSuccess(span)
}

func (p *StorageBasedProvider) extend(ctx context.Context, current Configuration, lockAtMostFor, lockAtLeastFor time.Duration) (Configuration, bool, error) {
	extender, ok := asExtender(p.accessor)
	if !ok {
		return Configuration{}, false, lockError(ErrExtendUnsupported, p.backend)
	}
	next, err := NewConfigurationFor(p.clock.Now(), current.Name(), lockAtMostFor, lockAtLeastFor)
	if err != nil {
		return Configuration{}, false, err
	}

	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationExtend, current.Name(), tracing.WithBackend(p.backend))
	defer span.End()

	extended, err := extender.Extend(ctx, next)
	tracing.RecordAcquired(span, extended)
	if err != nil {
		if errors.Is(err, ErrExtendUnsupported) {
			return Configuration{}, false, err
		}
		recordExtend(p.backend, resultError)
		tracing.RecordError(span, p.backendFailure(ctx, "extend", current.Name(), err))
		return Configuration{}, false, nil
	}
	if !extended {
		recordExtend(p.backend, resultContended)
		return Configuration{}, false, nil
	}
	recordExtend(p.backend, resultOK)
	return next, true, nil
}

func (p *StorageBasedProvider) backendFailure(ctx context.Context, operation, name string, err error) error {
	recordBackendError(p.backend, operation)
	p.logger.WithContext(ctx).Warn("lock backend operation failed",
		"lock", name,
		"operation", operation,
		"error", err,
	)
	if errors.Is(err, ErrBackend) || errors.Is(err, ErrCircuitOpen) {
		return err
	}
	return BackendError(operation, err)
}

// ClearCache forgets every name in the existence cache.
func (p *StorageBasedProvider) ClearCache() {
	p.cache.Clear()
}

// Backend returns the backend label.
func (p *StorageBasedProvider) Backend() string {
	return p.backend
}

// Accessor returns the underlying storage accessor.
func (p *StorageBasedProvider) Accessor() StorageAccessor {
	return p.accessor
}

// Clock returns the provider clock.
func (p *StorageBasedProvider) Clock() Clock {
	return p.clock
}

// FindRecord reads the stored record when the accessor supports it.
func (p *StorageBasedProvider) FindRecord(ctx context.Context, name string) (Record, bool, error) {
	reader, ok := asRecordReader(p.accessor)
	if !ok {
		return Record{}, false, lockError(ErrInvalidArgument, "backend "+p.backend+" cannot read lock records")
	}
	return reader.FindRecord(ctx, name)
}

// HealthCheck delegates to the accessor when it supports health checks.
func (p *StorageBasedProvider) HealthCheck(ctx context.Context) error {
	if checker, ok := p.accessor.(interface{ HealthCheck(context.Context) error }); ok {
		return checker.HealthCheck(ctx)
	}
	return nil
}

// Close closes the accessor when it holds resources.
func (p *StorageBasedProvider) Close() error {
	if closer, ok := p.accessor.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (p *StorageBasedProvider) newLock(cfg Configuration) *storageLock {
	return &storageLock{provider: p, cfg: cfg}
}

type storageLock struct {
	provider *StorageBasedProvider
	cfg      Configuration
	released atomic.Bool
}

func (l *storageLock) Configuration() Configuration {
	return l.cfg
}

func (l *storageLock) Unlock(ctx context.Context) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.provider.unlock(ctx, l.cfg)
}

func (l *storageLock) Extend(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (SimpleLock, bool, error) {
	if l.released.Load() {
		return nil, false, lockError(ErrLockReleased, l.cfg.Name())
	}
	next, extended, err := l.provider.extend(ctx, l.cfg, lockAtMostFor, lockAtLeastFor)
	if err != nil || !extended {
		return nil, false, err
	}
	if !l.released.CompareAndSwap(false, true) {
		// Released while the extension was in flight.
		l.provider.unlock(ctx, next)
		return nil, false, lockError(ErrLockReleased, l.cfg.Name())
	}
	return l.provider.newLock(next), true, nil
}

type unwrapper interface {
	Unwrap() StorageAccessor
}

func innermost(accessor StorageAccessor) StorageAccessor {
	for {
		wrapped, ok := accessor.(unwrapper)
		if !ok {
			return accessor
		}
		inner := wrapped.Unwrap()
		if inner == nil {
			return accessor
		}
		accessor = inner
	}
}

func asExtender(accessor StorageAccessor) (Extender, bool) {
	if _, ok := innermost(accessor).(Extender); !ok {
		return nil, false
	}
	extender, ok := accessor.(Extender)
	return extender, ok
}

func asRecordReader(accessor StorageAccessor) (RecordReader, bool) {
	if _, ok := innermost(accessor).(RecordReader); !ok {
		return nil, false
	}
	reader, ok := accessor.(RecordReader)
	return reader, ok
}
