package lock

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/shedlock/pkg/observability/logger"
)

// keepAlive extends the lock carried by ctx to now+lockAtMostFor every
// lockAtMostFor/2 until the returned stop function is called. The remaining
// part of lockAtLeastUntil is preserved on every extension.
func keepAlive(ctx context.Context, lockAtMostFor time.Duration, clock Clock, log logger.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		interval := lockAtMostFor / 2
		if interval <= 0 {
			interval = lockAtMostFor
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, ok := FromContext(ctx)
			if !ok {
				return
			}
			atLeastFor := held.Configuration().LockAtLeastUntil().Sub(clock.Now())
			if atLeastFor < 0 {
				atLeastFor = 0
			}
			if atLeastFor > lockAtMostFor {
				atLeastFor = lockAtMostFor
			}
			extended, err := ExtendActiveLock(ctx, lockAtMostFor, atLeastFor)
			switch {
			case errors.Is(err, ErrExtendUnsupported):
				log.Warn("keep-alive disabled, backend cannot extend locks")
				return
			case err != nil:
				log.Warn("keep-alive extension failed", "error", err)
				return
			case !extended:
				log.Warn("keep-alive extension lost, lock is no longer held")
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
