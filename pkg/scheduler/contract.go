package scheduler

import (
	"context"

	"github.com/nimburion/shedlock/pkg/lock"
)

// Executor runs a task under its lock. *lock.Manager satisfies it.
type Executor interface {
	ExecuteWithLock(ctx context.Context, task lock.Task) (bool, error)
}
