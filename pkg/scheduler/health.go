package scheduler

import (
	"strings"
	"time"

	"github.com/nimburion/shedlock/pkg/health"
)

const defaultLockProviderHealthCheckName = "lock-provider"

// NewLockProviderHealthChecker creates a standard health checker for the
// lock provider backing the scheduler.
func NewLockProviderHealthChecker(name string, provider health.Checkable, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultLockProviderHealthCheckName
	}
	return health.NewAdapterChecker(checkName, provider, timeout)
}
