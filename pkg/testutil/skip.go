package testutil

import (
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// IntegrationEnv opts into container-backed tests on CI runners.
const IntegrationEnv = "SHEDLOCK_INTEGRATION"

// RequireIntegration skips container-backed tests in short mode, on CI
// unless SHEDLOCK_INTEGRATION is set, and on hosts without a reachable
// container runtime. Local runs start containers by default.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("CI") != "" && os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping integration test on CI (set %s=1 to run)", IntegrationEnv)
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}
