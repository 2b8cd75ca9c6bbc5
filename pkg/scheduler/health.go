package scheduler

import (
	"strings"
	"time"

	"github.com/nimburion/dlqreplay/pkg/health"
)

const defaultLockProviderHealthCheckName = "scheduler-lock"

// NewLockProviderHealthChecker reports the lock backend on the readiness endpoint.
func NewLockProviderHealthChecker(name string, provider LockProvider, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultLockProviderHealthCheckName
	}
	return health.NewAdapterChecker(checkName, provider, timeout)
}
