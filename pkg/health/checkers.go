package health

import (
	"context"
	"time"
)

// DefaultCheckTimeout bounds an adapter check created with a zero timeout.
const DefaultCheckTimeout = 5 * time.Second

// Checkable is implemented by brokers, lock providers and stores.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc reports a status, an optional message and the error behind an unhealthy status.
type CheckFunc func(ctx context.Context) (Status, string, error)

// FuncChecker is a named CheckFunc.
type FuncChecker struct {
	name string
	fn   CheckFunc
}

// NewCustomChecker wraps fn as a Checker.
func NewCustomChecker(name string, fn CheckFunc) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

// NewAdapterChecker probes adapter.HealthCheck, failing the check once timeout elapses.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *FuncChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return NewCustomChecker(name, func(ctx context.Context) (Status, string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := adapter.HealthCheck(ctx); err != nil {
			return StatusUnhealthy, "", err
		}
		return StatusHealthy, "OK", nil
	})
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.fn(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Optional downgrades an unhealthy result of checker to degraded.
func Optional(checker Checker) Checker {
	return optionalChecker{Checker: checker}
}

type optionalChecker struct {
	Checker
}

func (c optionalChecker) Check(ctx context.Context) CheckResult {
	result := c.Checker.Check(ctx)
	if result.Status == StatusUnhealthy {
		result.Status = StatusDegraded
	}
	return result
}
