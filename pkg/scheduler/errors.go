package scheduler

import (
	"errors"
	"fmt"
)

// Error kinds returned by the runtime and the lock providers. Match them with errors.Is.
var (
	ErrInvalidArgument = errors.New("scheduler: invalid argument")
	ErrValidation      = errors.New("scheduler: invalid configuration")
	ErrNotInitialized  = errors.New("scheduler: not initialized")
	ErrNotFound        = errors.New("scheduler: not found")
	// ErrConflict covers duplicate tasks, a runtime already started and leases taken over by another instance.
	ErrConflict = errors.New("scheduler: conflict")
	// ErrRetryable marks lock backend failures; the next slot tries again.
	ErrRetryable = errors.New("scheduler: lock backend unavailable")
	ErrClosed    = errors.New("scheduler: closed")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
