package eventbus

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrConnection classifies unreachable brokers and rejected credentials.
	ErrConnection = errors.New("eventbus connection error")
	// ErrProtocol classifies missing entities such as a non-existent dead-letter sub-queue.
	ErrProtocol = errors.New("eventbus protocol error")
	// ErrRejected classifies a publish the broker refused (size limit, disabled destination).
	ErrRejected = errors.New("eventbus message rejected")
	// ErrLockLost classifies a complete attempted after the message lease expired.
	ErrLockLost = errors.New("eventbus message lock lost")
	// ErrClosed classifies operations on a closed adapter.
	ErrClosed = errors.New("eventbus closed")
)

// Errorf wraps a kind sentinel with a formatted message and an optional cause.
//
//	return eventbus.Errorf(eventbus.ErrConnection, err, "open receiver for %s", topic)
func Errorf(kind, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, cause)
}

// IsConnectionError reports whether err should abort a whole replay invocation.
// Context cancellation counts as connection-level: the invocation cannot proceed.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrClosed) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsNetworkError reports whether err originates from the network stack.
// Context deadlines satisfy net.Error but are not network failures.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
