package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/dlqreplay/pkg/replay"
)

// LockLease is a held lock. Token proves ownership on renew and release.
type LockLease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// LockProvider grants one replayer instance at a time the right to replay a slot.
type LockProvider interface {
	// Acquire returns acquired=false with a nil error while another lease holds key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease *LockLease) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Replayer runs one replay invocation. *replay.Replayer satisfies it.
type Replayer interface {
	Replay(ctx context.Context, hoursBack int) (*replay.Summary, error)
}

func acquireArgs(key string, ttl time.Duration) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", schedulerError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return "", schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	return key, nil
}

func leaseArgs(lease *LockLease) (key, token string, err error) {
	if lease == nil {
		return "", "", schedulerError(ErrInvalidArgument, "lease is required")
	}
	key, token = strings.TrimSpace(lease.Key), strings.TrimSpace(lease.Token)
	if key == "" || token == "" {
		return "", "", schedulerError(ErrInvalidArgument, "lease key and token are required")
	}
	return key, token, nil
}

func randomLockToken() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("lock-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw)
}
