package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockProvider_AcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	provider := NewMemoryLockProvider()
	provider.now = func() time.Time { return now }

	lease, acquired, err := provider.Acquire(ctx, "replay:nightly:1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected first acquire to succeed, got acquired=%v err=%v", acquired, err)
	}
	if lease.Token == "" || !lease.ExpireAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected lease %+v", lease)
	}

	if _, acquired, err := provider.Acquire(ctx, "replay:nightly:1", time.Minute); err != nil || acquired {
		t.Fatalf("expected contended acquire to fail without error, got acquired=%v err=%v", acquired, err)
	}

	now = now.Add(30 * time.Second)
	if err := provider.Renew(ctx, lease, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !lease.ExpireAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected renewed expiry, got %v", lease.ExpireAt)
	}

	if err := provider.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := provider.Release(ctx, lease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second release, got %v", err)
	}
	if _, acquired, _ := provider.Acquire(ctx, "replay:nightly:1", time.Minute); !acquired {
		t.Fatal("expected acquire after release")
	}
}

func TestMemoryLockProvider_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	provider := NewMemoryLockProvider()
	provider.now = func() time.Time { return now }

	first, _, _ := provider.Acquire(ctx, "key", time.Second)
	now = now.Add(2 * time.Second)

	second, acquired, err := provider.Acquire(ctx, "key", time.Second)
	if err != nil || !acquired {
		t.Fatalf("expected takeover of expired lease, got acquired=%v err=%v", acquired, err)
	}
	if second.Token == first.Token {
		t.Fatal("expected a new token")
	}
	if err := provider.Renew(ctx, first, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale lease renew to be rejected, got %v", err)
	}
	if err := provider.Release(ctx, first); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale lease release to be rejected, got %v", err)
	}
}

func TestMemoryLockProvider_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryLockProvider()

	if _, _, err := provider.Acquire(ctx, " ", time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty key, got %v", err)
	}
	if _, _, err := provider.Acquire(ctx, "key", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero ttl, got %v", err)
	}
	if err := provider.Renew(ctx, nil, time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for nil lease, got %v", err)
	}
	if err := provider.Release(ctx, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for nil lease, got %v", err)
	}
}

func TestMemoryLockProvider_Close(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryLockProvider()
	if err := provider.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if err := provider.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := provider.HealthCheck(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := provider.Acquire(ctx, "key", time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on acquire, got %v", err)
	}
}
