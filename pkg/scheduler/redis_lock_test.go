package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisLockProviderConfigNormalize(t *testing.T) {
	cfg := &RedisLockProviderConfig{}
	cfg.normalize()

	if cfg.Prefix != "dlq-replayer:lock" {
		t.Errorf("expected default prefix, got %s", cfg.Prefix)
	}
	if cfg.OperationTimeout != 3*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.OperationTimeout)
	}
}

func TestRedisLockProviderConfigNormalizeCustom(t *testing.T) {
	cfg := &RedisLockProviderConfig{
		Prefix:           "custom:",
		OperationTimeout: 10 * time.Second,
	}
	cfg.normalize()

	if cfg.Prefix != "custom:" {
		t.Errorf("expected custom prefix, got %s", cfg.Prefix)
	}
	if cfg.OperationTimeout != 10*time.Second {
		t.Errorf("expected custom timeout, got %v", cfg.OperationTimeout)
	}
}

func TestRedisLockProvider_FullKey(t *testing.T) {
	provider := newRedisLockProviderWithClient(nil, RedisLockProviderConfig{Prefix: "replayer:"}, &schedulerTestLogger{})
	if got := provider.fullKey(" replay:nightly:1 "); got != "replayer:replay:nightly:1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNewRedisLockProvider_Validation(t *testing.T) {
	if _, err := NewRedisLockProvider(RedisLockProviderConfig{URL: "redis://localhost:6379"}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without logger, got %v", err)
	}
	if _, err := NewRedisLockProvider(RedisLockProviderConfig{}, &schedulerTestLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without url, got %v", err)
	}
	if _, err := NewRedisLockProvider(RedisLockProviderConfig{URL: "http://not-redis"}, &schedulerTestLogger{}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for bad url, got %v", err)
	}
}

func TestRedisLockProvider_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	provider := newRedisLockProviderWithClient(client, RedisLockProviderConfig{OperationTimeout: 200 * time.Millisecond}, &schedulerTestLogger{})
	defer provider.Close()
	ctx := context.Background()

	if _, _, err := provider.Acquire(ctx, "key", time.Second); !errors.Is(err, ErrRetryable) {
		t.Errorf("expected ErrRetryable on acquire, got %v", err)
	}
	if err := provider.Renew(ctx, &LockLease{Key: "key", Token: "t"}, time.Second); !errors.Is(err, ErrRetryable) {
		t.Errorf("expected ErrRetryable on renew, got %v", err)
	}
	if err := provider.Release(ctx, &LockLease{Key: "key", Token: "t"}); !errors.Is(err, ErrRetryable) {
		t.Errorf("expected ErrRetryable on release, got %v", err)
	}
	if err := provider.HealthCheck(ctx); !errors.Is(err, ErrRetryable) {
		t.Errorf("expected ErrRetryable on health check, got %v", err)
	}
}

func TestRedisLockProvider_NotInitialized(t *testing.T) {
	var provider *RedisLockProvider
	if _, _, err := provider.Acquire(context.Background(), "key", time.Second); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if err := provider.Close(); err != nil {
		t.Errorf("expected nil close on nil provider, got %v", err)
	}
}
