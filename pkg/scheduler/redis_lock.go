package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "dlq-replayer:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

// leaseScript applies ARGV[2] to KEYS[1] only while it still holds the token ARGV[1].
// "renew" sets the expiry to ARGV[3] milliseconds, anything else deletes the key.
var leaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
if ARGV[2] == "renew" then
  return redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return redis.call("DEL", KEYS[1])
`)

// RedisLockProviderConfig configures the Redis lock provider.
type RedisLockProviderConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLockProvider stores each lease as a key set with NX and a PX expiry; the value is the lease token.
type RedisLockProvider struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisLockProviderConfig
}

// NewRedisLockProvider parses cfg.URL and pings the server.
func NewRedisLockProvider(cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "redis url is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "parse redis url failed"), err)
	}
	provider := newRedisLockProviderWithClient(redis.NewClient(opts), cfg, log)
	if err := provider.HealthCheck(context.Background()); err != nil {
		_ = provider.Close()
		return nil, err
	}
	return provider, nil
}

func newRedisLockProviderWithClient(client redis.UniversalClient, cfg RedisLockProviderConfig, log logger.Logger) *RedisLockProvider {
	cfg.normalize()
	return &RedisLockProvider{client: client, log: log, config: cfg}
}

// Acquire sets the lock key when absent.
func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if err := p.ready(); err != nil {
		return nil, false, err
	}
	key, err := acquireArgs(key, ttl)
	if err != nil {
		return nil, false, err
	}

	lease := &LockLease{Key: key, Token: randomLockToken(), ExpireAt: time.Now().UTC().Add(ttl)}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	acquired, err := p.client.SetNX(opCtx, p.fullKey(key), lease.Token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return lease, true, nil
}

// Renew moves the expiry forward while the lease still owns the key.
func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	key, token, err := p.leaseArgs(lease)
	if err != nil {
		return err
	}
	expireAt := time.Now().UTC().Add(ttl)
	if err := p.runLeaseScript(ctx, key, token, "renew", ttl.Milliseconds()); err != nil {
		if errors.Is(err, ErrConflict) {
			return schedulerError(ErrConflict, "lock renew rejected")
		}
		return errors.Join(schedulerError(ErrRetryable, "renew lock failed"), err)
	}
	lease.ExpireAt = expireAt
	return nil
}

// Release deletes the key while the lease still owns it.
func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	key, token, err := p.leaseArgs(lease)
	if err != nil {
		return err
	}
	if err := p.runLeaseScript(ctx, key, token, "release"); err != nil {
		if errors.Is(err, ErrConflict) {
			p.log.Warn("scheduler lock expired before release", "lock_key", key)
			return schedulerError(ErrConflict, "lock release rejected")
		}
		return errors.Join(schedulerError(ErrRetryable, "release lock failed"), err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	if err := p.ready(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes the client.
func (p *RedisLockProvider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *RedisLockProvider) leaseArgs(lease *LockLease) (string, string, error) {
	if err := p.ready(); err != nil {
		return "", "", err
	}
	return leaseArgs(lease)
}

// runLeaseScript returns ErrConflict when the key no longer holds token.
func (p *RedisLockProvider) runLeaseScript(ctx context.Context, key, token, op string, args ...any) error {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := leaseScript.Run(opCtx, p.client, []string{p.fullKey(key)}, append([]any{token, op}, args...)...).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrConflict
	}
	return nil
}

func (p *RedisLockProvider) ready() error {
	if p == nil || p.client == nil {
		return schedulerError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	return nil
}

func (p *RedisLockProvider) fullKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}
