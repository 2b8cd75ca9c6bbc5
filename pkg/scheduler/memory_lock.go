package scheduler

import (
	"context"
	"sync"
	"time"
)

// MemoryLockProvider coordinates tasks inside a single process.
// It gives no protection against other replayer instances.
type MemoryLockProvider struct {
	mu     sync.Mutex
	leases map[string]LockLease
	now    func() time.Time
	closed bool
}

// NewMemoryLockProvider creates an in-process lock provider.
func NewMemoryLockProvider() *MemoryLockProvider {
	return &MemoryLockProvider{
		leases: map[string]LockLease{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire takes key when it is free or its previous lease expired.
func (p *MemoryLockProvider) Acquire(_ context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key, err := acquireArgs(key, ttl)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, schedulerError(ErrClosed, "memory lock provider is closed")
	}

	now := p.now()
	if held, ok := p.leases[key]; ok && held.ExpireAt.After(now) {
		return nil, false, nil
	}
	lease := LockLease{Key: key, Token: randomLockToken(), ExpireAt: now.Add(ttl)}
	p.leases[key] = lease
	return &lease, true, nil
}

// Renew extends an unexpired lease whose token still matches.
func (p *MemoryLockProvider) Renew(_ context.Context, lease *LockLease, ttl time.Duration) error {
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	key, token, err := leaseArgs(lease)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	held, ok := p.leases[key]
	if !ok || held.Token != token || !held.ExpireAt.After(now) {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	held.ExpireAt = now.Add(ttl)
	p.leases[key] = held
	lease.ExpireAt = held.ExpireAt
	return nil
}

// Release frees the key if lease still owns it.
func (p *MemoryLockProvider) Release(_ context.Context, lease *LockLease) error {
	key, token, err := leaseArgs(lease)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.leases[key]
	if !ok || held.Token != token {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	delete(p.leases, key)
	return nil
}

// HealthCheck fails once the provider is closed.
func (p *MemoryLockProvider) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return schedulerError(ErrClosed, "memory lock provider is closed")
	}
	return nil
}

// Close drops all leases.
func (p *MemoryLockProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.leases = map[string]LockLease{}
	return nil
}
