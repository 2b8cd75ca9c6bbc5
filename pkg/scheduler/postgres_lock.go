package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

const (
	defaultPostgresLockTable     = "dlq_replayer_locks"
	defaultPostgresLockOperation = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var lockSQL = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresLockProviderConfig configures Postgres lock provider.
type PostgresLockProviderConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresLockOperation
	}
}

// PostgresLockProvider stores one row per held lock. Expired rows are taken over on acquire.
type PostgresLockProvider struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresLockProviderConfig
}

// NewPostgresLockProvider connects to Postgres and creates the lock table when missing.
func NewPostgresLockProvider(cfg PostgresLockProviderConfig, log logger.Logger) (*PostgresLockProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "postgres url is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "open postgres failed"), err)
	}
	provider, err := newPostgresLockProviderWithDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := provider.operationContext(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(schedulerError(ErrRetryable, "ping postgres failed"), err)
	}
	if err := provider.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return provider, nil
}

func newPostgresLockProviderWithDB(db *sql.DB, cfg PostgresLockProviderConfig, log logger.Logger) (*PostgresLockProvider, error) {
	if db == nil {
		return nil, schedulerError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid scheduler postgres table name %q", cfg.Table))
	}
	return &PostgresLockProvider{
		db:     db,
		log:    log,
		config: cfg,
	}, nil
}

// Acquire inserts the lock row, or takes over a row whose lease expired.
func (p *PostgresLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if p == nil || p.db == nil {
		return nil, false, schedulerError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	key, err := acquireArgs(key, ttl)
	if err != nil {
		return nil, false, err
	}

	token := randomLockToken()
	expiresAt := time.Now().UTC().Add(ttl)
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()

	// the upsert only updates an expired row, so RETURNING yields nothing while the lock is held
	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %[1]s(lock_key, token, expires_at, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT(lock_key) DO UPDATE
	SET token = EXCLUDED.token,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %[1]s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, p.config.Table)

	var acquired bool
	if err := p.db.QueryRowContext(opCtx, query, key, token, expiresAt).Scan(&acquired); err != nil {
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &LockLease{
		Key:      key,
		Token:    token,
		ExpireAt: expiresAt,
	}, true, nil
}

// Renew extends lock expiry when token matches and the lease has not expired.
func (p *PostgresLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	key, token, err := p.checkLease(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	expiresAt := time.Now().UTC().Add(ttl)
	query, args, err := lockSQL.Update(p.config.Table).
		Set("expires_at", expiresAt).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"lock_key": key, "token": token}).
		Where("expires_at > NOW()").
		ToSql()
	if err != nil {
		return fmt.Errorf("build renew query: %w", err)
	}

	if err := p.execOne(ctx, query, args...); err != nil {
		if errors.Is(err, ErrConflict) {
			return schedulerError(ErrConflict, "lock renew rejected")
		}
		return errors.Join(schedulerError(ErrRetryable, "renew lock failed"), err)
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release deletes the lock row when token matches.
func (p *PostgresLockProvider) Release(ctx context.Context, lease *LockLease) error {
	key, token, err := p.checkLease(lease)
	if err != nil {
		return err
	}

	query, args, err := lockSQL.Delete(p.config.Table).
		Where(sq.Eq{"lock_key": key, "token": token}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build release query: %w", err)
	}

	if err := p.execOne(ctx, query, args...); err != nil {
		if errors.Is(err, ErrConflict) {
			p.log.Warn("scheduler lock taken over before release", "lock_key", key)
			return schedulerError(ErrConflict, "lock release rejected")
		}
		return errors.Join(schedulerError(ErrRetryable, "release lock failed"), err)
	}
	return nil
}

// HealthCheck pings the database.
func (p *PostgresLockProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.db == nil {
		return schedulerError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	if err := p.db.PingContext(opCtx); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (p *PostgresLockProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresLockProvider) checkLease(lease *LockLease) (string, string, error) {
	if p == nil || p.db == nil {
		return "", "", schedulerError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	return leaseArgs(lease)
}

// execOne runs a statement that must affect exactly one row; zero rows is ErrConflict.
func (p *PostgresLockProvider) execOne(ctx context.Context, query string, args ...any) error {
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	result, err := p.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresLockProvider) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, p.config.Table)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create lock table %s: %w", p.config.Table, err)
	}
	return nil
}

func (p *PostgresLockProvider) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}
