package scheduler

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresLockProvider(t *testing.T) (*PostgresLockProvider, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	provider, err := newPostgresLockProviderWithDB(db, PostgresLockProviderConfig{OperationTimeout: time.Second}, &schedulerTestLogger{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider, mock
}

func TestPostgresLockProvider_DefaultTable(t *testing.T) {
	provider, _ := newMockPostgresLockProvider(t)
	if provider.config.Table != "dlq_replayer_locks" {
		t.Fatalf("expected default table, got %s", provider.config.Table)
	}
}

func TestPostgresLockProvider_Acquire(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)

	mock.ExpectQuery(`INSERT INTO dlq_replayer_locks\(lock_key, token, expires_at, updated_at\)`).
		WithArgs("replay:nightly:1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	lease, acquired, err := provider.Acquire(context.Background(), "replay:nightly:1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected lock acquired")
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		t.Fatal("expected non-empty lease token")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_AcquireHeld(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM upsert\)`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	lease, acquired, err := provider.Acquire(context.Background(), "replay:nightly:1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired || lease != nil {
		t.Fatalf("expected held lock, got acquired=%v lease=%+v", acquired, lease)
	}
}

func TestPostgresLockProvider_AcquireError(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)

	mock.ExpectQuery(`SELECT EXISTS`).WillReturnError(errors.New("connection refused"))

	if _, _, err := provider.Acquire(context.Background(), "key", time.Second); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestPostgresLockProvider_RenewAndRelease(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)
	lease := &LockLease{Key: "replay:nightly:1", Token: "token-1"}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE dlq_replayer_locks SET expires_at = $1, updated_at = NOW() WHERE lock_key = $2 AND token = $3 AND expires_at > NOW()")).
		WithArgs(sqlmock.AnyArg(), "replay:nightly:1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	before := time.Now().UTC()
	if err := provider.Renew(context.Background(), lease, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if lease.ExpireAt.Before(before.Add(time.Minute)) {
		t.Fatalf("expected lease expiry to move forward, got %v", lease.ExpireAt)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dlq_replayer_locks WHERE lock_key = $1 AND token = $2")).
		WithArgs("replay:nightly:1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_RejectsInvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	_, err = newPostgresLockProviderWithDB(db, PostgresLockProviderConfig{
		Table: "locks; DROP TABLE replay_runs",
	}, &schedulerTestLogger{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPostgresLockProvider_RenewRejectedWithTypedConflict(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)
	lease := &LockLease{Key: "task-1", Token: "token-1"}

	mock.ExpectExec(`UPDATE dlq_replayer_locks SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := provider.Renew(context.Background(), lease, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresLockProvider_ReleaseRejectedWithTypedConflict(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)
	lease := &LockLease{Key: "task-1", Token: "token-1"}

	mock.ExpectExec(`DELETE FROM dlq_replayer_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := provider.Release(context.Background(), lease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresLockProvider_ReleaseDatabaseError(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)
	lease := &LockLease{Key: "task-1", Token: "token-1"}

	mock.ExpectExec(`DELETE FROM dlq_replayer_locks`).
		WillReturnError(errors.New("connection reset"))

	err := provider.Release(context.Background(), lease)
	if !errors.Is(err, ErrRetryable) || errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrRetryable only, got %v", err)
	}
}

func TestPostgresLockProvider_LeaseValidation(t *testing.T) {
	provider, _ := newMockPostgresLockProvider(t)
	ctx := context.Background()

	if err := provider.Release(ctx, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for nil lease, got %v", err)
	}
	if err := provider.Renew(ctx, &LockLease{Key: "k"}, time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for missing token, got %v", err)
	}
	if err := provider.Renew(ctx, &LockLease{Key: "k", Token: "t"}, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero ttl, got %v", err)
	}
	if _, _, err := provider.Acquire(ctx, "", time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty key, got %v", err)
	}
}

func TestPostgresLockProvider_HealthCheck(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)

	mock.ExpectPing()
	if err := provider.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := provider.HealthCheck(context.Background()); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestPostgresLockProvider_EnsureTable(t *testing.T) {
	provider, mock := newMockPostgresLockProvider(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS dlq_replayer_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := provider.ensureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNewPostgresLockProvider_RequiresURL(t *testing.T) {
	if _, err := NewPostgresLockProvider(PostgresLockProviderConfig{}, &schedulerTestLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
