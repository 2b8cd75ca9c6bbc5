// Package postgres stores replay runs in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/dlqreplay/pkg/history"
	"github.com/nimburion/dlqreplay/pkg/migrate"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

const tableName = "replay_runs"

//go:embed migrations/*.sql
var migrationFiles embed.FS

var columns = []string{
	"id",
	"destination",
	"subscription",
	"hours_back",
	"threshold",
	"started_at",
	"finished_at",
	"fetched",
	"eligible",
	"skipped",
	"replayed",
	"send_failed",
	"ack_failed",
	"reconstruction_failed",
	"not_attempted",
	"truncated",
	"aborted",
	"error",
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Config holds PostgreSQL connection configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	// AutoMigrate applies pending migrations when the store is opened.
	AutoMigrate bool
}

// Store implements history.Store on a replay_runs table.
type Store struct {
	db     *sql.DB
	logger logger.Logger
	config Config
}

// Migrations returns the schema migrations of the store, for use with migrate.GooseOperations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Open connects to PostgreSQL, verifies the connection and optionally migrates the schema.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewWithDB(db, cfg, log)

	if cfg.AutoMigrate {
		ops, err := migrate.GooseOperations(db, Migrations())
		if err != nil {
			db.Close()
			return nil, err
		}
		applied, err := ops.Up(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		store.logger.Info("history schema migrated", "applied", applied)
	}

	store.logger.Info("PostgreSQL history store ready",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)
	return store, nil
}

// NewWithDB wraps an open database handle.
func NewWithDB(db *sql.DB, cfg Config, log logger.Logger) *Store {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{db: db, logger: log, config: cfg}
}

// DB returns the underlying *sql.DB for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Save inserts run. Saving an id twice keeps the first row.
func (s *Store) Save(ctx context.Context, run history.Run) error {
	query, args, err := psql.Insert(tableName).
		Columns(columns...).
		Values(
			run.ID,
			run.Destination,
			run.Subscription,
			run.HoursBack,
			run.Threshold,
			run.StartedAt,
			run.FinishedAt,
			run.Fetched,
			run.Eligible,
			run.Skipped,
			run.Replayed,
			run.SendFailed,
			run.AckFailed,
			run.ReconstructionFailed,
			run.NotAttempted,
			run.Truncated,
			run.Aborted,
			run.Error,
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert replay run: %w", err)
	}
	return nil
}

// Get returns the run with id, or history.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (history.Run, error) {
	query, args, err := psql.Select(columns...).
		From(tableName).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return history.Run{}, fmt.Errorf("failed to build select query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return history.Run{}, history.ErrNotFound
	}
	if err != nil {
		return history.Run{}, fmt.Errorf("failed to query replay run: %w", err)
	}
	return run, nil
}

// List returns up to limit runs, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]history.Run, error) {
	if limit <= 0 {
		limit = history.DefaultListLimit
	}

	query, args, err := psql.Select(columns...).
		From(tableName).
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay runs: %w", err)
	}
	defer rows.Close()

	runs := make([]history.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan replay run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate replay runs: %w", err)
	}
	return runs, nil
}

// HealthCheck verifies the database connection is healthy with a timeout
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("PostgreSQL health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close PostgreSQL connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (history.Run, error) {
	var run history.Run
	err := row.Scan(
		&run.ID,
		&run.Destination,
		&run.Subscription,
		&run.HoursBack,
		&run.Threshold,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Fetched,
		&run.Eligible,
		&run.Skipped,
		&run.Replayed,
		&run.SendFailed,
		&run.AckFailed,
		&run.ReconstructionFailed,
		&run.NotAttempted,
		&run.Truncated,
		&run.Aborted,
		&run.Error,
	)
	if err != nil {
		return history.Run{}, err
	}
	run.Threshold = run.Threshold.UTC()
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	return run, nil
}

var _ history.Store = (*Store)(nil)
