package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/pressly/goose/v3"
)

// GooseOperations builds Operations over a goose provider reading SQL migrations from fsys.
// Only Postgres is supported.
func GooseOperations(db *sql.DB, fsys fs.FS) (Operations, error) {
	if db == nil {
		return Operations{}, errors.New("database handle is required")
	}
	if fsys == nil {
		return Operations{}, errors.New("migration filesystem is required")
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return Operations{}, fmt.Errorf("create migration provider: %w", err)
	}
	return operationsFor(provider), nil
}

// provider is the part of *goose.Provider the operations use.
type provider interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

func operationsFor(p provider) Operations {
	return Operations{
		Up: func(ctx context.Context) (int, error) {
			results, err := p.Up(ctx)
			if err != nil {
				return len(results), fmt.Errorf("apply migrations: %w", err)
			}
			return len(results), nil
		},
		Down: func(ctx context.Context, steps int) (int, error) {
			reverted := 0
			for reverted < steps {
				if _, err := p.Down(ctx); err != nil {
					if errors.Is(err, goose.ErrNoNextVersion) {
						break
					}
					return reverted, fmt.Errorf("revert migration: %w", err)
				}
				reverted++
			}
			return reverted, nil
		},
		Status: func(ctx context.Context) (*Status, error) {
			statuses, err := p.Status(ctx)
			if err != nil {
				return nil, fmt.Errorf("read migration status: %w", err)
			}
			status := &Status{Pending: []PendingMigration{}}
			for _, s := range statuses {
				if s.Source == nil {
					continue
				}
				switch s.State {
				case goose.StateApplied:
					status.AppliedVersions = append(status.AppliedVersions, s.Source.Version)
				case goose.StatePending:
					status.Pending = append(status.Pending, PendingMigration{
						Version: s.Source.Version,
						Name:    path.Base(s.Source.Path),
					})
				}
			}
			return status, nil
		},
	}
}
