// Package migrate provides the "migrate" command for the history schema.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/history/postgres"
	"github.com/nimburion/dlqreplay/pkg/migrate"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// LoadFunc loads configuration and logger for a command.
type LoadFunc func(cmd *cobra.Command) (*config.Config, logger.Logger, error)

// OperationsBuilder opens the migration operations for the configured database. The returned
// close function releases the connection.
type OperationsBuilder func(ctx context.Context, cfg *config.Config) (migrate.Operations, func() error, error)

// NewCommand creates "migrate up|down|status" for the Postgres history store.
func NewCommand(serviceName string, load LoadFunc) *cobra.Command {
	return newCommand(serviceName, load, postgresOperations)
}

func newCommand(serviceName string, load LoadFunc, build OperationsBuilder) *cobra.Command {
	var timeout time.Duration

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "History database migrations",
	}
	migrateCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "migration timeout")

	run := func(subcommand string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			steps := 1
			if subcommand == "down" && len(args) == 1 {
				_, parsed, err := migrate.ParseArgs([]string{"down", args[0]})
				if err != nil {
					return err
				}
				steps = parsed
			}

			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			ops, closeDB, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := closeDB(); closeErr != nil {
					log.Error("failed to close migration database", "error", closeErr)
				}
			}()

			return migrate.RunParsed(cmd.Context(), subcommand, steps, migrate.Options{
				ServiceName: serviceName,
				Schema:      "history",
				Timeout:     timeout,
				Logger:      log,
				Out:         cmd.OutOrStdout(),
			}, ops)
		}
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE:  run("up"),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the last migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run("down"),
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE:  run("status"),
	})
	return migrateCmd
}

func postgresOperations(ctx context.Context, cfg *config.Config) (migrate.Operations, func() error, error) {
	if !strings.EqualFold(cfg.History.Type, config.HistoryTypePostgres) {
		return migrate.Operations{}, nil, fmt.Errorf("migrations need history.type=postgres, got %q", cfg.History.Type)
	}
	if strings.TrimSpace(cfg.History.Postgres.URL) == "" {
		return migrate.Operations{}, nil, errors.New("history.postgres.url is required")
	}

	db, err := sql.Open("postgres", cfg.History.Postgres.URL)
	if err != nil {
		return migrate.Operations{}, nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return migrate.Operations{}, nil, fmt.Errorf("ping history database: %w", err)
	}
	ops, err := migrate.GooseOperations(db, postgres.Migrations())
	if err != nil {
		_ = db.Close()
		return migrate.Operations{}, nil, err
	}
	return ops, db.Close, nil
}
