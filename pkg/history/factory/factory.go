// Package factory builds the history store named by configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/history"
	"github.com/nimburion/dlqreplay/pkg/history/postgres"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// NewStore returns the store for cfg.Type. history.type=none yields a store that discards runs.
func NewStore(ctx context.Context, cfg config.HistoryConfig, log logger.Logger) (history.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", config.HistoryTypeNone:
		return history.NopStore{}, nil
	case config.HistoryTypeMemory:
		return history.NewMemoryStore(cfg.Capacity), nil
	case config.HistoryTypePostgres:
		store, err := postgres.Open(ctx, PostgresConfig(cfg.Postgres), log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported history.type %q (supported: none, memory, postgres)", cfg.Type)
	}
}

// PostgresConfig maps the configuration section onto the store config.
func PostgresConfig(cfg config.HistoryPostgresConfig) postgres.Config {
	return postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		QueryTimeout:    cfg.QueryTimeout,
		AutoMigrate:     cfg.AutoMigrate,
	}
}
