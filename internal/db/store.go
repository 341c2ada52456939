// Package db persists cycle results and fetch failures. Storage is write-behind only:
// nothing read back from it feeds aggregation.
package db

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/nyct-live/tracker/internal/config"
	"github.com/nyct-live/tracker/internal/model"
)

// Store is implemented by DB and PostgresDB
type Store interface {
	SaveCycle(ctx context.Context, r model.CycleResult) error
	RecordFailure(ctx context.Context, f model.FetchFailure) error
	RecentFailures(ctx context.Context, limit int) ([]model.FetchFailure, error)
	Cleanup(ctx context.Context, retention time.Duration) error
	Close() error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*PostgresDB)(nil)
)

// Open connects to Postgres when DATABASE_URL is set and to SQLite otherwise, then ensures the schema
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	sqlite, err := Connect(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := sqlite.EnsureSchema(ctx); err != nil {
		sqlite.Close()
		return nil, err
	}
	return sqlite, nil
}
