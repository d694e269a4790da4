package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/livinlefevreloca/jobservice/internal/db"
	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/pgstore"
)

// backend is an opened job store together with its schema and lifecycle hooks
type backend struct {
	store   job.Store
	migrate func(ctx context.Context) error
	close   func() error
}

// openBackend connects to the store selected by the database driver
func openBackend(ctx context.Context, config db.Config, logger *slog.Logger) (*backend, error) {
	logger.Info("connecting to database", "driver", config.Driver)

	switch config.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, config.DSN, int32(config.MaxOpenConns), pgstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			store: store,
			migrate: func(ctx context.Context) error {
				return store.Migrate(ctx, config.MigrationsDir)
			},
			close: store.Close,
		}, nil

	case "sqlite3":
		database, err := db.OpenWithConfig(config)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: db.NewJobStore(database),
			migrate: func(ctx context.Context) error {
				if err := database.Migrate(config.MigrationsDir); err != nil {
					return err
				}
				version, err := database.SchemaVersion()
				if err != nil {
					return fmt.Errorf("failed to get schema version: %w", err)
				}
				logger.Info("schema ready", "driver", "sqlite3", "version", version)
				return nil
			},
			close: database.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
}
