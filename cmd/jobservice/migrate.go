package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openBackend(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return err
		}
		defer be.close()

		logger.Info("running migrations", "migrations_dir", cfg.Database.MigrationsDir)
		return be.migrate(cmd.Context())
	},
}
