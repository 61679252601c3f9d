package main

import (
	"fmt"
	"hearth/internal/config"
	"hearth/internal/platform/logger"
	"hearth/internal/plugins/sqldb"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the storage schema if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.NewLogger(cfg)
			db, err := sqldb.New(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer db.Close()
			if err := sqldb.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrate - schema - up to date", "driver", cfg.Storage.Driver)
			return nil
		},
	}
}
