package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"quipucords/internal/config"
	"quipucords/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StorageBackend != config.StoragePostgres {
			return errors.New("migrate requires STORAGE_BACKEND=postgres")
		}
		return storage.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath)
	},
}
