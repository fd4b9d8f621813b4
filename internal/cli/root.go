// Package cli wires configuration, storage, the scan scheduler and the HTTP
// API into the quipucords command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"quipucords/internal/config"
	"quipucords/internal/logger"
	"quipucords/internal/storage"
)

var (
	appVersion string
	appCommit  string
)

var rootCmd = &cobra.Command{
	Use:   "quipucords",
	Short: "Agentless inventory and fingerprinting of IT estates",
	Long: `quipucords scans network hosts, vCenter, Satellite, OpenShift, Ansible
controllers and ACS consoles, merges what it finds into per-system
fingerprints and serves the resulting reports over a REST API.`,
	SilenceUsage: true,
}

// Execute runs the command named on the command line
func Execute(version, commit string) error {
	appVersion = version
	appCommit = commit
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, createAdminCmd, openapiCmd)
}

// loadConfig reads the environment and configures the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// ldflags values replace the unset defaults
	if appVersion != "" && cfg.BuildVersion == "1.0.0" {
		cfg.BuildVersion = appVersion
	}
	if appCommit != "" && cfg.BuildCommit == "unknown" {
		cfg.BuildCommit = appCommit
	}

	logger.Setup(logger.Options{
		Level:      cfg.LogLevel,
		GinMode:    cfg.GinMode,
		Dir:        cfg.LogDir,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	return cfg, nil
}

// openStorage connects the configured datastore, migrating postgres first
func openStorage(cfg *config.Config) (storage.Storage, error) {
	if cfg.StorageBackend == config.StorageMemory {
		logger.Logger.Warn().Msg("Using in-memory storage; all data is lost on exit")
		return storage.NewMemoryStorage(), nil
	}
	if err := storage.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		return nil, err
	}
	return storage.NewPostgresStorage(cfg.DatabaseURL)
}
