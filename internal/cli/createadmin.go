package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"quipucords/internal/auth"
	"quipucords/internal/logger"
	"quipucords/internal/storage"
)

var (
	adminUsername string
	adminPassword string
)

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create the initial admin user and print an API key for it",
	Long: `Creates an admin user unless one with the same name exists. The password
is read from --password or ADMIN_PASSWORD.`,
	RunE: runCreateAdmin,
}

func init() {
	createAdminCmd.Flags().StringVar(&adminUsername, "username", "admin", "admin username")
	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "admin password (default $ADMIN_PASSWORD)")
}

func runCreateAdmin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if adminPassword == "" {
		adminPassword = os.Getenv("ADMIN_PASSWORD")
	}
	if len(adminPassword) < auth.MinPasswordLength {
		return fmt.Errorf("admin password must be at least %d characters", auth.MinPasswordLength)
	}

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	_, _, err = store.GetUserByUsername(adminUsername)
	if err == nil {
		logger.Logger.Info().Str("username", adminUsername).Msg("Admin user already exists, skipping creation")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to look up user: %w", err)
	}

	passwordHash, err := auth.HashPassword(adminPassword)
	if err != nil {
		return err
	}
	user, err := store.CreateUser(adminUsername, passwordHash, true)
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	plainKey, keyHash, keyPrefix, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	if _, err := store.CreateAPIKey(user.ID, keyHash, keyPrefix, "Initial Admin API Key", nil); err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	logger.Logger.Info().Str("username", adminUsername).Str("user_id", user.ID).Msg("Admin user created")
	fmt.Fprintf(cmd.OutOrStdout(), "Admin API key: %s\nUse it as: Authorization: Token %s\n", plainKey, plainKey)
	return nil
}
