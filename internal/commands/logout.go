package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claraverse/pulse/internal/config"
)

var LogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session token",
	RunE:  runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.LoggedIn() {
		fmt.Fprintln(cmd.OutOrStdout(), "Already logged out.")
		return nil
	}

	cfg.AuthToken = ""
	cfg.UserID = ""
	if err := config.SaveTo(path, cfg); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✅ Logged out.")
	return nil
}
