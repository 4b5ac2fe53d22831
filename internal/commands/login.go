package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/claraverse/pulse/internal/backend"
	"github.com/claraverse/pulse/internal/config"
	"github.com/claraverse/pulse/internal/session"
)

var LoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save a ClaraVerse session token",
	Long: `Stores the bearer token (and optionally the user id) in the config file.
The token is checked against the backend unless --verify=false is given.
A running 'pulse start' picks up the new token without a restart.`,
	RunE: runLogin,
}

func init() {
	LoginCmd.Flags().String("token", "", "Bearer token issued by ClaraVerse")
	LoginCmd.Flags().String("user-id", "", "User id (defaults to the token subject)")
	LoginCmd.Flags().String("backend", "", "Backend URL to store alongside the token")
	LoginCmd.Flags().Bool("verify", true, "Check the token against the backend before saving")
	LoginCmd.MarkFlagRequired("token")
}

func runLogin(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	userID, _ := cmd.Flags().GetString("user-id")
	backendURL, _ := cmd.Flags().GetString("backend")
	verify, _ := cmd.Flags().GetBool("verify")
	out := cmd.OutOrStdout()

	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if backendURL != "" {
		cfg.BackendURL = backendURL
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	identity, err := session.FromToken(token, userID)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if identity.Expired(time.Now()) {
		return fmt.Errorf("token expired at %s", identity.ExpiresAt.Format(time.RFC3339))
	}

	if verify {
		if err := verifyToken(cmd.Context(), cfg, identity); err != nil {
			return err
		}
	}

	cfg.AuthToken = identity.Token
	cfg.UserID = identity.UserID
	if err := config.SaveTo(path, cfg); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Fprintf(out, "✅ Logged in as user %s\n", identity.UserID)
	fmt.Fprintf(out, "📁 Config: %s\n", path)
	return nil
}

// verifyToken makes one authenticated read
func verifyToken(ctx context.Context, cfg *config.Config, identity session.Identity) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := backend.NewClient(cfg.APIURL(), session.Static(identity))
	if _, err := client.OnlineUsers(ctx); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return errors.New("token rejected by backend")
		}
		return fmt.Errorf("could not verify token (use --verify=false to skip): %w", err)
	}
	return nil
}
