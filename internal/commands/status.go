package commands

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/claraverse/pulse/internal/session"
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and local API status",
	RunE:  runStatus,
}

type healthResponse struct {
	Status            string `json:"status"`
	PushConnected     bool   `json:"push_connected"`
	PresenceConnected bool   `json:"presence_connected"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "📊 Pulse Status")
	fmt.Fprintln(out)

	identity, err := session.FromToken(cfg.AuthToken, cfg.UserID)
	switch {
	case err != nil:
		fmt.Fprintln(out, "🔐 Session: ❌ Not logged in")
		fmt.Fprintln(out, "   Run 'pulse login --token <token>' to authenticate")
	case identity.Expired(time.Now()):
		fmt.Fprintf(out, "🔐 Session: ⚠️  Expired at %s (user %s)\n", identity.ExpiresAt.Format(time.RFC3339), identity.UserID)
	default:
		fmt.Fprintf(out, "🔐 Session: ✅ Logged in as user %s\n", identity.UserID)
		if !identity.ExpiresAt.IsZero() {
			fmt.Fprintf(out, "   Expires: %s\n", identity.ExpiresAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "🌐 Backend:  %s\n", cfg.APIURL())
	fmt.Fprintf(out, "📡 Push:     %s\n", cfg.PushURL())
	if cfg.RedisURL != "" {
		fmt.Fprintf(out, "🔁 Relay:    %s\n", cfg.RedisURL)
	}
	fmt.Fprintln(out)

	var health healthResponse
	code, _, errs := fiber.Get("http://" + cfg.ListenAddr + "/health").
		Timeout(2 * time.Second).
		Struct(&health)
	if len(errs) > 0 || code != fiber.StatusOK {
		fmt.Fprintf(out, "🖥  Local API: ❌ not running on %s\n", cfg.ListenAddr)
	} else {
		fmt.Fprintf(out, "🖥  Local API: ✅ %s on %s\n", health.Status, cfg.ListenAddr)
		fmt.Fprintf(out, "   Notifications stream: %s\n", connectedLabel(health.PushConnected))
		fmt.Fprintf(out, "   Presence stream:      %s\n", connectedLabel(health.PresenceConnected))
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "📁 Config file: %s\n", path)
	return nil
}

func connectedLabel(up bool) string {
	if up {
		return "connected"
	}
	return "reconnecting (polling)"
}
