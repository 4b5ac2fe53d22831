package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/claraverse/pulse/internal/commands"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
var Version = "0.0.0-dev"

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - live presence and notifications for ClaraVerse",
	Long: `Pulse keeps a live view of who is online and of your ClaraVerse
notifications, over push streams with polling fallback.

Quick Start:
  pulse login --token <token>     Save your session (first time)
  pulse watch                     Open the live console
  pulse start                     Run headless with the local API

Config: ~/.claraverse/pulse.yaml (PULSE_* environment variables override it)`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default ~/.claraverse/pulse.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&commands.Verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(commands.LoginCmd)
	rootCmd.AddCommand(commands.LogoutCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.WatchCmd)
}

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	commands.AppVersion = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
