package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/claraverse/pulse/internal/config"
	"github.com/claraverse/pulse/internal/tui"
)

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live terminal console",
	Long: `Shows who is online and your notifications as they arrive.

Keys:
  j/k      move
  enter    mark read
  a        mark all read
  r        refresh
  q        quit

Logs go to logs/pulse.log next to the config file.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.LoggedIn() {
		return errors.New("not authenticated. Please run 'pulse login' first")
	}

	logger, logFile := fileLogger(path, cfg)
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := NewRuntime(cfg, RuntimeOptions{Logger: logger, BellOut: os.Stdout})
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Stop()
		return err
	}
	defer rt.Stop()

	program := tea.NewProgram(tui.NewApp(rt), tea.WithAltScreen(), tea.WithContext(ctx))

	feed := tui.NewFeed(program.Send)
	defer feed.Close()
	unsubscribe := rt.Presence.Subscribe(feed.Presence)
	defer unsubscribe()
	unwatch := rt.Store.Watch(feed.Notification)
	defer unwatch()

	go func() {
		err := config.Watch(ctx, path, func(next *config.Config) {
			if err := rt.UpdateSession(next); err != nil {
				logger.Warn("config change needs a restart of 'pulse watch'", "error", err)
			}
		}, logger)
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		}
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("console failed: %w", err)
	}
	return nil
}

// the console reads straight from the runtime
var _ tui.Runtime = (*Runtime)(nil)
