package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claraverse/pulse/internal/config"
	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/server"
	"github.com/claraverse/pulse/internal/session"
	"github.com/claraverse/pulse/internal/transport"
)

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run headless: push streams, local API and relay",
	Long: `Connects to the ClaraVerse push streams, keeps the online-user set and the
notification list current, and serves them on the local API (listen_addr).
New notifications are relayed to Redis when redis_url is set.

Editing the config file rotates the token in place; logging in as another
user restarts the session. Stops on SIGINT or SIGTERM.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.LoggedIn() {
		return errors.New("not authenticated. Please run 'pulse login' first")
	}

	logging.Init(logLevel(cfg), cfg.LogFormat)
	logger := slog.Default()
	logger.Info("starting pulse", "version", AppVersion, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bellOut io.Writer
	if cfg.Bell {
		bellOut = os.Stdout
	}
	return serve(ctx, path, cfg, serveOptions{Logger: logger, BellOut: bellOut})
}

type serveOptions struct {
	Logger    *slog.Logger
	BellOut   io.Writer
	Transport transport.Options
	// OnReady is called each time a runtime is up and the API is listening
	OnReady func(rt *Runtime, addr string)
}

const shutdownTimeout = 5 * time.Second

// serve runs runtime and local API until ctx is done, rebuilding both when
// the config file switches to another user.
func serve(ctx context.Context, path string, cfg *config.Config, opts serveOptions) error {
	logger := logging.WithComponent(opts.Logger, "start")

	for {
		if !cfg.LoggedIn() {
			logger.Info("credential removed, stopping")
			return session.ErrNoSession
		}

		next, err := serveOnce(ctx, path, cfg, opts, logger)
		if err != nil || next == nil {
			return err
		}
		logger.Info("session user changed, restarting", "user_id", next.UserID)
		cfg = next
	}
}

// serveOnce returns the config to restart with, or nil on shutdown
func serveOnce(ctx context.Context, path string, cfg *config.Config, opts serveOptions, logger *slog.Logger) (*config.Config, error) {
	rt, err := NewRuntime(cfg, RuntimeOptions{
		Logger:    opts.Logger,
		BellOut:   opts.BellOut,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Stop()
		return nil, err
	}
	defer rt.Stop()

	srv := server.New(server.Config{
		Presence:      rt.Presence,
		Notifications: rt.Store,
		Registry:      rt.Registry,
		Logger:        opts.Logger,
	})
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("local API shutdown", "error", err)
		}
	}()

	restart := make(chan *config.Config, 1)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		err := config.Watch(watchCtx, path, func(next *config.Config) {
			err := rt.UpdateSession(next)
			switch {
			case err == nil:
			case errors.Is(err, ErrUserChanged), errors.Is(err, session.ErrNoSession):
				select {
				case restart <- next:
				default:
				}
			default:
				logger.Warn("ignoring config change", "error", err)
			}
		}, opts.Logger)
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		}
	}()

	if opts.OnReady != nil {
		opts.OnReady(rt, ln.Addr().String())
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil, nil
	case next := <-restart:
		return next, nil
	case err := <-serveErr:
		return nil, fmt.Errorf("local API stopped: %w", err)
	}
}
