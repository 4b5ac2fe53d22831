package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/claraverse/pulse/internal/alert"
	"github.com/claraverse/pulse/internal/backend"
	"github.com/claraverse/pulse/internal/config"
	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/metrics"
	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/notifications"
	"github.com/claraverse/pulse/internal/presence"
	"github.com/claraverse/pulse/internal/relay"
	"github.com/claraverse/pulse/internal/session"
	"github.com/claraverse/pulse/internal/transport"
)

// RuntimeOptions tweaks a Runtime
type RuntimeOptions struct {
	Logger *slog.Logger
	// BellOut receives the terminal bell; nil disables it
	BellOut io.Writer
	// Transport overrides manager options (tests shorten delays)
	Transport transport.Options
}

// Runtime wires one session's presence aggregator, notification store and
// their consumers on top of a shared transport manager.
type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Session   *session.Holder
	API       *backend.Client
	Transport *transport.Manager
	Presence  *presence.Aggregator
	Store     *notifications.Store

	relay *relay.Relay
	bell  *alert.Bell

	mu       sync.Mutex
	started  bool
	teardown []func()
}

// NewRuntime builds the runtime for cfg. Nothing connects until Start.
func NewRuntime(cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	identity, err := session.FromToken(cfg.AuthToken, cfg.UserID)
	if err != nil {
		return nil, err
	}
	trigger, err := cfg.RefreshTrigger()
	if err != nil {
		return nil, fmt.Errorf("invalid notifications_refresh: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithUser(logger, identity.UserID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	holder := session.NewHolder(identity)
	api := backend.NewClient(cfg.APIURL(), holder)

	topts := opts.Transport
	topts.Credentials = holder
	topts.Logger = logger
	topts.Metrics = m
	manager := transport.NewManager(topts)

	r := &Runtime{
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "runtime"),
		instanceID: uuid.New().String(),
		Registry:   reg,
		Metrics:    m,
		Session:    holder,
		API:        api,
		Transport:  manager,
	}

	r.Presence = presence.New(presence.Config{
		Transport:    manager,
		Fetcher:      api,
		Session:      holder,
		Endpoint:     cfg.PresenceURL(),
		PollInterval: cfg.PresencePollInterval(),
		Logger:       logger,
		Metrics:      m,
	})

	r.Store = notifications.NewStore(notifications.Config{
		API:        api,
		Session:    holder,
		Transport:  manager,
		WSBase:     cfg.PushURL(),
		Refresh:    trigger,
		PendingTTL: cfg.PendingTTLDuration(),
		Logger:     logger,
		Metrics:    m,
	})
	m.RegisterUnreadGauge(r.Store.Unread)

	if cfg.Bell && opts.BellOut != nil {
		r.bell = alert.NewBell(opts.BellOut, cfg.AlertIntervalDuration(), 3, logger)
	}
	return r, nil
}

// Start loads notifications, opens both push streams and attaches the
// relay and bell. A missing Redis only disables the relay.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	if err := r.Store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notifications: %w", err)
	}
	r.teardown = append(r.teardown, r.Store.Stop)

	if r.cfg.RedisURL != "" {
		rl, err := relay.Connect(ctx, r.cfg.RedisURL, r.instanceID, r.Session.Current().UserID, r.logger)
		if err != nil {
			r.logger.Warn("relay disabled", "error", err)
		} else {
			r.relay = rl
			r.teardown = append(r.teardown, func() { rl.Close() })
			r.teardown = append(r.teardown, r.Store.Watch(rl.NotificationReceived))
		}
	}

	if r.bell != nil {
		r.teardown = append(r.teardown, r.bell.Close)
		r.teardown = append(r.teardown, r.Store.Watch(r.bell.Notify))
	}

	// the runtime's own listener keeps presence alive for the process
	// lifetime; other consumers come and go on top of it
	unsubscribe := r.Presence.Subscribe(r.onPresence)
	r.teardown = append(r.teardown, unsubscribe)

	r.started = true
	r.logger.Info("runtime started",
		"backend", r.cfg.BackendURL,
		"relay", r.relay != nil,
		"bell", r.bell != nil,
	)
	return nil
}

func (r *Runtime) onPresence(s presence.Set) {
	r.logger.Debug("online users changed", "count", s.Len())
	if r.relay != nil {
		r.relay.PresenceChanged(s.IDs())
	}
}

// Stop tears everything down in reverse order and closes the transport
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.teardown) - 1; i >= 0; i-- {
		r.teardown[i]()
	}
	r.teardown = nil
	r.Presence.Close()
	r.Transport.Close()
	r.started = false
	r.logger.Info("runtime stopped")
}

// ErrUserChanged means a reloaded credential belongs to another user; the
// runtime must be rebuilt rather than updated in place.
var ErrUserChanged = errors.New("session user changed")

// UpdateSession swaps in a rotated credential. Streams pick it up on their
// next dial and REST calls immediately.
func (r *Runtime) UpdateSession(cfg *config.Config) error {
	identity, err := session.FromToken(cfg.AuthToken, cfg.UserID)
	if err != nil {
		return err
	}
	if identity.UserID != r.Session.Current().UserID {
		return ErrUserChanged
	}
	r.Session.Set(identity)
	r.logger.Info("session credential rotated")
	return nil
}

// UserID of the running session
func (r *Runtime) UserID() string {
	return r.Session.Current().UserID
}

// Online is the current online set
func (r *Runtime) Online() presence.Set {
	return r.Presence.Snapshot()
}

// Notifications is the current list
func (r *Runtime) Notifications() []models.Notification {
	return r.Store.Notifications()
}

// Counts are the unread counts
func (r *Runtime) Counts() models.Counts {
	return r.Store.Counts()
}

// PushConnected reports the notification stream state
func (r *Runtime) PushConnected() bool {
	return r.Store.Connected()
}

// PresenceConnected reports the presence stream state
func (r *Runtime) PresenceConnected() bool {
	return r.Presence.Connected()
}

// MarkRead marks one notification read
func (r *Runtime) MarkRead(ctx context.Context, id string) error {
	return r.Store.MarkRead(ctx, id)
}

// MarkAllRead marks everything read
func (r *Runtime) MarkAllRead(ctx context.Context) error {
	return r.Store.MarkAllRead(ctx)
}

// Refresh re-fetches online users and notifications
func (r *Runtime) Refresh(ctx context.Context) error {
	return errors.Join(r.Presence.Refresh(ctx), r.Store.Sync(ctx))
}
