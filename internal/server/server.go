package server

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claraverse/pulse/internal/logging"
	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/presence"
)

// Presence is the aggregator surface the API exposes
type Presence interface {
	Subscribe(l presence.Listener) (unsubscribe func())
	Snapshot() presence.Set
	IsOnline(userID string) bool
	Refresh(ctx context.Context) error
	Connected() bool
}

// Notifications is the store surface the API exposes
type Notifications interface {
	Notifications() []models.Notification
	Counts() models.Counts
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Sync(ctx context.Context) error
	Watch(fn func(models.Notification)) (cancel func())
	Connected() bool
}

// Config wires a Server
type Config struct {
	Presence      Presence
	Notifications Notifications
	// Registry enables GET /metrics when set
	Registry *prometheus.Registry
	// Origins allowed for browser clients; defaults to localhost dev servers
	Origins        []string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

const defaultRequestTimeout = 15 * time.Second

// Server is the local companion API: REST reads and actions over the
// presence aggregator and notification store, plus websocket fan-out.
type Server struct {
	cfg    Config
	app    *fiber.App
	logger *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// New builds the fiber app and its routes
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.Origins) == 0 {
		cfg.Origins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	s := &Server{
		cfg:     cfg,
		logger:  logging.WithComponent(cfg.Logger, "server"),
		closing: make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "pulse",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(s.requestLogger)

	if cfg.Registry != nil {
		prom := fiberprometheus.NewWithRegistry(cfg.Registry, "pulse", "pulse", "http", nil)
		prom.RegisterAt(app, "/metrics")
		app.Use(prom.Middleware)
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Origins, ","),
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	app.Get("/health", s.health)

	api := app.Group("/api")
	api.Get("/presence", s.listPresence)
	api.Post("/presence/refresh", s.refreshPresence)
	api.Get("/presence/:userId", s.userPresence)
	api.Get("/notifications", s.listNotifications)
	api.Get("/notifications/counts", s.counts)
	api.Put("/notifications/read-all", s.markAllRead)
	api.Post("/notifications/refresh", s.refreshNotifications)
	api.Put("/notifications/:id/read", s.markRead)

	app.Use("/ws", s.socketGuard)
	// origins are checked by socketGuard, which also admits local clients
	// that send no Origin header
	wsConfig := websocket.Config{Origins: []string{"*"}}
	app.Get("/ws/presence", websocket.New(s.presenceSocket, wsConfig))
	app.Get("/ws/notifications", websocket.New(s.notificationSocket, wsConfig))

	s.app = app
	return s
}

// socketGuard admits websocket upgrades from non-browser clients (no Origin)
// and from the configured browser origins.
func (s *Server) socketGuard(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	origin := c.Get(fiber.HeaderOrigin)
	if origin == "" {
		return c.Next()
	}
	for _, allowed := range s.cfg.Origins {
		if allowed == "*" || allowed == origin {
			return c.Next()
		}
	}
	return fiber.NewError(fiber.StatusForbidden, "origin not allowed")
}

// App exposes the fiber app, mostly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve serves on an existing listener until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("local API listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown closes every open socket, then stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
	)
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	if code >= 500 {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.cfg.RequestTimeout)
}
