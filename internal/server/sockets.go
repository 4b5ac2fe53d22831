package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/claraverse/pulse/internal/models"
	"github.com/claraverse/pulse/internal/presence"
)

const (
	socketWriteWait  = 5 * time.Second
	socketPingPeriod = 30 * time.Second
	socketBuffer     = 32
)

type presenceFrame struct {
	Type    string       `json:"type"`
	UserIDs presence.Set `json:"user_ids"`
}

type notificationFrame struct {
	Type         string              `json:"type"`
	Notification models.Notification `json:"notification"`
}

// presenceSocket makes the socket one more aggregator listener. The current
// set is sent first, then every change.
func (s *Server) presenceSocket(c *websocket.Conn) {
	out := make(chan []byte, socketBuffer)
	connID := uuid.New().String()
	logger := s.logger.With("conn_id", connID, "socket", "presence")

	unsubscribe := s.cfg.Presence.Subscribe(func(set presence.Set) {
		data, err := json.Marshal(presenceFrame{Type: "online_users", UserIDs: set})
		if err != nil {
			return
		}
		// listeners run inside the aggregator's fan-out and must not block
		select {
		case out <- data:
		default:
			logger.Warn("socket too slow, dropping presence frame")
		}
	})
	defer unsubscribe()

	s.pump(c, out, logger)
}

// notificationSocket forwards every new push arrival
func (s *Server) notificationSocket(c *websocket.Conn) {
	out := make(chan []byte, socketBuffer)
	connID := uuid.New().String()
	logger := s.logger.With("conn_id", connID, "socket", "notifications")

	cancel := s.cfg.Notifications.Watch(func(n models.Notification) {
		data, err := json.Marshal(notificationFrame{Type: "new_notification", Notification: n})
		if err != nil {
			return
		}
		select {
		case out <- data:
		default:
			logger.Warn("socket too slow, dropping notification frame")
		}
	})
	defer cancel()

	s.pump(c, out, logger)
}

// pump writes queued frames until the client goes away or the server shuts
// down. Client messages are read and discarded to notice disconnects.
func (s *Server) pump(c *websocket.Conn, out <-chan []byte, logger *slog.Logger) {
	logger.Debug("socket opened")
	defer logger.Debug("socket closed")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return

		case <-s.closing:
			c.SetWriteDeadline(time.Now().Add(socketWriteWait))
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case data := <-out:
			c.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
