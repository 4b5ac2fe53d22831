package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/claraverse/pulse/internal/notifications"
)

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":             "healthy",
		"push_connected":     s.cfg.Notifications.Connected(),
		"presence_connected": s.cfg.Presence.Connected(),
		"timestamp":          time.Now().Format(time.RFC3339),
	})
}

func (s *Server) listPresence(c *fiber.Ctx) error {
	set := s.cfg.Presence.Snapshot()
	return c.JSON(fiber.Map{
		"online_users": set,
		"count":        set.Len(),
	})
}

func (s *Server) userPresence(c *fiber.Ctx) error {
	userID := c.Params("userId")
	return c.JSON(fiber.Map{
		"user_id": userID,
		"online":  s.cfg.Presence.IsOnline(userID),
	})
}

func (s *Server) refreshPresence(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.cfg.Presence.Refresh(ctx); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "failed to refresh presence: "+err.Error())
	}
	return s.listPresence(c)
}

func (s *Server) listNotifications(c *fiber.Ctx) error {
	list := s.cfg.Notifications.Notifications()
	if c.QueryBool("unread") {
		unread := list[:0]
		for _, n := range list {
			if !n.IsRead {
				unread = append(unread, n)
			}
		}
		list = unread
	}
	return c.JSON(list)
}

func (s *Server) counts(c *fiber.Ctx) error {
	return c.JSON(s.cfg.Notifications.Counts())
}

// markRead answers 202 when the local flip succeeded but the backend did
// not; the store keeps retrying in that case.
func (s *Server) markRead(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	id := c.Params("id")
	err := s.cfg.Notifications.MarkRead(ctx, id)
	switch {
	case errors.Is(err, notifications.ErrNotificationNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Warn("mark read not synced", "id", id, "error", err)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "read": true, "synced": false})
	}
	return c.JSON(fiber.Map{"id": id, "read": true, "synced": true})
}

func (s *Server) markAllRead(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.cfg.Notifications.MarkAllRead(ctx); err != nil {
		s.logger.Warn("mark all read not synced", "error", err)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"read": true, "synced": false})
	}
	return c.JSON(fiber.Map{"read": true, "synced": true})
}

func (s *Server) refreshNotifications(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.cfg.Notifications.Sync(ctx); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "failed to refresh notifications: "+err.Error())
	}
	return c.JSON(s.cfg.Notifications.Counts())
}
