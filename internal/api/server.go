package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/cafrisales/notification-gateway/internal/auth"
	"github.com/cafrisales/notification-gateway/internal/model"
	"github.com/cafrisales/notification-gateway/internal/upstream"
)

type Server struct {
	app      *fiber.App
	registry *SessionRegistry
	log      *zap.SugaredLogger
}

func NewServer(registry *SessionRegistry, log *zap.SugaredLogger) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(fiberlogger.New())
	s := &Server{app: app, registry: registry, log: log}

	api := app.Group("/v1")
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authed := api.Group("", s.withSession)

	authed.Get("/notifications", s.listNotifications)
	authed.Get("/notifications/unread-count", s.unreadCount)
	authed.Post("/notifications/refresh", s.refresh)
	authed.Post("/notifications/push", s.pushNotification)
	authed.Patch("/notifications/read-all", s.markAllRead)
	authed.Patch("/notifications/:id/read", s.markRead)
	authed.Delete("/notifications", s.clearAll)
	authed.Get("/notifications/types", s.listTypes)
	authed.Get("/subscriptions", s.listSubscriptions)
	authed.Put("/subscriptions/:typeId", s.upsertSubscription)
	authed.Delete("/subscriptions/:typeId", s.unsubscribe)
	authed.Post("/logout", s.logout)

	authed.Get("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	authed.Get("/ws", websocket.New(s.handleFeed))

	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown() error { return s.app.Shutdown() }

// withSession authenticates the request and pins the identity's engine to
// the request context. Only the toast feed upgrade accepts the token as a
// query parameter (browsers cannot set headers on websocket upgrades);
// plain REST requests must use the Authorization header so the credential
// never lands in access logs.
func (s *Server) withSession(c *fiber.Ctx) error {
	token, err := auth.ParseBearerToken(c.Get("Authorization"))
	if err != nil && websocket.IsWebSocketUpgrade(c) {
		if qt := c.Query("token"); qt != "" {
			token, err = qt, nil
		}
	}
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	sess, err := s.registry.Acquire(c.Context(), token)
	if err != nil {
		s.log.Warnw("session acquire failed", "err", err)
		if errors.Is(err, upstream.ErrUnauthorized) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credential"})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream unavailable"})
	}
	c.Locals("session", sess)
	return c.Next()
}

func session(c *fiber.Ctx) *Session {
	return c.Locals("session").(*Session)
}

func (s *Server) listNotifications(c *fiber.Ctx) error {
	sess := session(c)
	return c.JSON(fiber.Map{
		"data":         sess.Center.Notifications(),
		"unread_count": sess.Center.UnreadCount(),
		"connected":    sess.Center.IsConnected(),
	})
}

func (s *Server) unreadCount(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"count": session(c).Center.UnreadCount()})
}

func (s *Server) refresh(c *fiber.Ctx) error {
	sess := session(c)
	if err := sess.Center.Refresh(c.Context()); err != nil {
		if errors.Is(err, upstream.ErrUnauthorized) {
			s.registry.Drop(c.Context(), sess.Key)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credential"})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"data":         sess.Center.Notifications(),
		"unread_count": sess.Center.UnreadCount(),
	})
}

// pushNotification injects one raw event into the engine as if it arrived
// over the channel; used by native push handlers (FCM/APNs callbacks) that
// receive notifications out of band.
func (s *Server) pushNotification(c *fiber.Ctx) error {
	session(c).Center.PushNotification(c.Body())
	return c.JSON(fiber.Map{"success": true})
}

func mutationStatus(c *fiber.Ctx, res model.MutationResult) error {
	if res.Success {
		return c.JSON(fiber.Map{"success": true})
	}
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	// optimistic state may already be applied; the caller decides whether
	// to surface an error toast
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": false, "error": msg})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	return mutationStatus(c, session(c).Center.MarkAsRead(c.Context(), c.Params("id")))
}

func (s *Server) markAllRead(c *fiber.Ctx) error {
	return mutationStatus(c, session(c).Center.MarkAllAsRead(c.Context()))
}

func (s *Server) clearAll(c *fiber.Ctx) error {
	session(c).Center.ClearAll(c.Context())
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) listTypes(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": session(c).Center.Types()})
}

func (s *Server) listSubscriptions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": session(c).Center.Preferences()})
}

func (s *Server) upsertSubscription(c *fiber.Ctx) error {
	var body struct {
		Push  bool `json:"pushEnabled"`
		Email bool `json:"emailEnabled"`
		SMS   bool `json:"smsEnabled"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	res := session(c).Center.SetChannels(c.Context(), c.Params("typeId"), body.Push, body.Email, body.SMS)
	return mutationStatus(c, res)
}

func (s *Server) unsubscribe(c *fiber.Ctx) error {
	return mutationStatus(c, session(c).Center.Unsubscribe(c.Context(), c.Params("typeId")))
}

func (s *Server) logout(c *fiber.Ctx) error {
	sess := session(c)
	s.registry.Drop(c.Context(), sess.Key)
	return c.JSON(fiber.Map{"success": true})
}
