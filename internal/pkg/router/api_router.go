package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/middleware"
)

const webhookPrefix = "/api/webhooks/"

type ApiRouter struct {
	h Handlers
}

func (r ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", middleware.AllowedHosts(r.h.Config), limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    r.h.LimiterStorage,
		// Paddle retries on 429, which only delays delivery.
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), webhookPrefix)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}))
	api.Get("/health", r.h.Health.HandleHealth)
	api.Post("/webhooks/paddle", r.h.Billing.HandlePaddleWebhook)
}

func NewApiRouter(h Handlers) *ApiRouter {
	return &ApiRouter{h: h}
}
