package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
)

// AllowedHosts rejects requests whose Host header is not in ALLOWED_HOSTS.
func AllowedHosts(cfg *config.Holder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Get().IsAllowedHost(c.Hostname()) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_host"})
		}
		return c.Next()
	}
}
