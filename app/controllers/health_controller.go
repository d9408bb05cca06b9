package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/health"
)

type HealthController struct {
	checker *health.Checker
}

func NewHealthController(checker *health.Checker) *HealthController {
	return &HealthController{checker: checker}
}

// HandleHealth answers 200 when every dependency is reachable, 503 otherwise.
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	status := hc.checker.Check(c.UserContext())
	if !health.Healthy(status) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.Status(fiber.StatusOK).JSON(status)
}
