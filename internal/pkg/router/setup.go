package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MailAccounts/app/controllers"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Handlers bundles everything the routes are bound to.
type Handlers struct {
	Billing    *controllers.BillingController
	Health     *controllers.HealthController
	Admin      *controllers.AdminController
	Statistics *controllers.StatisticsController
	Config     *config.Holder
	// LimiterStorage backs the /api rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, h Handlers) {
	setup(app, NewApiRouter(h), NewAdminRouter(h))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
