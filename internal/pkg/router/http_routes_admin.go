package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/middleware"
)

type AdminRouter struct {
	h Handlers
}

func (r AdminRouter) InstallRouter(app *fiber.App) {
	ac := r.h.Admin
	adminGroup := app.Group("/api/v1/admin", middleware.AdminAPIKey(r.h.Config))

	// Batch operations
	adminGroup.Post("/repair", ac.HandleRepair)
	adminGroup.Post("/activate-plans", ac.HandleActivatePlans)
	adminGroup.Post("/sync-identity", ac.HandleSyncIdentity)
	adminGroup.Post("/plans/:id/quota", ac.HandlePlanQuota)

	// Single accounts
	adminGroup.Post("/accounts/:uuid/provision", ac.HandleProvisionAccount)
	adminGroup.Post("/accounts/:uuid/quota", ac.HandleUpdateAccountQuota)
	adminGroup.Delete("/accounts/:uuid", ac.HandleDeleteAccount)
	adminGroup.Post("/domains/:domain/signing-key", ac.HandleRecreateSigningKey)

	// Jobs + config
	adminGroup.Get("/jobs", ac.HandleJobStats)
	adminGroup.Get("/jobs/:id", ac.HandleGetJob)
	adminGroup.Post("/config/reload", ac.HandleReloadConfig)
	adminGroup.Get("/stats", r.h.Statistics.HandleStatistics)
}

func NewAdminRouter(h Handlers) *AdminRouter {
	return &AdminRouter{h: h}
}
