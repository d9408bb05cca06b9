package controllers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/repository"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/accounts"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/reconcile"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/security"
)

// AppPasswordLabel names the app password created with an account.
const AppPasswordLabel = "mail"

// JobQueue is the part of the job queue the operator API needs.
type JobQueue interface {
	JobScheduler
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetDelayedSize(ctx context.Context) (int64, error)
	GetDeadJobIDs(ctx context.Context, limit int64) ([]string, error)
}

// ============================================================================
// ADMIN CONTROLLER - operator API
// ============================================================================

type AdminController struct {
	accounts  *accounts.Service
	reconcile *reconcile.Service
	planRepo  repository.PlanRepository
	jobs      JobQueue
	cfg       *config.Holder
	counters  *counter.Counter
}

// NewAdminController builds the operator API. counters may be nil.
func NewAdminController(accountsSvc *accounts.Service, reconcileSvc *reconcile.Service, planRepo repository.PlanRepository, jobs JobQueue, cfg *config.Holder, counters *counter.Counter) *AdminController {
	return &AdminController{
		accounts:  accountsSvc,
		reconcile: reconcileSvc,
		planRepo:  planRepo,
		jobs:      jobs,
		cfg:       cfg,
		counters:  counters,
	}
}

type repairRequest struct {
	UserUUIDs []string `json:"user_uuids" validate:"omitempty,max=1000,dive,uuid"`
	Limit     int      `json:"limit" validate:"omitempty,min=1,max=1000"`
}

type userBatchRequest struct {
	UserUUIDs []string `json:"user_uuids" validate:"required,min=1,max=1000,dive,uuid"`
}

type planQuotaRequest struct {
	MailStorageBytes *int64 `json:"mail_storage_bytes" validate:"omitempty,min=0"`
}

type provisionRequest struct {
	AppPassword string `json:"app_password" validate:"omitempty,min=12"`
}

// HandleRepair repairs the given accounts, or the unverified ones when no
// UUIDs are passed.
func (ac *AdminController) HandleRepair(c *fiber.Ctx) error {
	var req repairRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	var (
		summary *reconcile.Summary
		err     error
	)
	if len(req.UserUUIDs) > 0 {
		summary, err = ac.reconcile.RepairAccounts(c.UserContext(), req.UserUUIDs)
	} else {
		limit := req.Limit
		if limit == 0 {
			limit = 100
		}
		summary, err = ac.reconcile.RepairUnverified(c.UserContext(), limit)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(summary)
}

func (ac *AdminController) HandleActivatePlans(c *fiber.Ctx) error {
	var req userBatchRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	tally, err := ac.reconcile.ActivatePlans(c.UserContext(), req.UserUUIDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(tally)
}

func (ac *AdminController) HandleSyncIdentity(c *fiber.Ctx) error {
	var req userBatchRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	tally, err := ac.reconcile.SyncIdentity(c.UserContext(), req.UserUUIDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(tally)
}

// HandlePlanQuota optionally changes a plan's storage and queues the fan-out
// to its subscribers.
func (ac *AdminController) HandlePlanQuota(c *fiber.Ctx) error {
	planID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || planID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_plan_id"})
	}
	var req planQuotaRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	plan, err := ac.planRepo.GetByID(uint(planID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": reconcile.ReasonPlanDoesNotExist})
	}
	if err != nil {
		return respondError(c, err)
	}
	if req.MailStorageBytes != nil && *req.MailStorageBytes != plan.MailStorageBytes {
		plan.MailStorageBytes = *req.MailStorageBytes
		if err := ac.planRepo.Update(plan); err != nil {
			return respondError(c, err)
		}
		log.Infof("[Admin] Plan %d storage set to %d bytes", plan.ID, plan.MailStorageBytes)
	}

	return ac.schedule(c, jobqueue.JobTypeUpdatePlanQuota, jobqueue.PlanQuotaJobPayload{PlanID: plan.ID}.ToMap())
}

// HandleProvisionAccount queues provisioning for an existing user. An app
// password in the body is hashed before it is queued.
func (ac *AdminController) HandleProvisionAccount(c *fiber.Ctx) error {
	var req provisionRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	user, err := ac.accounts.User(c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}

	payload := jobqueue.AccountJobPayload{UserUUID: user.UUID}
	if req.AppPassword != "" {
		hash, err := security.HashAppPassword(req.AppPassword)
		if err != nil {
			return respondError(c, err)
		}
		payload.AppPasswordSecret = mailclient.AppPasswordSecret(AppPasswordLabel, hash)
	}
	return ac.schedule(c, jobqueue.JobTypeCreateMailAccount, payload.ToMap())
}

func (ac *AdminController) HandleUpdateAccountQuota(c *fiber.Ctx) error {
	user, err := ac.accounts.User(c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}
	return ac.schedule(c, jobqueue.JobTypeUpdateMailQuota, jobqueue.AccountJobPayload{UserUUID: user.UUID}.ToMap())
}

// HandleDeleteAccount runs the deletion inline so the caller learns whether
// the principal is gone.
func (ac *AdminController) HandleDeleteAccount(c *fiber.Ctx) error {
	userUUID := c.Params("uuid")
	if err := ac.accounts.DeleteAccount(c.UserContext(), userUUID); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "user_uuid": userUUID})
}

func (ac *AdminController) HandleRecreateSigningKey(c *fiber.Ctx) error {
	domain := c.Params("domain")
	removed, err := ac.accounts.Machine().RecreateSigningKey(c.UserContext(), domain)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"domain": domain, "deleted": removed})
}

func (ac *AdminController) HandleGetJob(c *fiber.Ctx) error {
	job, err := ac.jobs.GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, redis.Nil) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "job not found or expired"})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(job)
}

func (ac *AdminController) HandleJobStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats, err := ac.jobs.GetJobStats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	queued, err := ac.jobs.GetQueueSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	delayed, err := ac.jobs.GetDelayedSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	dead, err := ac.jobs.GetDeadJobIDs(ctx, int64(c.QueryInt("dead_limit", 20)))
	if err != nil {
		return respondError(c, err)
	}
	out := fiber.Map{
		"stats":   stats,
		"queued":  queued,
		"delayed": delayed,
		"dead":    dead,
	}
	if ac.counters != nil {
		webhooks, err := ac.counters.Webhooks(ctx)
		if err != nil {
			return respondError(c, err)
		}
		out["webhooks"] = webhooks
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

// HandleReloadConfig swaps in a freshly loaded configuration. A rejected
// reload keeps the running one.
func (ac *AdminController) HandleReloadConfig(c *fiber.Ctx) error {
	if err := ac.cfg.Reload(); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_configuration", "message": err.Error()})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "allowed_email_domains": ac.cfg.Get().AllowedEmailDomains})
}

func (ac *AdminController) schedule(c *fiber.Ctx, jobType jobqueue.JobType, payload map[string]interface{}) error {
	job, err := ac.jobs.Schedule(c.UserContext(), jobType, payload)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID})
}
