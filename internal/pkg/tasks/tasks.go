// Package tasks binds every job type to the service that executes it. The
// handlers turn service errors into task results: transient failures are
// handed back to the queue for a retry, everything else is final.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/accounts"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/billing"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/reconcile"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

const (
	ReasonInvalidPayload   = "invalid job payload"
	ReasonArchiveDisabled  = "webhook archive is disabled"
	DefaultRepairBatchSize = 100
)

// WebhookArchiver stores raw webhook payloads.
type WebhookArchiver interface {
	ArchiveWebhook(ctx context.Context, event *models.BillingWebhookEvent) (string, error)
}

type Handlers struct {
	Billing   *billing.Service
	Accounts  *accounts.Service
	Reconcile *reconcile.Service
	Archive   WebhookArchiver
}

// Register binds all handlers to q.
func (h *Handlers) Register(q *jobqueue.Queue) {
	q.Register(jobqueue.JobTypePaddleTransactionEvent, h.paddle(h.Billing.ApplyTransactionEvent))
	q.Register(jobqueue.JobTypePaddleSubscriptionEvent, h.paddle(h.Billing.ApplySubscriptionEvent))
	q.Register(jobqueue.JobTypePaddleProductEvent, h.paddle(h.Billing.ApplyProductEvent))
	q.Register(jobqueue.JobTypeCreateMailAccount, h.createMailAccount)
	q.Register(jobqueue.JobTypeUpdateMailQuota, h.updateMailQuota)
	q.Register(jobqueue.JobTypeUpdatePlanQuota, h.updatePlanQuota)
	q.Register(jobqueue.JobTypeSyncIdentityPlan, h.syncIdentityPlan)
	q.Register(jobqueue.JobTypeArchiveWebhookEvent, h.archiveWebhookEvent)
	q.Register(jobqueue.JobTypeRepairAccounts, h.repairAccounts)
}

// RegisterPeriodic schedules the sweep over unverified accounts.
func RegisterPeriodic(m *jobqueue.Manager, interval time.Duration) {
	m.AddPeriodic("repair_unverified_accounts", interval, func(ctx context.Context) error {
		payload := jobqueue.RepairJobPayload{Limit: DefaultRepairBatchSize}.ToMap()
		_, err := m.GetQueue().Schedule(ctx, jobqueue.JobTypeRepairAccounts, payload)
		return err
	})
}

// finish maps a service error to the task result.
func finish(err error, data map[string]interface{}) (jobqueue.Result, error) {
	if err == nil {
		return jobqueue.Success(data), nil
	}
	if syncerr.IsTransient(err) {
		return jobqueue.Result{}, err
	}
	return jobqueue.Failed(syncerr.Reason(err), data), nil
}

type applyFunc func(ctx context.Context, p *jobqueue.PaddleEventPayload) (*billing.Outcome, error)

func (h *Handlers) paddle(apply applyFunc) jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
		payload, err := jobqueue.PaddleEventPayloadFromMap(job.Payload)
		if err != nil {
			return jobqueue.Failed(ReasonInvalidPayload, nil), nil
		}

		outcome, err := apply(ctx, payload)
		if syncerr.IsTransient(err) {
			return jobqueue.Result{}, err
		}
		if outcome == nil {
			outcome = &billing.Outcome{}
		}

		var result jobqueue.Result
		switch {
		case err != nil:
			result = jobqueue.Failed(syncerr.Reason(err), map[string]interface{}{"paddle_id": outcome.PaddleID})
		case !outcome.Verdict.Accepted():
			result = jobqueue.Skipped(outcome.Verdict.Reason)
			result.Data["paddle_id"] = outcome.PaddleID
		default:
			result = jobqueue.Success(outcome.Data())
		}

		if payload.WebhookEventID != 0 {
			processingErr := ""
			if err != nil {
				processingErr = result.Reason
			}
			if markErr := h.Billing.MarkWebhookProcessed(ctx, payload.WebhookEventID, processingErr); markErr != nil {
				log.Warnf("[Tasks] Could not mark webhook %d processed: %v", payload.WebhookEventID, markErr)
			}
		}
		return result, nil
	}
}

func (h *Handlers) createMailAccount(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
	payload, err := jobqueue.AccountJobPayloadFromMap(job.Payload)
	if err != nil || payload.UserUUID == "" {
		return jobqueue.Failed(ReasonInvalidPayload, nil), nil
	}
	data := map[string]interface{}{"user_uuid": payload.UserUUID}
	outcome, err := h.Accounts.ProvisionMailAccount(ctx, payload.UserUUID, payload.AppPasswordSecret)
	if outcome != nil {
		data["state"] = outcome.State.String()
		if err == nil {
			data["principal_id"] = outcome.PrincipalID
			data["created"] = outcome.Created
			data["healed"] = outcome.Healed
		}
	}
	return finish(err, data)
}

func (h *Handlers) updateMailQuota(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
	payload, err := jobqueue.AccountJobPayloadFromMap(job.Payload)
	if err != nil || payload.UserUUID == "" {
		return jobqueue.Failed(ReasonInvalidPayload, nil), nil
	}
	quota, err := h.Accounts.ApplyQuota(ctx, payload.UserUUID)
	return finish(err, map[string]interface{}{"user_uuid": payload.UserUUID, "quota": quota})
}

func (h *Handlers) updatePlanQuota(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
	payload, err := jobqueue.PlanQuotaJobPayloadFromMap(job.Payload)
	if err != nil || payload.PlanID == 0 {
		return jobqueue.Failed(ReasonInvalidPayload, nil), nil
	}
	tally, err := h.Reconcile.UpdatePlanQuota(ctx, payload.PlanID)
	if errors.Is(err, reconcile.ErrPlanDoesNotExist) {
		return jobqueue.Failed(reconcile.ReasonPlanDoesNotExist, map[string]interface{}{"plan_id": payload.PlanID}), nil
	}
	if err != nil {
		return finish(err, nil)
	}
	return jobqueue.Success(map[string]interface{}{
		"plan_id": payload.PlanID,
		"updated": tally.Updated,
		"skipped": tally.Skipped,
		"errored": tally.Errored,
	}), nil
}

func (h *Handlers) syncIdentityPlan(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
	payload, err := jobqueue.AccountJobPayloadFromMap(job.Payload)
	if err != nil || payload.UserUUID == "" {
		return jobqueue.Failed(ReasonInvalidPayload, nil), nil
	}
	synced, err := h.Accounts.SyncIdentityPlan(ctx, payload.UserUUID)
	return finish(err, map[string]interface{}{"user_uuid": payload.UserUUID, "synced": synced})
}

func (h *Handlers) archiveWebhookEvent(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
	payload, err := jobqueue.ArchiveJobPayloadFromMap(job.Payload)
	if err != nil || payload.WebhookEventID == 0 {
		return jobqueue.Failed(ReasonInvalidPayload, nil), nil
	}
	if h.Archive == nil {
		return jobqueue.Failed(ReasonArchiveDisabled, nil), nil
	}
	event, err := h.Billing.GetWebhookEvent(ctx, payload.WebhookEventID)
	if err != nil {
		return finish(err, nil)
	}
	if event.ArchiveKey != "" {
		return jobqueue.Success(map[string]interface{}{"archive_key": event.ArchiveKey}), nil
	}

	key, err := h.Archive.ArchiveWebhook(ctx, event)
	if err != nil {
		// Storage errors are worth another attempt.
		return jobqueue.Result{}, &syncerr.TransientError{System: "s3", Op: "archive webhook", Err: err}
	}
	if err := h.Billing.SetArchiveKey(ctx, event.ID, key); err != nil {
		return finish(err, nil)
	}
	return jobqueue.Success(map[string]interface{}{"archive_key": key}), nil
}

func (h *Handlers) repairAccounts(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
	payload, err := jobqueue.RepairJobPayloadFromMap(job.Payload)
	if err != nil {
		return jobqueue.Failed(ReasonInvalidPayload, nil), nil
	}

	var summary *reconcile.Summary
	if len(payload.UserUUIDs) > 0 {
		summary, err = h.Reconcile.RepairAccounts(ctx, payload.UserUUIDs)
	} else {
		limit := payload.Limit
		if limit <= 0 {
			limit = DefaultRepairBatchSize
		}
		summary, err = h.Reconcile.RepairUnverified(ctx, limit)
	}
	if err != nil {
		return finish(err, nil)
	}
	return jobqueue.Success(SummaryData(summary)), nil
}

// SummaryData flattens a repair summary for task results and API answers.
func SummaryData(s *reconcile.Summary) map[string]interface{} {
	return map[string]interface{}{
		"created":   s.Created,
		"healed":    s.Healed,
		"unchanged": s.Unchanged,
		"skipped":   s.Skipped,
		"errored":   s.Errored,
		"results":   s.Results,
	}
}
