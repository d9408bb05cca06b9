package controllers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/apidocs"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/billing"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

const (
	webhookTimeout         = 15 * time.Second
	webhookSignatureMaxAge = 5 * time.Minute
)

// JobScheduler queues background jobs.
type JobScheduler interface {
	Schedule(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// BillingController receives Paddle notifications. It only records and
// queues them; the jobs apply them.
type BillingController struct {
	billing  *billing.Service
	jobs     JobScheduler
	cfg      *config.Holder
	counters *counter.Counter
}

// NewBillingController builds the receiver. counters may be nil.
func NewBillingController(svc *billing.Service, jobs JobScheduler, cfg *config.Holder, counters *counter.Counter) *BillingController {
	return &BillingController{billing: svc, jobs: jobs, cfg: cfg, counters: counters}
}

// envelopeHeader is read before validation to deduplicate by event id.
type envelopeHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

func (bc *BillingController) HandlePaddleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.Body()...)
	cfg := bc.cfg.Get()
	secret := cfg.PaddleWebhookSecret

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	var header envelopeHeader
	_ = json.Unmarshal(rawBody, &header)

	// Unverified deliveries are never stored, so they cannot shadow a
	// correctly signed redelivery of the same event id.
	signatureValid := false
	if secret != "" {
		signatureValid = billing.VerifyPaddleWebhookSignature(rawBody, c.Get(billing.PaddleSignatureHeader), secret, webhookSignatureMaxAge, time.Now())
		if !signatureValid {
			log.Warnf("[Webhook] Rejected Paddle event %q: invalid signature", header.EventID)
			bc.count(ctx, header.EventType, counter.OutcomeInvalidSignature)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature", "message": "invalid webhook signature"})
		}
	}

	created, stored, err := bc.billing.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderPaddle,
		ProviderEventID: header.EventID,
		EventType:       header.EventType,
		PayloadJSON:     string(rawBody),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		log.Errorf("[Webhook] Could not persist Paddle event %q: %v", header.EventID, err)
		bc.count(ctx, header.EventType, counter.OutcomeFailed)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	// A stored event without job or result was never queued; a redelivery
	// gets another chance.
	if !created && (stored.JobID != "" || stored.ProcessedAt != nil) {
		bc.count(ctx, header.EventType, counter.OutcomeDuplicate)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	wh, err := billing.ParsePaddleWebhook(rawBody)
	if err != nil {
		bc.markProcessed(ctx, stored.ID, syncerr.Reason(err))
		bc.count(ctx, header.EventType, counter.OutcomeInvalid)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_webhook", "message": syncerr.Reason(err)})
	}
	if err := apidocs.ValidateBody(apidocs.SchemaPaddleWebhook, rawBody); err != nil {
		bc.markProcessed(ctx, stored.ID, err.Error())
		bc.count(ctx, header.EventType, counter.OutcomeInvalid)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_webhook", "message": err.Error()})
	}

	jobType, isCreate, known := billing.TaskFor(wh.EventType)
	if !known || !wh.ShouldDispatch() {
		bc.markProcessed(ctx, stored.ID, "")
		bc.count(ctx, wh.EventType, counter.OutcomeIgnored)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	job, err := bc.jobs.Schedule(ctx, jobType, jobqueue.PaddleEventPayload{
		WebhookEventID: stored.ID,
		EventType:      wh.EventType,
		OccurredAt:     *wh.OccurredAt,
		IsCreateEvent:  isCreate,
		Data:           wh.Data,
	}.ToMap())
	if err != nil {
		log.Errorf("[Webhook] Could not queue Paddle event %s: %v", stored.ProviderEventID, err)
		bc.count(ctx, wh.EventType, counter.OutcomeFailed)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_enqueue_failed"})
	}
	if err := bc.billing.AttachJob(ctx, stored.ID, job.ID); err != nil {
		log.Warnf("[Webhook] Could not attach job %s to event %d: %v", job.ID, stored.ID, err)
	}

	if cfg.ArchiveWebhooks {
		if _, err := bc.jobs.Schedule(ctx, jobqueue.JobTypeArchiveWebhookEvent, jobqueue.ArchiveJobPayload{WebhookEventID: stored.ID}.ToMap()); err != nil {
			log.Warnf("[Webhook] Could not queue archive of event %d: %v", stored.ID, err)
		}
	}

	bc.count(ctx, wh.EventType, counter.OutcomeAccepted)
	log.Infof("[Webhook] Queued %s %s as job %s", wh.EventType, strings.TrimSpace(wh.PaddleID()), job.ID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true, "job_id": job.ID})
}

func (bc *BillingController) count(ctx context.Context, eventType, outcome string) {
	if bc.counters == nil {
		return
	}
	if err := bc.counters.AddWebhook(ctx, eventType, outcome); err != nil {
		log.Warnf("[Webhook] Could not count %s delivery: %v", outcome, err)
	}
}

func (bc *BillingController) markProcessed(ctx context.Context, id uint, reason string) {
	if err := bc.billing.MarkWebhookProcessed(ctx, id, reason); err != nil {
		log.Warnf("[Webhook] Could not mark event %d processed: %v", id, err)
	}
}
