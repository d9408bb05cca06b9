package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/security"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

// Activator turns on plan features for a user once an entitling
// subscription has been applied.
type Activator interface {
	ActivateSubscriptionFeatures(ctx context.Context, userUUID string, planID uint) error
}

// Service applies Paddle events to the local billing mirror.
type Service struct {
	repo          Repository
	signingSecret string
	activator     Activator
}

// NewService creates a billing service from an injected repository.
// signingSecret verifies the signed user id the checkout embeds.
func NewService(repo Repository, signingSecret string) *Service {
	return &Service{repo: repo, signingSecret: signingSecret}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, signingSecret string) *Service {
	return NewService(NewRepository(db), signingSecret)
}

// SetActivator wires plan activation. Without one, subscriptions are only
// mirrored.
func (s *Service) SetActivator(a Activator) {
	s.activator = a
}

// occurredAt normalizes webhook timestamps to the precision the database
// keeps, so equal events compare equal after a round trip.
func occurredAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ApplyTransactionEvent mirrors a transaction.created/updated payload.
func (s *Service) ApplyTransactionEvent(ctx context.Context, p *jobqueue.PaddleEventPayload) (*Outcome, error) {
	var data PaddleTransaction
	if err := DecodePaddleData(p.Data, &data); err != nil {
		return &Outcome{}, err
	}
	outcome := &Outcome{PaddleID: data.ID}
	if err := data.Validate(); err != nil {
		return outcome, err
	}

	ev := Event{Entity: EntityTransaction, PaddleID: data.ID, OccurredAt: occurredAt(p.OccurredAt), IsCreate: p.IsCreateEvent}
	txn := &models.Transaction{
		PaddleID:             data.ID,
		PaddleSubscriptionID: stringOrEmpty(data.SubscriptionID),
		Total:                data.Details.Totals.Total,
		Tax:                  data.Details.Totals.Tax,
		Currency:             strings.ToUpper(data.Details.Totals.CurrencyCode),
		Status:               data.Status,
		Origin:               data.Origin,
		InvoiceNumber:        stringOrEmpty(data.InvoiceNumber),
		BilledAt:             utcPtr(data.BilledAt),
	}
	res, err := s.repo.ApplyTransaction(ev, txn)
	if err != nil {
		return outcome, fmt.Errorf("apply transaction %s: %w", data.ID, err)
	}
	s.fill(outcome, ev, res)
	return outcome, nil
}

// ApplySubscriptionEvent mirrors a subscription.created/updated payload and,
// for entitling subscriptions, activates the plan for the user.
func (s *Service) ApplySubscriptionEvent(ctx context.Context, p *jobqueue.PaddleEventPayload) (*Outcome, error) {
	var data PaddleSubscription
	if err := DecodePaddleData(p.Data, &data); err != nil {
		return &Outcome{}, err
	}
	outcome := &Outcome{PaddleID: data.ID}
	if strings.TrimSpace(data.ID) == "" {
		return outcome, syncerr.Malformed(ReasonNoPaddleID)
	}

	user, err := s.resolveSignedUser(data.SignedUserID())
	if err != nil {
		return outcome, err
	}

	ev := Event{Entity: EntitySubscription, PaddleID: data.ID, OccurredAt: occurredAt(p.OccurredAt), IsCreate: p.IsCreateEvent}
	sub := &models.Subscription{
		PaddleID:         data.ID,
		PaddleCustomerID: data.CustomerID,
		Status:           data.Status,
		UserID:           &user.ID,
		NextBilledAt:     utcPtr(data.NextBilledAt),
	}
	if data.CurrentBillingPeriod != nil {
		sub.CurrentBillingPeriodStart = utcPtr(data.CurrentBillingPeriod.StartsAt)
		sub.CurrentBillingPeriodEnd = utcPtr(data.CurrentBillingPeriod.EndsAt)
	}

	items := make([]models.SubscriptionItem, 0, len(data.Items))
	productIDs := make([]string, 0, len(data.Items))
	for _, item := range data.Items {
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		items = append(items, models.SubscriptionItem{
			PaddlePriceID:   item.Price.ID,
			PaddleProductID: item.ProductID(),
			Quantity:        quantity,
		})
		if id := item.ProductID(); id != "" {
			productIDs = append(productIDs, id)
		}
	}

	transactionID := ""
	if p.IsCreateEvent {
		transactionID = stringOrEmpty(data.TransactionID)
	}
	res, err := s.repo.ApplySubscription(ev, sub, items, transactionID)
	if err != nil {
		return outcome, fmt.Errorf("apply subscription %s: %w", data.ID, err)
	}
	s.fill(outcome, ev, res)
	if !res.Verdict.Accepted() || !models.IsEntitlingSubscriptionStatus(data.Status) {
		return outcome, nil
	}

	plan, err := s.repo.FindPlanForProducts(productIDs)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnf("[Billing] Subscription %s has no plan for products %v", data.ID, productIDs)
		return outcome, nil
	}
	if err != nil {
		return outcome, fmt.Errorf("resolve plan for subscription %s: %w", data.ID, err)
	}
	if s.activator == nil {
		return outcome, nil
	}
	if err := s.activator.ActivateSubscriptionFeatures(ctx, user.UUID, plan.ID); err != nil {
		// %v on purpose: the mirror is already written, a retry would be
		// rejected by the gate. Operators re-run plan activation instead.
		log.Errorf("[Billing] Activating plan %d for user %s failed: %v", plan.ID, user.UUID, err)
		return outcome, fmt.Errorf("activate plan %d for user %s: %v", plan.ID, user.UUID, err)
	}
	return outcome, nil
}

// ApplyProductEvent mirrors a product.created/updated payload.
func (s *Service) ApplyProductEvent(ctx context.Context, p *jobqueue.PaddleEventPayload) (*Outcome, error) {
	var data PaddleProduct
	if err := DecodePaddleData(p.Data, &data); err != nil {
		return &Outcome{}, err
	}
	outcome := &Outcome{PaddleID: data.ID}
	if strings.TrimSpace(data.ID) == "" {
		return outcome, syncerr.Malformed(ReasonNoPaddleID)
	}

	product := &models.Product{
		PaddleID:    data.ID,
		Name:        data.Name,
		Description: stringOrEmpty(data.Description),
		ProductType: data.Type,
		Status:      data.Status,
	}
	if product.ProductType == "" {
		product.ProductType = models.ProductTypeStandard
	}
	if product.Status == "" {
		product.Status = models.ProductStatusActive
	}

	ev := Event{Entity: EntityProduct, PaddleID: data.ID, OccurredAt: occurredAt(p.OccurredAt), IsCreate: p.IsCreateEvent}
	res, err := s.repo.ApplyProduct(ev, product)
	if err != nil {
		return outcome, fmt.Errorf("apply product %s: %w", data.ID, err)
	}
	s.fill(outcome, ev, res)
	return outcome, nil
}

func (s *Service) fill(outcome *Outcome, ev Event, res *ApplyResult) {
	outcome.Verdict = res.Verdict
	outcome.Created = res.Created
	outcome.ModelUUID = res.ModelUUID
	if res.Verdict.Accepted() {
		log.Infof("[Billing] Applied %s %s (created=%t, occurred_at=%s)", ev.Entity, ev.PaddleID, res.Created, ev.OccurredAt.Format(time.RFC3339Nano))
		return
	}
	log.Infof("[Billing] Skipped %s %s: %s", ev.Entity, ev.PaddleID, res.Verdict.Reason)
}

// resolveSignedUser verifies the checkout's signed user id and loads the user.
func (s *Service) resolveSignedUser(signed string) (*models.User, error) {
	if signed == "" {
		return nil, syncerr.Malformed(ReasonNoSignedUserID)
	}
	value, err := security.UnsignValue(signed, s.signingSecret)
	if err != nil {
		log.Warnf("[Billing] Rejected signed user id: %v", err)
		return nil, syncerr.Malformed(ReasonInvalidSignedUser)
	}
	// The checkout signs the uuid without dashes.
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, syncerr.Malformed(ReasonInvalidSignedUser)
	}
	user, err := s.repo.GetUserByUUID(id.String())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.Malformed(ReasonUserDoesNotExist)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SignUserID produces the value the checkout embeds as signed_user_id.
func SignUserID(userUUID, secret string) (string, error) {
	id, err := uuid.Parse(userUUID)
	if err != nil {
		return "", err
	}
	return security.SignValue(strings.ReplaceAll(id.String(), "-", ""), secret)
}

// EntitlingPlan resolves the plan a user is entitled to through their
// current subscription.
func (s *Service) EntitlingPlan(ctx context.Context, userID uint) (*models.Plan, error) {
	_ = ctx
	sub, err := s.repo.FindEntitlingSubscription(userID)
	if err != nil {
		return nil, err
	}
	productIDs := make([]string, 0, len(sub.Items))
	for _, item := range sub.Items {
		productIDs = append(productIDs, item.PaddleProductID)
	}
	return s.repo.FindPlanForProducts(productIDs)
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

func (s *Service) GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	_ = ctx
	return s.repo.GetWebhookEvent(id)
}

// AttachJob remembers which job applies a stored webhook.
func (s *Service) AttachJob(ctx context.Context, webhookEventID uint, jobID string) error {
	_ = ctx
	return s.repo.SetWebhookJobID(webhookEventID, jobID)
}

func (s *Service) SetArchiveKey(ctx context.Context, webhookEventID uint, key string) error {
	_ = ctx
	return s.repo.SetWebhookArchiveKey(webhookEventID, key)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr string) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, processingErr)
}
