package billing

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/MailAccounts/app/models"
)

const maxGateAttempts = 3

// Repository provides DB operations used by the billing service.
type Repository interface {
	ApplyTransaction(ev Event, txn *models.Transaction) (*ApplyResult, error)
	ApplySubscription(ev Event, sub *models.Subscription, items []models.SubscriptionItem, transactionPaddleID string) (*ApplyResult, error)
	ApplyProduct(ev Event, product *models.Product) (*ApplyResult, error)
	GetUserByUUID(uuid string) (*models.User, error)
	FindPlanForProducts(paddleProductIDs []string) (*models.Plan, error)
	FindEntitlingSubscription(userID uint) (*models.Subscription, error)
	GetWebhookEvent(id uint) (*models.BillingWebhookEvent, error)
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	SetWebhookJobID(id uint, jobID string) error
	SetWebhookArchiveKey(id uint, key string) error
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

type gatedRow struct {
	ID               uint
	UUID             string
	WebhookUpdatedAt *time.Time
}

// applyGated evaluates ev against the stored row and performs the write in
// the same transaction. The update only matches while the stored timestamp
// is older than ev.OccurredAt, and a lost insert race surfaces as
// gorm.ErrDuplicatedKey; both cases re-read the row under lock and
// re-evaluate, so the caller always gets the precise rejection.
func applyGated(tx *gorm.DB, model interface{}, ev Event, insert func(tx *gorm.DB) (uint, string, error), updates map[string]interface{}) (*ApplyResult, error) {
	locking := false
	for attempt := 0; attempt < maxGateAttempts; attempt++ {
		var row gatedRow
		q := tx.Model(model).Select("id", "uuid", "webhook_updated_at").Where("paddle_id = ?", ev.PaddleID)
		if locking {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Take(&row).Error
		found := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return nil, err
		}

		// A row without a webhook timestamp is a placeholder written by a
		// related event; the entity's own create event fills it in.
		placeholder := found && row.WebhookUpdatedAt == nil
		verdict := Evaluate(ev, found && !placeholder, row.WebhookUpdatedAt)
		if !verdict.Accepted() {
			return &ApplyResult{Verdict: verdict, ModelID: row.ID, ModelUUID: row.UUID}, nil
		}

		if !found {
			var id uint
			var uuid string
			err := tx.Transaction(func(sp *gorm.DB) error {
				var ierr error
				id, uuid, ierr = insert(sp)
				return ierr
			})
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				locking = true
				continue
			}
			if err != nil {
				return nil, err
			}
			return &ApplyResult{Verdict: verdict, Created: true, ModelID: id, ModelUUID: uuid}, nil
		}

		res := tx.Model(model).
			Where("id = ? AND (webhook_updated_at IS NULL OR webhook_updated_at < ?)", row.ID, ev.OccurredAt).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			locking = true
			continue
		}
		return &ApplyResult{Verdict: verdict, ModelID: row.ID, ModelUUID: row.UUID}, nil
	}
	return nil, fmt.Errorf("%s %s: concurrent writes did not settle", ev.Entity, ev.PaddleID)
}

func subscriptionIDByPaddleID(tx *gorm.DB, paddleID string) (*uint, error) {
	if paddleID == "" {
		return nil, nil
	}
	var sub models.Subscription
	err := tx.Select("id").Where("paddle_id = ?", paddleID).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub.ID, nil
}

func productIDByPaddleID(tx *gorm.DB, paddleID string) (*uint, error) {
	if paddleID == "" {
		return nil, nil
	}
	var product models.Product
	err := tx.Select("id").Where("paddle_id = ?", paddleID).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product.ID, nil
}

func (r *gormRepository) ApplyTransaction(ev Event, txn *models.Transaction) (*ApplyResult, error) {
	var result *ApplyResult
	err := r.db.Transaction(func(tx *gorm.DB) error {
		subID, err := subscriptionIDByPaddleID(tx, txn.PaddleSubscriptionID)
		if err != nil {
			return err
		}
		txn.SubscriptionID = subID
		txn.WebhookUpdatedAt = &ev.OccurredAt

		updates := map[string]interface{}{
			"total":              txn.Total,
			"tax":                txn.Tax,
			"currency":           txn.Currency,
			"status":             txn.Status,
			"origin":             txn.Origin,
			"invoice_number":     txn.InvoiceNumber,
			"billed_at":          txn.BilledAt,
			"webhook_updated_at": ev.OccurredAt,
		}
		// Keep a link made by the subscription's checkout until the
		// transaction itself names a subscription.
		if txn.PaddleSubscriptionID != "" {
			updates["paddle_subscription_id"] = txn.PaddleSubscriptionID
			updates["subscription_id"] = txn.SubscriptionID
		}

		result, err = applyGated(tx, &models.Transaction{}, ev,
			func(tx *gorm.DB) (uint, string, error) {
				if err := tx.Create(txn).Error; err != nil {
					return 0, "", err
				}
				return txn.ID, txn.UUID, nil
			},
			updates)
		return err
	})
	return result, err
}

func (r *gormRepository) ApplySubscription(ev Event, sub *models.Subscription, items []models.SubscriptionItem, transactionPaddleID string) (*ApplyResult, error) {
	var result *ApplyResult
	err := r.db.Transaction(func(tx *gorm.DB) error {
		sub.WebhookUpdatedAt = &ev.OccurredAt
		sub.Items = nil

		var err error
		result, err = applyGated(tx, &models.Subscription{}, ev,
			func(tx *gorm.DB) (uint, string, error) {
				if err := tx.Create(sub).Error; err != nil {
					return 0, "", err
				}
				return sub.ID, sub.UUID, nil
			},
			map[string]interface{}{
				"paddle_customer_id":           sub.PaddleCustomerID,
				"status":                       sub.Status,
				"user_id":                      sub.UserID,
				"current_billing_period_start": sub.CurrentBillingPeriodStart,
				"current_billing_period_end":   sub.CurrentBillingPeriodEnd,
				"next_billed_at":               sub.NextBilledAt,
				"webhook_updated_at":           ev.OccurredAt,
			})
		if err != nil || !result.Verdict.Accepted() {
			return err
		}
		sub.ID = result.ModelID
		sub.UUID = result.ModelUUID

		if err := tx.Where("subscription_id = ?", sub.ID).Delete(&models.SubscriptionItem{}).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].ID = 0
			items[i].SubscriptionID = sub.ID
			items[i].PaddleSubscriptionID = sub.PaddleID
			productID, err := productIDByPaddleID(tx, items[i].PaddleProductID)
			if err != nil {
				return err
			}
			items[i].ProductID = productID
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		sub.Items = items

		if result.Created && transactionPaddleID != "" {
			return linkCheckoutTransaction(tx, sub, transactionPaddleID)
		}
		return nil
	})
	return result, err
}

// linkCheckoutTransaction attaches the checkout transaction to a new
// subscription, creating a placeholder when the transaction webhook has not
// arrived yet. The placeholder has no webhook timestamp, so the real event
// still applies.
func linkCheckoutTransaction(tx *gorm.DB, sub *models.Subscription, transactionPaddleID string) error {
	res := tx.Model(&models.Transaction{}).
		Where("paddle_id = ?", transactionPaddleID).
		Updates(map[string]interface{}{
			"subscription_id":        sub.ID,
			"paddle_subscription_id": sub.PaddleID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Transaction{
		PaddleID:             transactionPaddleID,
		PaddleSubscriptionID: sub.PaddleID,
		SubscriptionID:       &sub.ID,
		Total:                "0",
		Tax:                  "0",
		Currency:             "",
		Status:               models.TransactionStatusDraft,
	}).Error
}

func (r *gormRepository) ApplyProduct(ev Event, product *models.Product) (*ApplyResult, error) {
	var result *ApplyResult
	err := r.db.Transaction(func(tx *gorm.DB) error {
		product.WebhookUpdatedAt = &ev.OccurredAt
		var err error
		result, err = applyGated(tx, &models.Product{}, ev,
			func(tx *gorm.DB) (uint, string, error) {
				if err := tx.Create(product).Error; err != nil {
					return 0, "", err
				}
				return product.ID, product.UUID, nil
			},
			map[string]interface{}{
				"name":               product.Name,
				"description":        product.Description,
				"product_type":       product.ProductType,
				"status":             product.Status,
				"webhook_updated_at": ev.OccurredAt,
			})
		return err
	})
	return result, err
}

func (r *gormRepository) GetUserByUUID(uuid string) (*models.User, error) {
	var user models.User
	if err := r.db.Where("uuid = ?", uuid).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindPlanForProducts returns the plan of the first product in the list
// that has one.
func (r *gormRepository) FindPlanForProducts(paddleProductIDs []string) (*models.Plan, error) {
	for _, id := range paddleProductIDs {
		var plan models.Plan
		err := r.db.Joins("JOIN products ON products.id = plans.product_id").
			Where("products.paddle_id = ?", id).
			First(&plan).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &plan, nil
	}
	return nil, gorm.ErrRecordNotFound
}

// FindEntitlingSubscription returns the most recently updated subscription
// of the user that still grants features.
func (r *gormRepository) FindEntitlingSubscription(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Preload("Items").
		Where("user_id = ? AND status IN ?", userID, []string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusTrialing,
			models.SubscriptionStatusPastDue,
		}).
		Order("webhook_updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetWebhookEvent(id uint) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) SetWebhookJobID(id uint, jobID string) error {
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Update("job_id", jobID).Error
}

func (r *gormRepository) SetWebhookArchiveKey(id uint, key string) error {
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Update("archive_key", key).Error
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
