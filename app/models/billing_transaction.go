package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TransactionStatusDraft     = "draft"
	TransactionStatusReady     = "ready"
	TransactionStatusBilled    = "billed"
	TransactionStatusPaid      = "paid"
	TransactionStatusCompleted = "completed"
	TransactionStatusCanceled  = "canceled"
	TransactionStatusPastDue   = "past_due"
)

// Transaction mirrors a Paddle transaction. Amounts are kept as the decimal
// strings Paddle sends.
type Transaction struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UUID                 string     `gorm:"type:char(36);uniqueIndex;not null" json:"uuid"`
	PaddleID             string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"paddle_id"`
	PaddleSubscriptionID string     `gorm:"type:varchar(191);default:'';index" json:"paddle_subscription_id"`
	SubscriptionID       *uint      `gorm:"index" json:"subscription_id,omitempty"`
	Total                string     `gorm:"type:varchar(64);not null" json:"total"`
	Tax                  string     `gorm:"type:varchar(64);not null" json:"tax"`
	Currency             string     `gorm:"type:varchar(3);not null" json:"currency"`
	Status               string     `gorm:"type:varchar(32);not null;default:'draft';index" json:"status"`
	Origin               string     `gorm:"type:varchar(64);default:''" json:"origin"`
	InvoiceNumber        string     `gorm:"type:varchar(191);default:''" json:"invoice_number"`
	BilledAt             *time.Time `gorm:"type:timestamp;default:null" json:"billed_at,omitempty"`
	WebhookUpdatedAt     *time.Time `gorm:"precision:6;default:null;index" json:"webhook_updated_at,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	return nil
}
