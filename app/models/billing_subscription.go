package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusPaused   = "paused"
	SubscriptionStatusCanceled = "canceled"
)

// Subscription mirrors a Paddle subscription. WebhookUpdatedAt is the
// occurred_at of the last applied webhook.
type Subscription struct {
	ID                        uint               `gorm:"primaryKey" json:"id"`
	UUID                      string             `gorm:"type:char(36);uniqueIndex;not null" json:"uuid"`
	PaddleID                  string             `gorm:"type:varchar(191);not null;uniqueIndex" json:"paddle_id"`
	PaddleCustomerID          string             `gorm:"type:varchar(191);default:'';index" json:"paddle_customer_id"`
	Status                    string             `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	UserID                    *uint              `gorm:"index" json:"user_id,omitempty"`
	User                      *User              `gorm:"foreignKey:UserID" json:"-"`
	CurrentBillingPeriodStart *time.Time         `gorm:"type:timestamp;default:null" json:"current_billing_period_start,omitempty"`
	CurrentBillingPeriodEnd   *time.Time         `gorm:"type:timestamp;default:null" json:"current_billing_period_end,omitempty"`
	NextBilledAt              *time.Time         `gorm:"type:timestamp;default:null" json:"next_billed_at,omitempty"`
	Items                     []SubscriptionItem `gorm:"foreignKey:SubscriptionID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	WebhookUpdatedAt          *time.Time         `gorm:"precision:6;default:null;index" json:"webhook_updated_at,omitempty"`
	CreatedAt                 time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	return nil
}

// IsEntitling reports whether the subscription grants plan features.
func (s *Subscription) IsEntitling() bool {
	return IsEntitlingSubscriptionStatus(s.Status)
}

func IsEntitlingSubscriptionStatus(status string) bool {
	switch status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// SubscriptionItem is one price line of a subscription.
type SubscriptionItem struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID       uint      `gorm:"not null;index" json:"subscription_id"`
	PaddleSubscriptionID string    `gorm:"type:varchar(191);not null;index" json:"paddle_subscription_id"`
	PaddlePriceID        string    `gorm:"type:varchar(191);not null" json:"paddle_price_id"`
	PaddleProductID      string    `gorm:"type:varchar(191);not null;index" json:"paddle_product_id"`
	ProductID            *uint     `gorm:"index" json:"product_id,omitempty"`
	Quantity             int       `gorm:"not null;default:1" json:"quantity"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
