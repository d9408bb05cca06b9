package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ProductTypeStandard = "standard"
	ProductTypeCustom   = "custom"

	ProductStatusActive   = "active"
	ProductStatusArchived = "archived"
)

// Product mirrors a Paddle product.
type Product struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UUID             string     `gorm:"type:char(36);uniqueIndex;not null" json:"uuid"`
	PaddleID         string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"paddle_id"`
	Name             string     `gorm:"type:varchar(255);not null" json:"name"`
	Description      string     `gorm:"type:text" json:"description"`
	ProductType      string     `gorm:"type:varchar(32);not null;default:'standard'" json:"product_type"`
	Status           string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	WebhookUpdatedAt *time.Time `gorm:"precision:6;default:null;index" json:"webhook_updated_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	return nil
}

// Plan defines the mail entitlements a product grants. Plans are managed
// locally; they are the source of truth for quota.
type Plan struct {
	ID                        uint      `gorm:"primaryKey" json:"id"`
	UUID                      string    `gorm:"type:char(36);uniqueIndex;not null" json:"uuid"`
	Name                      string    `gorm:"type:varchar(128);not null" json:"name"`
	ProductID                 *uint     `gorm:"uniqueIndex" json:"product_id,omitempty"`
	Product                   *Product  `gorm:"foreignKey:ProductID" json:"product,omitempty"`
	MailAddressCount          int       `gorm:"default:0" json:"mail_address_count"`
	MailDomainCount           int       `gorm:"default:0" json:"mail_domain_count"`
	MailStorageBytes          int64     `gorm:"default:0" json:"mail_storage_bytes"`
	SendStorageBytes          int64     `gorm:"default:0" json:"send_storage_bytes"`
	VisibleOnSubscriptionPage bool      `gorm:"default:true" json:"visible_on_subscription_page"`
	CreatedAt                 time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Plan) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	return nil
}
