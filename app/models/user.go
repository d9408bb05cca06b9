package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the local identity. Together with its MailAccount it forms the
// local account record the reconciliation logic compares against the mail
// store.
type User struct {
	ID                            uint      `gorm:"primaryKey" json:"id"`
	UUID                          string    `gorm:"type:char(36);uniqueIndex;not null" json:"uuid"`
	Username                      string    `gorm:"type:varchar(150);uniqueIndex;not null" json:"username" validate:"required,min=3,max=150"`
	DisplayName                   string    `gorm:"type:varchar(255);default:''" json:"display_name" validate:"max=255"`
	RecoveryEmail                 string    `gorm:"type:varchar(200);default:'';index" json:"recovery_email" validate:"omitempty,email,max=200"`
	OIDCID                        string    `gorm:"column:oidc_id;type:varchar(191);default:'';index" json:"oidc_id"`
	PlanID                        *uint     `gorm:"index" json:"plan_id,omitempty"`
	Plan                          *Plan     `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	IsAwaitingPaymentVerification bool      `gorm:"default:false" json:"is_awaiting_payment_verification"`
	CreatedAt                     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	return nil
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// DefaultAddress is the address a new mail account gets on the primary domain.
func (u *User) DefaultAddress(primaryDomain string) string {
	return u.Username + "@" + primaryDomain
}

// HasPlan reports whether a plan is assigned.
func (u *User) HasPlan() bool {
	return u.PlanID != nil && *u.PlanID != 0
}
