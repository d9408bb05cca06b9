package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MailAddressTypePrimary = "primary"
	MailAddressTypeAlias   = "alias"
)

// MailAccount caches the link between a user and their mail principal. The
// mail store owns the principal; this row only remembers its name and id.
type MailAccount struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	UUID       string        `gorm:"type:char(36);uniqueIndex;not null" json:"uuid"`
	UserID     uint          `gorm:"not null;uniqueIndex" json:"user_id"`
	User       *User         `gorm:"foreignKey:UserID" json:"-"`
	Name       string        `gorm:"type:varchar(191);not null;uniqueIndex" json:"name"`
	StalwartID *uint64       `gorm:"default:null" json:"stalwart_id,omitempty"`
	Verified   bool          `gorm:"default:false;index" json:"verified"`
	Quota      int64         `gorm:"default:0" json:"quota"`
	Active     bool          `gorm:"default:true" json:"active"`
	Addresses  []MailAddress `gorm:"foreignKey:MailAccountID" json:"addresses,omitempty"`
	SyncedAt   *time.Time    `gorm:"type:timestamp;default:null" json:"synced_at,omitempty"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *MailAccount) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	return nil
}

// IsLinked reports whether the external principal id is known.
func (a *MailAccount) IsLinked() bool {
	return a != nil && a.StalwartID != nil && *a.StalwartID != 0
}

// PrimaryAddress returns the primary address, or "" when none is stored.
func (a *MailAccount) PrimaryAddress() string {
	for _, addr := range a.Addresses {
		if addr.Type == MailAddressTypePrimary {
			return addr.Address
		}
	}
	return ""
}

// AddressList returns all addresses, primary first.
func (a *MailAccount) AddressList() []string {
	out := make([]string, 0, len(a.Addresses))
	if p := a.PrimaryAddress(); p != "" {
		out = append(out, p)
	}
	for _, addr := range a.Addresses {
		if addr.Type != MailAddressTypePrimary {
			out = append(out, addr.Address)
		}
	}
	return out
}

// MailAddress is one address routed to a mail account.
type MailAddress struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	MailAccountID uint      `gorm:"not null;index" json:"mail_account_id"`
	Address       string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"address"`
	Type          string    `gorm:"type:varchar(16);not null;default:'alias'" json:"type"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (m *MailAddress) BeforeSave(tx *gorm.DB) error {
	m.Address = strings.ToLower(strings.TrimSpace(m.Address))
	return nil
}
