package repository

import (
	"errors"
	"strings"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"gorm.io/gorm"
)

type mailAccountRepository struct {
	db *gorm.DB
}

// NewMailAccountRepository creates a new mail account repository instance
func NewMailAccountRepository(db *gorm.DB) MailAccountRepository {
	return &mailAccountRepository{db: db}
}

// GetByUserID returns the account of a user with its addresses loaded
func (r *mailAccountRepository) GetByUserID(userID uint) (*models.MailAccount, error) {
	var account models.MailAccount
	err := r.db.Preload("Addresses").Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetByName returns the account claiming a principal name
func (r *mailAccountRepository) GetByName(name string) (*models.MailAccount, error) {
	var account models.MailAccount
	err := r.db.Preload("Addresses").Where("name = ?", strings.TrimSpace(name)).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Save creates or updates the account and replaces its address rows in one
// transaction.
func (r *mailAccountRepository) Save(account *models.MailAccount) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		addresses := account.Addresses
		if err := tx.Omit("Addresses", "User").Save(account).Error; err != nil {
			return err
		}
		if err := tx.Where("mail_account_id = ?", account.ID).Delete(&models.MailAddress{}).Error; err != nil {
			return err
		}
		for i := range addresses {
			addresses[i].ID = 0
			addresses[i].MailAccountID = account.ID
		}
		if len(addresses) > 0 {
			if err := tx.Create(&addresses).Error; err != nil {
				return err
			}
		}
		account.Addresses = addresses
		return nil
	})
}

// Delete removes the account and its addresses
func (r *mailAccountRepository) Delete(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mail_account_id = ?", id).Delete(&models.MailAddress{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.MailAccount{}, id).Error
	})
}

// NameClaimedByOther reports whether a principal name is already linked to
// a different user.
func (r *mailAccountRepository) NameClaimedByOther(name string, userID uint) (bool, error) {
	var account models.MailAccount
	err := r.db.Select("id", "user_id").Where("name = ?", strings.TrimSpace(name)).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.UserID != userID, nil
}

// ListUnverifiedUserUUIDs returns users whose account was never confirmed
// against the mail store, oldest first.
func (r *mailAccountRepository) ListUnverifiedUserUUIDs(limit int) ([]string, error) {
	var uuids []string
	q := r.db.Model(&models.MailAccount{}).
		Joins("JOIN users ON users.id = mail_accounts.user_id").
		Where("mail_accounts.verified = ? AND mail_accounts.active = ?", false, true).
		Order("mail_accounts.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("users.uuid", &uuids).Error
	return uuids, err
}
