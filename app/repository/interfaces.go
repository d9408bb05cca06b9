package repository

import (
	"github.com/ManuelReschke/MailAccounts/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByUUID(uuid string) (*models.User, error)
	GetByUsername(username string) (*models.User, error)
	GetByOIDCID(oidcID string) (*models.User, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	ListByUUIDs(uuids []string) ([]models.User, error)
	ListByPlanID(planID uint) ([]models.User, error)
	Count() (int64, error)
}

// MailAccountRepository defines the interface for the local side of the
// user <-> mail principal link.
type MailAccountRepository interface {
	GetByUserID(userID uint) (*models.MailAccount, error)
	GetByName(name string) (*models.MailAccount, error)
	Save(account *models.MailAccount) error
	Delete(id uint) error
	NameClaimedByOther(name string, userID uint) (bool, error)
	ListUnverifiedUserUUIDs(limit int) ([]string, error)
}

// PlanRepository defines the interface for plan lookups
type PlanRepository interface {
	Create(plan *models.Plan) error
	GetByID(id uint) (*models.Plan, error)
	Update(plan *models.Plan) error
	GetByProductPaddleID(paddleProductID string) (*models.Plan, error)
	List() ([]models.Plan, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User        UserRepository
	MailAccount MailAccountRepository
	Plan        PlanRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:        NewUserRepository(db),
		MailAccount: NewMailAccountRepository(db),
		Plan:        NewPlanRepository(db),
	}
}
