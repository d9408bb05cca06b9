package repository

import (
	"strings"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"gorm.io/gorm"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user in the database
func (r *userRepository) Create(user *models.User) error {
	return r.db.Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	err := r.db.Preload("Plan").First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByUUID retrieves a user by their stable public identifier
func (r *userRepository) GetByUUID(uuid string) (*models.User, error) {
	var user models.User
	err := r.db.Preload("Plan").Where("uuid = ?", strings.TrimSpace(uuid)).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByUsername retrieves a user by username
func (r *userRepository) GetByUsername(username string) (*models.User, error) {
	var user models.User
	err := r.db.Preload("Plan").Where("username = ?", username).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByOIDCID retrieves a user by the identity provider's subject id
func (r *userRepository) GetByOIDCID(oidcID string) (*models.User, error) {
	trimmed := strings.TrimSpace(oidcID)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	err := r.db.Preload("Plan").Where("oidc_id = ?", trimmed).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Update updates an existing user
func (r *userRepository) Update(user *models.User) error {
	return r.db.Omit("Plan").Save(user).Error
}

// Delete removes a user by ID
func (r *userRepository) Delete(id uint) error {
	return r.db.Delete(&models.User{}, id).Error
}

// List retrieves users with pagination
func (r *userRepository) List(offset, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.Preload("Plan").Order("id ASC").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

// ListByUUIDs returns the users with the given UUIDs, in id order. Unknown
// UUIDs are silently absent from the result.
func (r *userRepository) ListByUUIDs(uuids []string) ([]models.User, error) {
	var users []models.User
	if len(uuids) == 0 {
		return users, nil
	}
	err := r.db.Preload("Plan").Where("uuid IN ?", uuids).Order("id ASC").Find(&users).Error
	return users, err
}

// ListByPlanID returns all users assigned to a plan
func (r *userRepository) ListByPlanID(planID uint) ([]models.User, error) {
	var users []models.User
	err := r.db.Preload("Plan").Where("plan_id = ?", planID).Order("id ASC").Find(&users).Error
	return users, err
}

// Count returns the total number of users
func (r *userRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.User{}).Count(&count).Error
	return count, err
}
