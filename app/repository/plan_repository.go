package repository

import (
	"github.com/ManuelReschke/MailAccounts/app/models"
	"gorm.io/gorm"
)

type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) Create(plan *models.Plan) error {
	return r.db.Create(plan).Error
}

func (r *planRepository) GetByID(id uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.Preload("Product").First(&plan, id).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *planRepository) Update(plan *models.Plan) error {
	return r.db.Omit("Product").Save(plan).Error
}

// GetByProductPaddleID resolves the plan granted by a Paddle product
func (r *planRepository) GetByProductPaddleID(paddleProductID string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.Preload("Product").
		Joins("JOIN products ON products.id = plans.product_id").
		Where("products.paddle_id = ?", paddleProductID).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *planRepository) List() ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.Preload("Product").Order("id ASC").Find(&plans).Error
	return plans, err
}
