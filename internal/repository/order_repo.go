package repository

import (
	"sokoni/internal/models"

	"gorm.io/gorm"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(o *models.Order) error {
	return r.db.Create(o).Error
}

func (r *OrderRepository) GetByID(id uint) (*models.Order, error) {
	var o models.Order
	if err := r.db.First(&o, id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepository) GetByReference(ref string) (*models.Order, error) {
	var o models.Order
	if err := r.db.Where("reference = ?", ref).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdatePaymentStatus records the payment outcome on the order; the
// receipt is only written when present so a failure does not blank an
// earlier receipt.
func (r *OrderRepository) UpdatePaymentStatus(orderID uint, status, receipt string) error {
	updates := map[string]interface{}{"payment_status": status}
	if receipt != "" {
		updates["receipt_number"] = receipt
	}
	return r.db.Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error
}

func (r *OrderRepository) ListByUser(userID uint, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []models.Order
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}
