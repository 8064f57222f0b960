package repository

import (
	"errors"
	"time"

	"sokoni/internal/domain"
	"sokoni/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// CreateIfNoneInFlight inserts the request only when the order has no
// INITIATED or PENDING row. The existence check and the insert run in
// one transaction holding a row lock on the order, so two concurrent
// initiations for the same order serialize and exactly one wins.
// Returns false when an in-flight request already exists.
func (r *PaymentRepository) CreateIfNoneInFlight(p *models.PaymentRequest) (bool, error) {
	created := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").First(&order, p.OrderID).Error; err != nil {
			return err
		}
		var inFlight int64
		if err := tx.Model(&models.PaymentRequest{}).
			Where("order_id = ? AND status IN ?", p.OrderID, []string{domain.PaymentInitiated, domain.PaymentPending}).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return nil
		}
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (r *PaymentRepository) GetByID(id uint) (*models.PaymentRequest, error) {
	var p models.PaymentRequest
	if err := r.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByCheckoutRequestID returns (nil, nil) when no request matches.
func (r *PaymentRepository) GetByCheckoutRequestID(checkoutRequestID string) (*models.PaymentRequest, error) {
	var p models.PaymentRequest
	err := r.db.Where("checkout_request_id = ?", checkoutRequestID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Accept records the gateway acknowledgment: stores the provider's
// correlation IDs and moves INITIATED to PENDING. Returns false when the
// row was no longer INITIATED (a concurrent writer got there first).
func (r *PaymentRepository) Accept(id uint, merchantRequestID, checkoutRequestID string) (bool, error) {
	res := r.db.Model(&models.PaymentRequest{}).
		Where("id = ? AND status = ?", id, domain.PaymentInitiated).
		Updates(map[string]interface{}{
			"status":              domain.PaymentPending,
			"merchant_request_id": merchantRequestID,
			"checkout_request_id": checkoutRequestID,
		})
	return res.RowsAffected > 0, res.Error
}

// Transition is a conditional UPDATE keyed on the current status.
// RowsAffected == 0 means another writer transitioned the row first;
// callers must treat that as losing the race, not as an error.
func (r *PaymentRepository) Transition(id uint, from, to string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	res := r.db.Model(&models.PaymentRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (r *PaymentRepository) ListPendingBefore(cutoff time.Time, limit int) ([]models.PaymentRequest, error) {
	var out []models.PaymentRequest
	err := r.db.
		Where("status = ? AND updated_at < ?", domain.PaymentPending, cutoff).
		Limit(limit).Find(&out).Error
	return out, err
}

func (r *PaymentRepository) ListInitiatedBefore(cutoff time.Time, limit int) ([]models.PaymentRequest, error) {
	var out []models.PaymentRequest
	err := r.db.
		Where("status = ? AND updated_at < ?", domain.PaymentInitiated, cutoff).
		Limit(limit).Find(&out).Error
	return out, err
}

// List returns the audit trail, newest first, optionally filtered.
func (r *PaymentRepository) List(status string, orderID uint, limit, offset int) ([]models.PaymentRequest, error) {
	q := r.db.Model(&models.PaymentRequest{}).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if orderID != 0 {
		q = q.Where("order_id = ?", orderID)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.PaymentRequest
	err := q.Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}
