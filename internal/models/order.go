package models

import (
	"time"

	"gorm.io/gorm"
)

type Order struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"not null;index" json:"user_id"`
	Reference     string         `gorm:"size:64;uniqueIndex;not null" json:"reference"`
	AmountCents   int64          `gorm:"not null" json:"amount_cents"`
	Currency      string         `gorm:"size:3;default:'KES'" json:"currency"`
	Description   string         `gorm:"size:255" json:"description"`
	PaymentStatus string         `gorm:"size:20;not null;index;default:'UNPAID'" json:"payment_status"` // UNPAID, PROCESSING, PAID, PAYMENT_FAILED
	ReceiptNumber string         `gorm:"size:64" json:"receipt_number,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

func (Order) TableName() string { return "orders" }
