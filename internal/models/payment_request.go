package models

import (
	"time"

	"sokoni/internal/domain"
)

// PaymentRequest is the durable record of one STK push attempt. Rows are
// never deleted: the table is the audit trail of every attempt, keyed by
// the provider's CheckoutRequestID once the push is acknowledged.
type PaymentRequest struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	OrderID           uint      `gorm:"not null;index" json:"order_id"`
	MerchantRequestID string    `gorm:"size:100" json:"merchant_request_id,omitempty"`
	CheckoutRequestID string    `gorm:"size:100;index" json:"checkout_request_id,omitempty"`
	AmountCents       int64     `gorm:"not null" json:"amount_cents"`
	PhoneNumber       string    `gorm:"size:15;not null" json:"phone_number"`
	AccountReference  string    `gorm:"size:64;not null" json:"account_reference"`
	Status            string    `gorm:"size:20;not null;index" json:"status"` // INITIATED, PENDING, COMPLETED, FAILED, TIMED_OUT
	ResultCode        *int      `json:"result_code,omitempty"`
	ResultDescription string    `gorm:"size:255" json:"result_description,omitempty"`
	ReceiptNumber     string    `gorm:"size:64" json:"receipt_number,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	Order Order `gorm:"foreignKey:OrderID" json:"-"`
}

func (PaymentRequest) TableName() string { return "payment_requests" }

func (p *PaymentRequest) IsTerminal() bool { return domain.IsTerminalPaymentStatus(p.Status) }
