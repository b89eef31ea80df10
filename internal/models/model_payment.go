package models

import (
	"time"

	"github.com/atelierhq/atelier/pkg/types"
)

// Payment records a settled (or attempted) charge. Exactly one row may exist
// per checkout session and per invoice; both uniqueness constraints are what
// make webhook redelivery safe at the payment level.
type Payment struct {
	ID              string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID          string              `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	AmountCents     int64               `gorm:"column:amount_cents;type:bigint;not null" json:"amount_cents"`
	Currency        string              `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Status          types.PaymentStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	StripeSessionID *string             `gorm:"column:stripe_session_id;type:varchar(128);uniqueIndex" json:"stripe_session_id"`
	StripeInvoiceID *string             `gorm:"column:stripe_invoice_id;type:varchar(128);uniqueIndex" json:"stripe_invoice_id"`
	ReceiptURL      string              `gorm:"column:receipt_url;type:text" json:"receipt_url"`
	ServiceID       string              `gorm:"column:service_id;type:varchar(64)" json:"service_id"`
	BookingID       *string             `gorm:"column:booking_id;type:uuid;index" json:"booking_id"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }
