package models

import (
	"strings"
	"time"

	"github.com/atelierhq/atelier/pkg/types"
)

// recoveryTokenPrefix marks the checkout-session reference embedded in booking
// notes. Rows created before checkout_session_id existed as a column only carry
// this token, so the parser stays as a fallback path.
const recoveryTokenPrefix = "stripe_session:"

// Booking is an appointment created for a service purchase. It links the
// payment flow back to the project that gets created for it.
type Booking struct {
	ID                string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID            string              `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	ServiceID         string              `gorm:"column:service_id;type:varchar(64);not null" json:"service_id"`
	Status            types.BookingStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	CheckoutSessionID string              `gorm:"column:checkout_session_id;type:varchar(128);index" json:"checkout_session_id"`
	Notes             string              `gorm:"column:notes;type:text" json:"notes"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (Booking) TableName() string { return "bookings" }

// SessionRecoveryToken renders the free-text token written into booking notes.
func SessionRecoveryToken(sessionID string) string {
	return recoveryTokenPrefix + sessionID
}

// SessionIDFromNotes extracts a checkout-session id from a notes field, or ""
// when no token is present.
func SessionIDFromNotes(notes string) string {
	idx := strings.Index(notes, recoveryTokenPrefix)
	if idx < 0 {
		return ""
	}
	rest := notes[idx+len(recoveryTokenPrefix):]
	if end := strings.IndexAny(rest, " \t\n,;"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
