package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentEvent is the insert-only log of inbound payment-processor webhook
// events. The unique index on event_id is the idempotency barrier: the second
// delivery of the same event fails the insert and short-circuits processing.
type PaymentEvent struct {
	ID        string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID   string         `gorm:"column:event_id;type:varchar(128);not null;uniqueIndex" json:"event_id"`
	EventType string         `gorm:"column:event_type;type:varchar(128);not null" json:"event_type"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func (PaymentEvent) TableName() string { return "payment_events" }
