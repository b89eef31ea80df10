package models

import (
	"time"

	"github.com/atelierhq/atelier/pkg/types"
)

// Project is the unit of work a client buys. The unique index on booking_id
// enforces the one-project-per-booking rule; concurrent webhook deliveries for
// the same session race on it and the loser re-reads the winner's row.
type Project struct {
	ID           string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string              `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	BookingID    *string             `gorm:"column:booking_id;type:uuid;uniqueIndex" json:"booking_id"`
	ServiceID    string              `gorm:"column:service_id;type:varchar(64)" json:"service_id"`
	PaymentModel types.PaymentModel  `gorm:"column:payment_model;type:varchar(16);not null" json:"payment_model"`
	Status       types.ProjectStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Progress     int                 `gorm:"column:progress;not null;default:0" json:"progress"`
	ClientNotes  string              `gorm:"column:client_notes;type:text" json:"client_notes"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }
