package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification is one in-app notification row. The dispatcher queries
// (user_id, event_type, entity_id, created_at) to coalesce bursts, so those
// columns are indexed together.
type Notification struct {
	ID        string            `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID    string            `gorm:"column:user_id;type:varchar(64);not null;index:idx_notif_dedup,priority:1" json:"user_id"`
	EventType string            `gorm:"column:event_type;type:varchar(64);not null;index:idx_notif_dedup,priority:2" json:"event_type"`
	EntityID  string            `gorm:"column:entity_id;type:varchar(128);index:idx_notif_dedup,priority:3" json:"entity_id"`
	Title     string            `gorm:"column:title;type:varchar(256);not null" json:"title"`
	Message   string            `gorm:"column:message;type:text;not null" json:"message"`
	Priority  string            `gorm:"column:priority;type:varchar(16);not null" json:"priority"`
	Link      string            `gorm:"column:link;type:text" json:"link"`
	Read      bool              `gorm:"column:read;not null;default:false" json:"read"`
	Metadata  datatypes.JSONMap `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt time.Time         `gorm:"index:idx_notif_dedup,priority:4" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }
