package models

import (
	"time"

	"github.com/atelierhq/atelier/pkg/types"
)

// User is the minimal slice of the account table this service touches: admin
// enumeration for notification fan-out and the workspace-level Stripe customer
// id used by the recovery cascade.
type User struct {
	ID               string         `gorm:"column:id;type:varchar(64);primary_key" json:"id"`
	Email            string         `gorm:"column:email;type:varchar(256);not null;uniqueIndex" json:"email"`
	Name             string         `gorm:"column:name;type:varchar(128)" json:"name"`
	Role             types.UserRole `gorm:"column:role;type:varchar(16);not null;default:'client'" json:"role"`
	StripeCustomerID string         `gorm:"column:stripe_customer_id;type:varchar(128)" json:"stripe_customer_id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) IsAdmin() bool { return u != nil && u.Role == types.UserRoleAdmin }
