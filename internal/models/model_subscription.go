package models

import (
	"time"

	"github.com/atelierhq/atelier/pkg/types"
)

// ProjectSubscription is the local mirror of the remote subscription backing a
// project, at most one row per project. The Stripe ids on it can be missing for
// historical rows; the cancellation recovery cascade fills them back in and
// persists each recovered value so later calls start further along.
type ProjectSubscription struct {
	ID                   string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProjectID            string                   `gorm:"column:project_id;type:uuid;not null;uniqueIndex" json:"project_id"`
	UserID               string                   `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	StripeSubscriptionID string                   `gorm:"column:stripe_subscription_id;type:varchar(128);index" json:"stripe_subscription_id"`
	StripeCustomerID     string                   `gorm:"column:stripe_customer_id;type:varchar(128)" json:"stripe_customer_id"`
	CheckoutSessionID    string                   `gorm:"column:checkout_session_id;type:varchar(128)" json:"checkout_session_id"`
	Status               types.SubscriptionStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	CurrentPeriodEnd     *time.Time               `gorm:"column:current_period_end;default:null" json:"current_period_end"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at;default:null" json:"canceled_at"`
	CancelReason         string                   `gorm:"column:cancel_reason;type:text" json:"cancel_reason"`
	AccessUntil          *time.Time               `gorm:"column:access_until;default:null" json:"access_until"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

func (ProjectSubscription) TableName() string { return "project_subscriptions" }

// Subscription is the user-level mirror, at most one row per user.
type Subscription struct {
	ID                   string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID               string                   `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	StripeSubscriptionID string                   `gorm:"column:stripe_subscription_id;type:varchar(128);index" json:"stripe_subscription_id"`
	StripeCustomerID     string                   `gorm:"column:stripe_customer_id;type:varchar(128)" json:"stripe_customer_id"`
	Status               types.SubscriptionStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	CurrentPeriodEnd     *time.Time               `gorm:"column:current_period_end;default:null" json:"current_period_end"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at;default:null" json:"canceled_at"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }
