package types

type PaymentStatus string

const (
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type PaymentModel string

const (
	PaymentModelOneTime      PaymentModel = "one_time"
	PaymentModelSubscription PaymentModel = "subscription"
)

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCanceled  BookingStatus = "canceled"
)

type ProjectStatus string

const (
	ProjectStatusPending    ProjectStatus = "pending"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusCanceled   ProjectStatus = "canceled"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// SubscriptionStatusFromProvider maps a raw provider status string onto the
// local enum. Unknown statuses map to past_due so they surface in the portal
// instead of silently looking healthy.
func SubscriptionStatusFromProvider(raw string) SubscriptionStatus {
	switch SubscriptionStatus(raw) {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue,
		SubscriptionStatusPaused, SubscriptionStatusCanceled:
		return SubscriptionStatus(raw)
	default:
		return SubscriptionStatusPastDue
	}
}

func (s SubscriptionStatus) Cancelable() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

type UserRole string

const (
	UserRoleAdmin  UserRole = "admin"
	UserRoleClient UserRole = "client"
)
