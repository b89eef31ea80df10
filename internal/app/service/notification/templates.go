package notification

import "fmt"

// EventType is the closed set of events the dispatcher understands. Unknown
// types are rejected at the boundary rather than rendered with a default.
type EventType string

const (
	EventPaymentReceived       EventType = "payment_received"
	EventBookingCreated        EventType = "booking_created"
	EventProjectCreated        EventType = "project_created"
	EventSubscriptionActivated EventType = "subscription_activated"
	EventSubscriptionUpdated   EventType = "subscription_updated"
	EventSubscriptionCanceled  EventType = "subscription_canceled"
	EventPaymentFailed         EventType = "payment_failed"
)

// Event is a dispatch request. ActorID is the user whose action produced the
// event; the actor never receives their own notification.
type Event struct {
	Type         EventType
	ActorID      string
	TargetUserID string
	EntityID     string
	Meta         map[string]string
}

func (ev Event) meta(key string) string {
	if ev.Meta == nil {
		return ""
	}
	return ev.Meta[key]
}

type rendered struct {
	Title    string
	Message  string
	Priority string
	Link     string

	toTarget bool
	toAdmins bool
}

type templateFn func(ev Event, portalURL string) rendered

var templates = map[EventType]templateFn{
	EventPaymentReceived: func(ev Event, portalURL string) rendered {
		return rendered{
			Title:    "Payment received",
			Message:  fmt.Sprintf("A payment of %s %s was received from %s.", ev.meta("amount"), ev.meta("currency"), ev.meta("customer")),
			Priority: "normal",
			Link:     portalURL + "/admin/payments",
			toAdmins: true,
		}
	},
	EventBookingCreated: func(ev Event, portalURL string) rendered {
		return rendered{
			Title:    "New booking",
			Message:  fmt.Sprintf("A booking for %s was created.", ev.meta("service")),
			Priority: "normal",
			Link:     portalURL + "/admin/bookings/" + ev.EntityID,
			toAdmins: true,
		}
	},
	EventProjectCreated: func(ev Event, portalURL string) rendered {
		return rendered{
			Title:    "Your project is ready",
			Message:  "Your new project has been set up. Track its progress in your portal.",
			Priority: "normal",
			Link:     portalURL + "/portal/projects/" + ev.EntityID,
			toTarget: true,
			toAdmins: true,
		}
	},
	EventSubscriptionActivated: func(ev Event, portalURL string) rendered {
		return rendered{
			Title:    "Subscription active",
			Message:  "Your subscription is active. Welcome aboard!",
			Priority: "normal",
			Link:     portalURL + "/portal/billing",
			toTarget: true,
			toAdmins: true,
		}
	},
	EventSubscriptionUpdated: func(ev Event, portalURL string) rendered {
		return rendered{
			Title:    "Subscription updated",
			Message:  fmt.Sprintf("Subscription status changed to %s.", ev.meta("status")),
			Priority: "low",
			Link:     portalURL + "/admin/subscriptions",
			toAdmins: true,
		}
	},
	EventSubscriptionCanceled: func(ev Event, portalURL string) rendered {
		return rendered{
			Title:    "Subscription canceled",
			Message:  fmt.Sprintf("A subscription was canceled%s.", reasonSuffix(ev.meta("reason"))),
			Priority: "high",
			Link:     portalURL + "/admin/subscriptions",
			toTarget: true,
			toAdmins: true,
		}
	},
	EventPaymentFailed: func(ev Event, portalURL string) rendered {
		return rendered{
			Title:    "Payment failed",
			Message:  "A payment attempt failed. Please check your payment method.",
			Priority: "high",
			Link:     portalURL + "/portal/billing",
			toTarget: true,
			toAdmins: true,
		}
	},
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return fmt.Sprintf(" (reason: %s)", reason)
}
