// Package webhook ingests signed payment-processor events and drives the
// local billing state machine: payments, bookings, projects and subscription
// mirrors. Delivery is at-least-once; the event-log insert is the idempotency
// barrier that makes redelivery a no-op.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/app/service/notification"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/platform/stripeapi"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/logctx"
	"github.com/atelierhq/atelier/pkg/types"
)

// metadata keys the checkout flow writes onto the session.
const (
	metaUserID      = "user_id"
	metaServiceID   = "service_id"
	metaClientNotes = "client_notes"
)

// Notifier is the slice of the dispatcher the processor emits through.
// Emission is best-effort; a dispatch failure never fails the event.
type Notifier interface {
	Dispatch(ctx context.Context, ev notification.Event) error
}

// Result reports what processing an event amounted to.
type Result struct {
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
	Handled   bool   `json:"handled"`
}

type Service struct {
	stripe   stripeapi.PaymentAPI
	events   store.EventLogStore
	payments store.PaymentStore
	bookings store.BookingStore
	projects store.ProjectStore
	subs     store.SubscriptionStore
	notifier Notifier
	log      *zap.SugaredLogger
}

func NewService(api stripeapi.PaymentAPI, stores *store.Stores, notifier Notifier, log *zap.SugaredLogger) *Service {
	return &Service{
		stripe:   api,
		events:   stores.Events,
		payments: stores.Payments,
		bookings: stores.Bookings,
		projects: stores.Projects,
		subs:     stores.Subscriptions,
		notifier: notifier,
		log:      log,
	}
}

// HandleEvent verifies the signature, records the event id and processes the
// event. A signature failure is the caller's 400; a recorded-before event id
// short-circuits as a duplicate success.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	event, err := s.stripe.VerifySignature(payload, sigHeader)
	if err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}
	log := logctx.FromCtx(ctx, s.log)

	err = s.events.Insert(ctx, &models.PaymentEvent{
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   payload,
	})
	if errors.Is(err, store.ErrDuplicate) {
		log.Infow("webhook_duplicate_event", "event_id", event.ID, "event_type", event.Type)
		return &Result{EventType: string(event.Type), Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", event.ID, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		if err := s.handleCheckoutCompleted(ctx, &session); err != nil {
			return nil, err
		}
	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		if err := s.handleSubscriptionChanged(ctx, &sub, event.Type == "customer.subscription.deleted"); err != nil {
			return nil, err
		}
	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		if err := s.handleInvoicePaid(ctx, &invoice); err != nil {
			return nil, err
		}
	default:
		log.Infow("webhook_event_ignored", "event_id", event.ID, "event_type", event.Type)
		return &Result{EventType: string(event.Type)}, nil
	}

	return &Result{EventType: string(event.Type), Handled: true}, nil
}

// handleCheckoutCompleted turns a completed checkout into the local row chain:
// optional booking, payment, project, and in subscription mode both
// subscription mirrors.
func (s *Service) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	log := logctx.FromCtx(ctx, s.log)

	userID := session.Metadata[metaUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		log.Warnw("webhook_session_without_user", "session_id", session.ID)
		return nil
	}

	if _, err := s.payments.GetBySessionID(ctx, session.ID); err == nil {
		log.Infow("webhook_session_already_recorded", "session_id", session.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup payment for session %s: %w", session.ID, err)
	}

	receiptURL, err := s.stripe.ReceiptURLForSession(ctx, session)
	if err != nil {
		log.Warnw("webhook_receipt_lookup_failed", "session_id", session.ID, "error", err.Error())
	}

	serviceID := session.Metadata[metaServiceID]
	var booking *models.Booking
	if serviceID != "" {
		booking = &models.Booking{
			UserID:            userID,
			ServiceID:         serviceID,
			Status:            types.BookingStatusPending,
			CheckoutSessionID: session.ID,
			Notes:             models.SessionRecoveryToken(session.ID),
		}
		if err := s.bookings.Create(ctx, booking); err != nil {
			return fmt.Errorf("create booking for session %s: %w", session.ID, err)
		}
	}

	status := types.PaymentStatusPending
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		status = types.PaymentStatusPaid
	}
	sessionID := session.ID
	payment := &models.Payment{
		UserID:          userID,
		AmountCents:     session.AmountTotal,
		Currency:        string(session.Currency),
		Status:          status,
		StripeSessionID: &sessionID,
		ReceiptURL:      receiptURL,
		ServiceID:       serviceID,
	}
	if booking != nil {
		payment.BookingID = &booking.ID
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.Infow("webhook_payment_already_recorded", "session_id", session.ID)
			return nil
		}
		return fmt.Errorf("create payment for session %s: %w", session.ID, err)
	}

	paymentModel := types.PaymentModelOneTime
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		paymentModel = types.PaymentModelSubscription
	}
	project := &models.Project{
		UserID:       userID,
		ServiceID:    serviceID,
		PaymentModel: paymentModel,
		Status:       types.ProjectStatusPending,
		Progress:     0,
	}
	if booking != nil {
		project.BookingID = &booking.ID
	}
	if err := s.projects.Create(ctx, project); err != nil {
		// Another delivery won the booking_id uniqueness race; adopt its row.
		if errors.Is(err, store.ErrDuplicate) && booking != nil {
			existing, gerr := s.projects.GetByBookingID(ctx, booking.ID)
			if gerr != nil {
				return fmt.Errorf("load existing project for booking %s: %w", booking.ID, gerr)
			}
			project = existing
		} else {
			return fmt.Errorf("create project for session %s: %w", session.ID, err)
		}
	}

	if notes := session.Metadata[metaClientNotes]; notes != "" {
		if err := s.projects.UpdateClientNotes(ctx, project.ID, notes); err != nil {
			log.Warnw("webhook_client_notes_failed", "project_id", project.ID, "error", err.Error())
		}
	}

	if session.Mode == stripe.CheckoutSessionModeSubscription {
		if err := s.linkSubscription(ctx, session, project, userID); err != nil {
			return err
		}
	}

	s.notify(ctx, notification.Event{
		Type:         notification.EventPaymentReceived,
		ActorID:      userID,
		EntityID:     payment.ID,
		Meta:         map[string]string{"amount": formatAmount(payment.AmountCents), "currency": payment.Currency, "customer": userID},
	})
	if booking != nil {
		s.notify(ctx, notification.Event{
			Type:     notification.EventBookingCreated,
			ActorID:  userID,
			EntityID: booking.ID,
			Meta:     map[string]string{"service": serviceID},
		})
	}
	s.notify(ctx, notification.Event{
		Type:         notification.EventProjectCreated,
		ActorID:      userID,
		TargetUserID: userID,
		EntityID:     project.ID,
	})
	return nil
}

// linkSubscription retrieves the remote subscription behind a completed
// subscription checkout and upserts both local mirrors.
func (s *Service) linkSubscription(ctx context.Context, session *stripe.CheckoutSession, project *models.Project, userID string) error {
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// The event payload carries ids only; re-fetch with expansions.
		full, err := s.stripe.GetCheckoutSession(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("refetch session %s: %w", session.ID, err)
		}
		if full.Subscription != nil {
			subscriptionID = full.Subscription.ID
		}
	}
	if subscriptionID == "" {
		return fmt.Errorf("session %s completed in subscription mode without a subscription", session.ID)
	}

	remote, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
	}
	status := types.SubscriptionStatusFromProvider(string(remote.Status))
	periodEnd := unixTime(remote.CurrentPeriodEnd)
	customerID := ""
	if remote.Customer != nil {
		customerID = remote.Customer.ID
	}

	if err := s.subs.UpsertProject(ctx, &models.ProjectSubscription{
		ProjectID:            project.ID,
		UserID:               userID,
		StripeSubscriptionID: subscriptionID,
		StripeCustomerID:     customerID,
		CheckoutSessionID:    session.ID,
		Status:               status,
		CurrentPeriodEnd:     periodEnd,
	}); err != nil {
		return fmt.Errorf("upsert project subscription %s: %w", subscriptionID, err)
	}
	if err := s.subs.UpsertUser(ctx, &models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: subscriptionID,
		StripeCustomerID:     customerID,
		Status:               status,
		CurrentPeriodEnd:     periodEnd,
	}); err != nil {
		return fmt.Errorf("upsert user subscription %s: %w", subscriptionID, err)
	}

	s.notify(ctx, notification.Event{
		Type:         notification.EventSubscriptionActivated,
		ActorID:      userID,
		TargetUserID: userID,
		EntityID:     project.ID,
	})
	return nil
}

// handleSubscriptionChanged mirrors a remote status change onto both local
// rows. No matching local row means the subscription was never linked here;
// the mirror update is a no-op and no row is fabricated.
func (s *Service) handleSubscriptionChanged(ctx context.Context, sub *stripe.Subscription, deleted bool) error {
	status := types.SubscriptionStatusFromProvider(string(sub.Status))
	periodEnd := unixTime(sub.CurrentPeriodEnd)
	if deleted {
		status = types.SubscriptionStatusCanceled
	}
	if err := s.subs.MirrorStatusBySubscriptionID(ctx, sub.ID, status, periodEnd); err != nil {
		return fmt.Errorf("mirror subscription %s: %w", sub.ID, err)
	}

	mirror, err := s.subs.GetProjectBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return nil
	}
	eventType := notification.EventSubscriptionUpdated
	if deleted {
		eventType = notification.EventSubscriptionCanceled
	}
	s.notify(ctx, notification.Event{
		Type:         eventType,
		TargetUserID: mirror.UserID,
		EntityID:     mirror.ProjectID,
		Meta:         map[string]string{"status": string(status)},
	})
	return nil
}

// handleInvoicePaid records a renewal payment. The invoice that fires as part
// of subscription creation is already covered by the checkout flow and is
// skipped here.
func (s *Service) handleInvoicePaid(ctx context.Context, invoice *stripe.Invoice) error {
	log := logctx.FromCtx(ctx, s.log)
	if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		log.Infow("webhook_initial_invoice_skipped", "invoice_id", invoice.ID)
		return nil
	}
	if invoice.Subscription == nil {
		log.Infow("webhook_invoice_without_subscription", "invoice_id", invoice.ID)
		return nil
	}

	if _, err := s.payments.GetByInvoiceID(ctx, invoice.ID); err == nil {
		log.Infow("webhook_invoice_already_recorded", "invoice_id", invoice.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup payment for invoice %s: %w", invoice.ID, err)
	}

	mirror, err := s.subs.GetProjectBySubscriptionID(ctx, invoice.Subscription.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warnw("webhook_invoice_for_unlinked_subscription", "invoice_id", invoice.ID, "subscription_id", invoice.Subscription.ID)
			return nil
		}
		return fmt.Errorf("resolve project for subscription %s: %w", invoice.Subscription.ID, err)
	}

	invoiceID := invoice.ID
	payment := &models.Payment{
		UserID:          mirror.UserID,
		AmountCents:     invoice.AmountPaid,
		Currency:        string(invoice.Currency),
		Status:          types.PaymentStatusPaid,
		StripeInvoiceID: &invoiceID,
		ReceiptURL:      invoice.HostedInvoiceURL,
	}
	if project, perr := s.projects.GetByID(ctx, mirror.ProjectID); perr == nil {
		payment.ServiceID = project.ServiceID
		payment.BookingID = project.BookingID
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("create payment for invoice %s: %w", invoice.ID, err)
	}

	s.notify(ctx, notification.Event{
		Type:     notification.EventPaymentReceived,
		ActorID:  mirror.UserID,
		EntityID: payment.ID,
		Meta:     map[string]string{"amount": formatAmount(payment.AmountCents), "currency": payment.Currency, "customer": mirror.UserID},
	})
	return nil
}

func (s *Service) notify(ctx context.Context, ev notification.Event) {
	if err := s.notifier.Dispatch(ctx, ev); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("webhook_notification_failed", "event_type", ev.Type, "entity_id", ev.EntityID, "error", err.Error())
	}
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
