package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/app/service/notification"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/types"
)

type fakeStripe struct {
	sessions      map[string]*stripe.CheckoutSession
	subscriptions map[string]*stripe.Subscription
	receiptURL    string
}

func (f *fakeStripe) VerifySignature(payload []byte, sigHeader string) (*stripe.Event, error) {
	if sigHeader == "" {
		return nil, fmt.Errorf("missing signature")
	}
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (f *fakeStripe) GetCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no such session %s", id)
}

func (f *fakeStripe) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if s, ok := f.subscriptions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no such subscription %s", id)
}

func (f *fakeStripe) CancelSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeStripe) SetCancelAtPeriodEnd(_ context.Context, id string) (*stripe.Subscription, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeStripe) ListCustomerSubscriptions(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	return nil, nil
}

func (f *fakeStripe) FindCustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	return nil, nil
}

func (f *fakeStripe) ReceiptURLForSession(_ context.Context, _ *stripe.CheckoutSession) (string, error) {
	return f.receiptURL, nil
}

type fakeNotifier struct {
	events []notification.Event
}

func (f *fakeNotifier) Dispatch(_ context.Context, ev notification.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func eventPayload(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":   id,
		"type": eventType,
		"data": map[string]any{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	return payload
}

func newTestWebhookService(api *fakeStripe) (*Service, *store.MemoryStores, *fakeNotifier) {
	mem := store.NewMemoryStores()
	notifier := &fakeNotifier{}
	svc := NewService(api, mem.AsStores(), notifier, zap.NewNop().Sugar())
	return svc, mem, notifier
}

func paymentSession(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"mode":           "payment",
		"payment_status": "paid",
		"amount_total":   25000,
		"currency":       "usd",
		"metadata":       map[string]string{"user_id": "user-1", "service_id": "svc-brand"},
	}
}

func TestHandleEvent_MissingSignatureRejected(t *testing.T) {
	svc, _, _ := newTestWebhookService(&fakeStripe{})
	_, err := svc.HandleEvent(context.Background(), []byte(`{}`), "")
	require.Error(t, err)
}

func TestHandleEvent_PaymentModeCreatesRowChain(t *testing.T) {
	api := &fakeStripe{receiptURL: "https://pay.example/receipt/1"}
	svc, mem, notifier := newTestWebhookService(api)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", paymentSession("cs_1"))
	res, err := svc.HandleEvent(context.Background(), payload, "sig")
	require.NoError(t, err)
	require.True(t, res.Handled)
	require.False(t, res.Duplicate)

	require.Len(t, mem.PaymentRows, 1)
	payment := mem.PaymentRows[0]
	require.Equal(t, types.PaymentStatusPaid, payment.Status)
	require.Equal(t, int64(25000), payment.AmountCents)
	require.Equal(t, "https://pay.example/receipt/1", payment.ReceiptURL)
	require.NotNil(t, payment.StripeSessionID)
	require.Equal(t, "cs_1", *payment.StripeSessionID)

	require.Len(t, mem.BookingRows, 1)
	booking := mem.BookingRows[0]
	require.Equal(t, types.BookingStatusPending, booking.Status)
	require.Equal(t, "cs_1", booking.CheckoutSessionID)
	require.Contains(t, booking.Notes, "stripe_session:cs_1")
	require.NotNil(t, payment.BookingID)
	require.Equal(t, booking.ID, *payment.BookingID)

	require.Len(t, mem.ProjectRows, 1)
	project := mem.ProjectRows[0]
	require.Equal(t, types.ProjectStatusPending, project.Status)
	require.Equal(t, 0, project.Progress)
	require.Equal(t, types.PaymentModelOneTime, project.PaymentModel)
	require.NotNil(t, project.BookingID)
	require.Equal(t, booking.ID, *project.BookingID)

	// payment received, booking created, project created
	require.Len(t, notifier.events, 3)
}

func TestHandleEvent_DuplicateEventShortCircuits(t *testing.T) {
	api := &fakeStripe{}
	svc, mem, _ := newTestWebhookService(api)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", paymentSession("cs_1"))
	_, err := svc.HandleEvent(context.Background(), payload, "sig")
	require.NoError(t, err)

	res, err := svc.HandleEvent(context.Background(), payload, "sig")
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	require.Len(t, mem.EventRows, 1)
	require.Len(t, mem.PaymentRows, 1)
	require.Len(t, mem.BookingRows, 1)
	require.Len(t, mem.ProjectRows, 1)
}

func TestHandleEvent_SubscriptionModeThenDeletedCancelsBothMirrors(t *testing.T) {
	api := &fakeStripe{
		subscriptions: map[string]*stripe.Subscription{
			"sub_1": {
				ID:               "sub_1",
				Status:           stripe.SubscriptionStatusActive,
				CurrentPeriodEnd: 1893456000,
				Customer:         &stripe.Customer{ID: "cus_1"},
			},
		},
	}
	svc, mem, _ := newTestWebhookService(api)

	session := map[string]any{
		"id":             "cs_sub",
		"mode":           "subscription",
		"payment_status": "paid",
		"amount_total":   9900,
		"currency":       "usd",
		"subscription":   "sub_1",
		"metadata":       map[string]string{"user_id": "user-1", "service_id": "svc-care"},
	}
	_, err := svc.HandleEvent(context.Background(), eventPayload(t, "evt_1", "checkout.session.completed", session), "sig")
	require.NoError(t, err)

	require.Len(t, mem.ProjectSubRows, 1)
	ps := mem.ProjectSubRows[0]
	require.Equal(t, "sub_1", ps.StripeSubscriptionID)
	require.Equal(t, "cus_1", ps.StripeCustomerID)
	require.Equal(t, "cs_sub", ps.CheckoutSessionID)
	require.Equal(t, types.SubscriptionStatusActive, ps.Status)
	require.NotNil(t, ps.CurrentPeriodEnd)

	require.Len(t, mem.UserSubRows, 1)
	require.Equal(t, "user-1", mem.UserSubRows[0].UserID)
	require.Equal(t, types.SubscriptionStatusActive, mem.UserSubRows[0].Status)

	deleted := map[string]any{"id": "sub_1", "status": "canceled"}
	_, err = svc.HandleEvent(context.Background(), eventPayload(t, "evt_2", "customer.subscription.deleted", deleted), "sig")
	require.NoError(t, err)

	require.Equal(t, types.SubscriptionStatusCanceled, mem.ProjectSubRows[0].Status)
	require.Equal(t, types.SubscriptionStatusCanceled, mem.UserSubRows[0].Status)
}

func TestHandleEvent_SubscriptionUpdatedForUnknownSubscriptionIsNoOp(t *testing.T) {
	api := &fakeStripe{}
	svc, mem, _ := newTestWebhookService(api)

	sub := map[string]any{"id": "sub_unknown", "status": "past_due"}
	res, err := svc.HandleEvent(context.Background(), eventPayload(t, "evt_1", "customer.subscription.updated", sub), "sig")
	require.NoError(t, err)
	require.True(t, res.Handled)
	require.Empty(t, mem.ProjectSubRows)
	require.Empty(t, mem.UserSubRows)
}

func TestHandleEvent_RenewalInvoiceRecordedOnce(t *testing.T) {
	api := &fakeStripe{
		subscriptions: map[string]*stripe.Subscription{
			"sub_1": {ID: "sub_1", Status: stripe.SubscriptionStatusActive, Customer: &stripe.Customer{ID: "cus_1"}},
		},
	}
	svc, mem, _ := newTestWebhookService(api)

	session := map[string]any{
		"id":             "cs_sub",
		"mode":           "subscription",
		"payment_status": "paid",
		"amount_total":   9900,
		"currency":       "usd",
		"subscription":   "sub_1",
		"metadata":       map[string]string{"user_id": "user-1", "service_id": "svc-care"},
	}
	_, err := svc.HandleEvent(context.Background(), eventPayload(t, "evt_1", "checkout.session.completed", session), "sig")
	require.NoError(t, err)
	require.Len(t, mem.PaymentRows, 1)

	// the invoice that belongs to subscription creation is not re-recorded
	initial := map[string]any{
		"id":             "in_0",
		"billing_reason": "subscription_create",
		"subscription":   "sub_1",
		"amount_paid":    9900,
		"currency":       "usd",
	}
	_, err = svc.HandleEvent(context.Background(), eventPayload(t, "evt_2", "invoice.payment_succeeded", initial), "sig")
	require.NoError(t, err)
	require.Len(t, mem.PaymentRows, 1)

	renewal := map[string]any{
		"id":                 "in_1",
		"billing_reason":     "subscription_cycle",
		"subscription":       "sub_1",
		"amount_paid":        9900,
		"currency":           "usd",
		"hosted_invoice_url": "https://pay.example/invoice/in_1",
	}
	_, err = svc.HandleEvent(context.Background(), eventPayload(t, "evt_3", "invoice.payment_succeeded", renewal), "sig")
	require.NoError(t, err)
	require.Len(t, mem.PaymentRows, 2)
	recorded := mem.PaymentRows[1]
	require.NotNil(t, recorded.StripeInvoiceID)
	require.Equal(t, "in_1", *recorded.StripeInvoiceID)
	require.Equal(t, types.PaymentStatusPaid, recorded.Status)
	require.Equal(t, "svc-care", recorded.ServiceID)

	// redelivery under a fresh event id still keys on the invoice id
	_, err = svc.HandleEvent(context.Background(), eventPayload(t, "evt_4", "invoice.payment_succeeded", renewal), "sig")
	require.NoError(t, err)
	require.Len(t, mem.PaymentRows, 2)
}

func TestHandleEvent_ProjectUniquenessRaceAdoptsExistingRow(t *testing.T) {
	api := &fakeStripe{}
	svc, mem, _ := newTestWebhookService(api)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", paymentSession("cs_1"))
	_, err := svc.HandleEvent(context.Background(), payload, "sig")
	require.NoError(t, err)
	require.Len(t, mem.ProjectRows, 1)

	// same session under a new event id: payment row already exists, so the
	// chain stops before a second project is attempted
	payload2 := eventPayload(t, "evt_2", "checkout.session.completed", paymentSession("cs_1"))
	_, err = svc.HandleEvent(context.Background(), payload2, "sig")
	require.NoError(t, err)
	require.Len(t, mem.PaymentRows, 1)
	require.Len(t, mem.ProjectRows, 1)
}

func TestHandleEvent_UnknownEventTypeIgnored(t *testing.T) {
	svc, mem, _ := newTestWebhookService(&fakeStripe{})
	payload := eventPayload(t, "evt_1", "charge.refunded", map[string]any{"id": "ch_1"})
	res, err := svc.HandleEvent(context.Background(), payload, "sig")
	require.NoError(t, err)
	require.False(t, res.Handled)
	require.Len(t, mem.EventRows, 1)
}
