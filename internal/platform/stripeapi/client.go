// Package stripeapi narrows the Stripe SDK to the calls this service makes,
// so services depend on a small interface and tests substitute fakes.
package stripeapi

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	cfgpkg "github.com/atelierhq/atelier/pkg/config"
)

// PaymentAPI is the payment-processor surface consumed by the webhook
// processor, the cancellation orchestrator and the backfill sweep.
type PaymentAPI interface {
	// VerifySignature checks the webhook signature header against the shared
	// secret and returns the decoded event.
	VerifySignature(payload []byte, sigHeader string) (*stripe.Event, error)
	// GetCheckoutSession retrieves a session with subscription and customer
	// expanded.
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	// CancelSubscription cancels immediately.
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	// SetCancelAtPeriodEnd schedules cancellation for the period boundary.
	SetCancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error)
	// ListCustomerSubscriptions returns all subscriptions of a customer,
	// any status.
	ListCustomerSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	// FindCustomerByEmail returns the first customer with the email, or nil
	// when none exists.
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	// ReceiptURLForSession resolves the user-facing receipt for a completed
	// session: the charge receipt in payment mode, the hosted invoice page
	// in subscription mode.
	ReceiptURLForSession(ctx context.Context, session *stripe.CheckoutSession) (string, error)
}

// Client is the production PaymentAPI backed by the Stripe SDK.
type Client struct {
	api           *client.API
	webhookSecret string
}

func NewClient(cfg *cfgpkg.Config) (*Client, error) {
	if cfg.Stripe.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key required")
	}
	api := &client.API{}
	api.Init(cfg.Stripe.SecretKey, nil)
	return &Client{api: api, webhookSecret: cfg.Stripe.WebhookSecret}, nil
}

func (c *Client) VerifySignature(payload []byte, sigHeader string) (*stripe.Event, error) {
	if c.webhookSecret == "" {
		return nil, fmt.Errorf("webhook secret not configured")
	}
	ev, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("subscription")
	params.AddExpand("customer")
	return c.api.CheckoutSessions.Get(id, params)
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	return c.api.Subscriptions.Get(id, params)
}

func (c *Client) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{Params: stripe.Params{Context: ctx}}
	return c.api.Subscriptions.Cancel(id, params)
}

func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	return c.api.Subscriptions.Update(id, params)
}

func (c *Client) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{Customer: stripe.String(customerID), Status: stripe.String("all")}
	params.Context = ctx
	iter := c.api.Subscriptions.List(params)
	var subs []*stripe.Subscription
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	iter := c.api.Customers.List(params)
	for iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Client) ReceiptURLForSession(ctx context.Context, session *stripe.CheckoutSession) (string, error) {
	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		if session.PaymentIntent == nil {
			return "", nil
		}
		params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}
		params.AddExpand("latest_charge")
		pi, err := c.api.PaymentIntents.Get(session.PaymentIntent.ID, params)
		if err != nil {
			return "", err
		}
		if pi.LatestCharge != nil {
			return pi.LatestCharge.ReceiptURL, nil
		}
		return "", nil
	case stripe.CheckoutSessionModeSubscription:
		if session.Invoice == nil {
			return "", nil
		}
		params := &stripe.InvoiceParams{Params: stripe.Params{Context: ctx}}
		inv, err := c.api.Invoices.Get(session.Invoice.ID, params)
		if err != nil {
			return "", err
		}
		return inv.HostedInvoiceURL, nil
	default:
		return "", nil
	}
}
