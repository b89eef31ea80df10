package cancellation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/platform/stripeapi"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/logctx"
)

// ErrMissingSubscriptionID means the full recovery cascade ran and still
// produced no remote subscription id. Callers surface it distinctly from
// generic failures.
var ErrMissingSubscriptionID = errors.New("cancellation: no stripe subscription id resolvable")

// Resolver recovers the remote subscription id for a project whose local
// mirror is incomplete. Strategies run in order until the id is known; every
// recovered value is written back to the mirror immediately (unless persist is
// off) so later calls start further along the chain.
type Resolver struct {
	stripe   stripeapi.PaymentAPI
	payments store.PaymentStore
	bookings store.BookingStore
	subs     store.SubscriptionStore
	users    store.UserStore
	log      *zap.SugaredLogger
}

func NewResolver(api stripeapi.PaymentAPI, stores *store.Stores, log *zap.SugaredLogger) *Resolver {
	return &Resolver{
		stripe:   api,
		payments: stores.Payments,
		bookings: stores.Bookings,
		subs:     stores.Subscriptions,
		users:    stores.Users,
		log:      log,
	}
}

// resolveState carries the working set of one cascade run. The mirror is
// mutated in place; dirty tracks whether it diverged from storage.
type resolveState struct {
	project *models.Project
	mirror  *models.ProjectSubscription
	persist bool
	dirty   bool
	trace   []string
}

func (st *resolveState) note(format string, args ...any) {
	st.trace = append(st.trace, fmt.Sprintf(format, args...))
}

type strategy struct {
	name string
	run  func(ctx context.Context, st *resolveState) error
}

func (r *Resolver) strategies() []strategy {
	return []strategy{
		{name: "stored_subscription_id", run: r.fromStoredID},
		{name: "checkout_session_id", run: r.findSessionID},
		{name: "session_retrieve", run: r.fromSession},
		{name: "customer_lookup", run: r.findCustomerID},
		{name: "newest_customer_subscription", run: r.fromCustomerSubscriptions},
	}
}

// Resolve runs the cascade. It returns the resolved subscription id, the
// per-strategy trace, and ErrMissingSubscriptionID when the whole chain came
// up empty. Remote lookup failures inside a strategy are treated as no-match
// and the chain continues; only store write failures abort.
func (r *Resolver) Resolve(ctx context.Context, project *models.Project, mirror *models.ProjectSubscription, persist bool) (string, []string, error) {
	st := &resolveState{project: project, mirror: mirror, persist: persist}
	for _, strat := range r.strategies() {
		if mirror.StripeSubscriptionID != "" && strat.name != "stored_subscription_id" {
			break
		}
		if err := strat.run(ctx, st); err != nil {
			return "", st.trace, fmt.Errorf("strategy %s: %w", strat.name, err)
		}
		if st.dirty {
			if err := r.save(ctx, st); err != nil {
				return "", st.trace, fmt.Errorf("persist after %s: %w", strat.name, err)
			}
		}
	}
	if mirror.StripeSubscriptionID == "" {
		return "", st.trace, ErrMissingSubscriptionID
	}
	return mirror.StripeSubscriptionID, st.trace, nil
}

func (r *Resolver) save(ctx context.Context, st *resolveState) error {
	st.dirty = false
	if !st.persist {
		return nil
	}
	if st.mirror.ID == "" {
		return r.subs.UpsertProject(ctx, st.mirror)
	}
	return r.subs.SaveProject(ctx, st.mirror)
}

func (r *Resolver) fromStoredID(_ context.Context, st *resolveState) error {
	if st.mirror.StripeSubscriptionID != "" {
		st.note("stored subscription id present: %s", st.mirror.StripeSubscriptionID)
	} else {
		st.note("no stored subscription id")
	}
	return nil
}

// findSessionID derives a checkout-session id: the mirror column first, then
// the newest payment of the project's booking, then the legacy recovery token
// embedded in the booking notes.
func (r *Resolver) findSessionID(ctx context.Context, st *resolveState) error {
	if st.mirror.CheckoutSessionID != "" {
		st.note("checkout session id from mirror: %s", st.mirror.CheckoutSessionID)
		return nil
	}
	if st.project.BookingID == nil {
		st.note("project has no booking, session lookup skipped")
		return nil
	}
	payments, err := r.payments.ListByBookingID(ctx, *st.project.BookingID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		if p.StripeSessionID != nil && *p.StripeSessionID != "" {
			st.mirror.CheckoutSessionID = *p.StripeSessionID
			st.dirty = true
			st.note("checkout session id from payment %s: %s", p.ID, *p.StripeSessionID)
			return nil
		}
	}
	booking, err := r.bookings.GetByID(ctx, *st.project.BookingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			st.note("booking %s gone, session lookup exhausted", *st.project.BookingID)
			return nil
		}
		return fmt.Errorf("load booking: %w", err)
	}
	if sessionID := models.SessionIDFromNotes(booking.Notes); sessionID != "" {
		st.mirror.CheckoutSessionID = sessionID
		st.dirty = true
		st.note("checkout session id from booking notes token: %s", sessionID)
		return nil
	}
	st.note("no checkout session id recoverable")
	return nil
}

// fromSession retrieves the checkout session remotely (subscription and
// customer expanded) and lifts both ids off it.
func (r *Resolver) fromSession(ctx context.Context, st *resolveState) error {
	if st.mirror.CheckoutSessionID == "" {
		return nil
	}
	session, err := r.stripe.GetCheckoutSession(ctx, st.mirror.CheckoutSessionID)
	if err != nil {
		logctx.FromCtx(ctx, r.log).Warnw("cancellation_session_retrieve_failed",
			"session_id", st.mirror.CheckoutSessionID, "error", err.Error())
		st.note("session retrieve failed: %v", err)
		return nil
	}
	if session.Subscription != nil && session.Subscription.ID != "" {
		st.mirror.StripeSubscriptionID = session.Subscription.ID
		st.dirty = true
		st.note("subscription id from session: %s", session.Subscription.ID)
	}
	if st.mirror.StripeCustomerID == "" && session.Customer != nil && session.Customer.ID != "" {
		st.mirror.StripeCustomerID = session.Customer.ID
		st.dirty = true
		st.note("customer id from session: %s", session.Customer.ID)
	}
	return nil
}

// findCustomerID fills the customer id from the user-level mirror, the
// workspace-stored customer id on the account, or a remote email lookup.
func (r *Resolver) findCustomerID(ctx context.Context, st *resolveState) error {
	if st.mirror.StripeCustomerID != "" {
		return nil
	}
	if userSub, err := r.subs.GetUserByUserID(ctx, st.mirror.UserID); err == nil && userSub.StripeCustomerID != "" {
		st.mirror.StripeCustomerID = userSub.StripeCustomerID
		st.dirty = true
		st.note("customer id from user subscription mirror: %s", userSub.StripeCustomerID)
		return nil
	}
	user, err := r.users.GetByID(ctx, st.mirror.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			st.note("account %s not found, customer lookup exhausted", st.mirror.UserID)
			return nil
		}
		return fmt.Errorf("load account: %w", err)
	}
	if user.StripeCustomerID != "" {
		st.mirror.StripeCustomerID = user.StripeCustomerID
		st.dirty = true
		st.note("customer id from account: %s", user.StripeCustomerID)
		return nil
	}
	customer, err := r.stripe.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		logctx.FromCtx(ctx, r.log).Warnw("cancellation_customer_lookup_failed",
			"email", user.Email, "error", err.Error())
		st.note("customer email lookup failed: %v", err)
		return nil
	}
	if customer == nil {
		st.note("no customer matches email")
		return nil
	}
	st.mirror.StripeCustomerID = customer.ID
	st.dirty = true
	st.note("customer id from email lookup: %s", customer.ID)
	return nil
}

// fromCustomerSubscriptions lists the customer's subscriptions remotely and
// picks the most recently created one still in a cancelable state.
func (r *Resolver) fromCustomerSubscriptions(ctx context.Context, st *resolveState) error {
	if st.mirror.StripeCustomerID == "" {
		return nil
	}
	subs, err := r.stripe.ListCustomerSubscriptions(ctx, st.mirror.StripeCustomerID)
	if err != nil {
		logctx.FromCtx(ctx, r.log).Warnw("cancellation_subscription_list_failed",
			"customer_id", st.mirror.StripeCustomerID, "error", err.Error())
		st.note("subscription list failed: %v", err)
		return nil
	}
	var newest *subscriptionCandidate
	for _, sub := range subs {
		if sub.Status != "active" && sub.Status != "trialing" {
			continue
		}
		if newest == nil || sub.Created > newest.created {
			newest = &subscriptionCandidate{id: sub.ID, created: sub.Created}
		}
	}
	if newest == nil {
		st.note("customer %s has no active or trialing subscription", st.mirror.StripeCustomerID)
		return nil
	}
	st.mirror.StripeSubscriptionID = newest.id
	st.dirty = true
	st.note("subscription id from customer list: %s", newest.id)
	return nil
}

type subscriptionCandidate struct {
	id      string
	created int64
}
