package backfill

import (
	"context"
	"errors"
	"fmt"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/app/service/cancellation"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/response"
	"github.com/atelierhq/atelier/pkg/types"
)

type fakeStripe struct {
	sessions      map[string]*stripe.CheckoutSession
	subscriptions map[string]*stripe.Subscription
}

func (f *fakeStripe) VerifySignature(payload []byte, sigHeader string) (*stripe.Event, error) {
	return nil, fmt.Errorf("not used")
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
	var out []*stripe.Subscription
	for _, s := range f.subscriptions {
		if s.Customer != nil && s.Customer.ID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStripe) FindCustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	return nil, nil
}

func (f *fakeStripe) ReceiptURLForSession(_ context.Context, _ *stripe.CheckoutSession) (string, error) {
	return "", nil
}

func newTestBackfillService(api *fakeStripe) (*Service, *store.MemoryStores) {
	mem := store.NewMemoryStores()
	bundle := mem.AsStores()
	log := zap.NewNop().Sugar()
	return NewService(api, bundle, cancellation.NewResolver(api, bundle, log), log), mem
}

func seedUnlinkedProject(mem *store.MemoryStores, projectID, sessionID string) {
	bookingID := "book-" + projectID
	mem.BookingRows = append(mem.BookingRows, &models.Booking{
		ID:     bookingID,
		UserID: "user-1",
		Status: types.BookingStatusConfirmed,
		Notes:  models.SessionRecoveryToken(sessionID),
	})
	mem.ProjectRows = append(mem.ProjectRows, &models.Project{
		ID: projectID, UserID: "user-1", BookingID: &bookingID,
		PaymentModel: types.PaymentModelSubscription, Status: types.ProjectStatusInProgress,
	})
}

var admin = cancellation.Caller{UserID: "admin-1", Role: types.UserRoleAdmin}

func TestRun_NonAdminForbidden(t *testing.T) {
	svc, _ := newTestBackfillService(&fakeStripe{})
	_, err := svc.Run(context.Background(), cancellation.Caller{UserID: "user-1", Role: types.UserRoleClient}, Request{})
	var coded *response.Error
	require.True(t, errors.As(err, &coded))
	require.Equal(t, response.CodeForbidden, coded.Code)
}

func TestRun_LinksProjectThroughRecoveryCascade(t *testing.T) {
	api := &fakeStripe{
		sessions: map[string]*stripe.CheckoutSession{
			"cs_1": {ID: "cs_1", Subscription: &stripe.Subscription{ID: "sub_1"}, Customer: &stripe.Customer{ID: "cus_1"}},
		},
		subscriptions: map[string]*stripe.Subscription{
			"sub_1": {ID: "sub_1", Status: "active", CurrentPeriodEnd: 1893456000},
		},
	}
	svc, mem := newTestBackfillService(api)
	seedUnlinkedProject(mem, "proj-1", "cs_1")

	summary, err := svc.Run(context.Background(), admin, Request{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Scanned)
	require.Equal(t, 1, summary.Linked)
	require.Equal(t, []ProjectResult{{ProjectID: "proj-1", Action: ActionLinked, SubscriptionID: "sub_1"}}, summary.Results)

	require.Len(t, mem.ProjectSubRows, 1)
	mirror := mem.ProjectSubRows[0]
	require.Equal(t, "sub_1", mirror.StripeSubscriptionID)
	require.Equal(t, "cus_1", mirror.StripeCustomerID)
	require.Equal(t, types.SubscriptionStatusActive, mirror.Status)
	require.NotNil(t, mirror.CurrentPeriodEnd)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	api := &fakeStripe{
		sessions: map[string]*stripe.CheckoutSession{
			"cs_1": {ID: "cs_1", Subscription: &stripe.Subscription{ID: "sub_1"}, Customer: &stripe.Customer{ID: "cus_1"}},
		},
		subscriptions: map[string]*stripe.Subscription{
			"sub_1": {ID: "sub_1", Status: "active"},
		},
	}
	svc, mem := newTestBackfillService(api)
	seedUnlinkedProject(mem, "proj-1", "cs_1")

	summary, err := svc.Run(context.Background(), admin, Request{DryRun: true})
	require.NoError(t, err)
	require.True(t, summary.DryRun)
	require.Equal(t, 1, summary.Linked)
	require.Empty(t, mem.ProjectSubRows, "dry run must not write mirrors")
}

func TestRun_SkipsLinkedAndReportsUnresolvable(t *testing.T) {
	svc, mem := newTestBackfillService(&fakeStripe{})

	// already linked
	mem.ProjectRows = append(mem.ProjectRows, &models.Project{
		ID: "proj-linked", UserID: "user-1", PaymentModel: types.PaymentModelSubscription,
	})
	mem.ProjectSubRows = append(mem.ProjectSubRows, &models.ProjectSubscription{
		ID: "ps-1", ProjectID: "proj-linked", UserID: "user-1",
		StripeSubscriptionID: "sub_old", Status: types.SubscriptionStatusActive,
	})
	// nothing recoverable: no booking, no customer id anywhere
	mem.ProjectRows = append(mem.ProjectRows, &models.Project{
		ID: "proj-orphan", UserID: "user-2", PaymentModel: types.PaymentModelSubscription,
	})
	mem.UserRows = append(mem.UserRows, &models.User{ID: "user-2", Email: "orphan@example.com", Role: types.UserRoleClient})

	summary, err := svc.Run(context.Background(), admin, Request{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Scanned)
	require.Equal(t, 0, summary.Linked)
	require.Equal(t, 2, summary.Skipped)
	require.Equal(t, 0, summary.Errors)

	byID := map[string]ProjectResult{}
	for _, r := range summary.Results {
		byID[r.ProjectID] = r
	}
	require.Equal(t, "already linked", byID["proj-linked"].Reason)
	require.Equal(t, "no subscription id resolvable", byID["proj-orphan"].Reason)
}

func TestRun_SingleProjectFilter(t *testing.T) {
	api := &fakeStripe{
		sessions: map[string]*stripe.CheckoutSession{
			"cs_2": {ID: "cs_2", Subscription: &stripe.Subscription{ID: "sub_2"}, Customer: &stripe.Customer{ID: "cus_2"}},
		},
		subscriptions: map[string]*stripe.Subscription{
			"sub_2": {ID: "sub_2", Status: "trialing"},
		},
	}
	svc, mem := newTestBackfillService(api)
	seedUnlinkedProject(mem, "proj-1", "cs_1")
	seedUnlinkedProject(mem, "proj-2", "cs_2")

	summary, err := svc.Run(context.Background(), admin, Request{ProjectID: "proj-2"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Scanned)
	require.Equal(t, 1, summary.Linked)
	require.Equal(t, "proj-2", summary.Results[0].ProjectID)

	_, err = svc.Run(context.Background(), admin, Request{ProjectID: "missing"})
	var coded *response.Error
	require.True(t, errors.As(err, &coded))
	require.Equal(t, response.CodeNotFound, coded.Code)
}
