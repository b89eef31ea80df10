// Package cancellation cancels the subscription behind a project, recovering
// the remote subscription id through an ordered strategy chain when the local
// mirror is incomplete, and synchronizes local state afterwards.
package cancellation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/app/service/notification"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/platform/stripeapi"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/logctx"
	"github.com/atelierhq/atelier/pkg/response"
	"github.com/atelierhq/atelier/pkg/types"
)

// Caller identifies the authenticated requester.
type Caller struct {
	UserID string
	Email  string
	Role   types.UserRole
}

func (c Caller) IsAdmin() bool { return c.Role == types.UserRoleAdmin }

// Notifier is the dispatcher slice used for the cancellation side effect.
type Notifier interface {
	Dispatch(ctx context.Context, ev notification.Event) error
}

type CancelRequest struct {
	ProjectID         string `json:"project_id" binding:"required"`
	CancelAtPeriodEnd *bool  `json:"cancel_at_period_end"`
	CancelReason      string `json:"cancel_reason"`
	Debug             bool   `json:"debug"`
}

// atPeriodEnd defaults to true: clients keep access until the period boundary
// unless they explicitly ask for an immediate cancel.
func (r CancelRequest) atPeriodEnd() bool {
	return r.CancelAtPeriodEnd == nil || *r.CancelAtPeriodEnd
}

type CancelResult struct {
	OK              bool       `json:"ok"`
	ProjectID       string     `json:"project_id"`
	SubscriptionID  string     `json:"subscription_id"`
	Status          string     `json:"status"`
	AccessUntil     *time.Time `json:"access_until,omitempty"`
	AlreadyCanceled bool       `json:"already_canceled"`
	Debug           []string   `json:"debug,omitempty"`
}

type Service struct {
	stripe   stripeapi.PaymentAPI
	projects store.ProjectStore
	subs     store.SubscriptionStore
	resolver *Resolver
	notifier Notifier
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewService(api stripeapi.PaymentAPI, stores *store.Stores, resolver *Resolver, notifier Notifier, log *zap.SugaredLogger) *Service {
	return &Service{
		stripe:   api,
		projects: stores.Projects,
		subs:     stores.Subscriptions,
		resolver: resolver,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Cancel runs the full flow: authorization, id recovery, the remote call and
// the local mirror update. Failures come back as *response.Error with a
// stable code. An already-canceled subscription is a success, not an error.
func (s *Service) Cancel(ctx context.Context, caller Caller, req CancelRequest) (*CancelResult, error) {
	log := logctx.FromCtx(ctx, s.log)
	if req.ProjectID == "" {
		return nil, response.NewError(response.CodeValidationError, "project_id is required")
	}
	if req.Debug && !caller.IsAdmin() {
		return nil, response.NewError(response.CodeForbidden, "debug mode is restricted to admins")
	}

	project, err := s.projects.GetByID(ctx, req.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, response.NewError(response.CodeNotFound, "project not found")
	}
	if err != nil {
		return nil, response.WrapError(response.CodeDBError, "load project", err)
	}
	if project.UserID != caller.UserID && !caller.IsAdmin() {
		return nil, response.NewError(response.CodeForbidden, "project belongs to another client")
	}

	mirror, err := s.subs.GetProjectByProjectID(ctx, req.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		if project.PaymentModel != types.PaymentModelSubscription {
			return nil, response.NewError(response.CodeNoActiveSubscription, "project has no subscription")
		}
		// Historical subscription project that never got its mirror row; the
		// cascade can still recover the ids and will create the row.
		mirror = &models.ProjectSubscription{
			ProjectID: project.ID,
			UserID:    project.UserID,
			Status:    types.SubscriptionStatusPastDue,
		}
	} else if err != nil {
		return nil, response.WrapError(response.CodeDBError, "load subscription mirror", err)
	}

	if mirror.Status == types.SubscriptionStatusCanceled {
		log.Infow("cancellation_already_canceled_locally", "project_id", project.ID)
		res := &CancelResult{
			OK:              true,
			ProjectID:       project.ID,
			SubscriptionID:  mirror.StripeSubscriptionID,
			Status:          string(types.SubscriptionStatusCanceled),
			AccessUntil:     mirror.AccessUntil,
			AlreadyCanceled: true,
		}
		if req.Debug {
			res.Debug = []string{"local mirror already canceled, no remote call issued"}
		}
		return res, nil
	}

	subscriptionID, trace, err := s.resolver.Resolve(ctx, project, mirror, true)
	if errors.Is(err, ErrMissingSubscriptionID) {
		log.Warnw("cancellation_subscription_id_unresolvable", "project_id", project.ID, "trace", trace)
		return nil, response.NewError(response.CodeMissingSubscriptionID, "no stripe subscription id could be resolved for this project")
	}
	if err != nil {
		return nil, response.WrapError(response.CodeDBError, "recover subscription id", err)
	}

	remote, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, response.WrapError(response.CodeStripeError, "retrieve subscription", err)
	}

	alreadyCanceled := false
	switch {
	case remote.Status == "canceled":
		alreadyCanceled = true
		trace = append(trace, "remote subscription already canceled")
	case remote.CancelAtPeriodEnd && req.atPeriodEnd():
		alreadyCanceled = true
		trace = append(trace, "remote subscription already scheduled to cancel at period end")
	case req.atPeriodEnd():
		remote, err = s.stripe.SetCancelAtPeriodEnd(ctx, subscriptionID)
		if err != nil {
			return nil, response.WrapError(response.CodeStripeError, "schedule cancellation", err)
		}
		trace = append(trace, "remote cancellation scheduled for period end")
	default:
		remote, err = s.stripe.CancelSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, response.WrapError(response.CodeStripeError, "cancel subscription", err)
		}
		trace = append(trace, "remote subscription canceled immediately")
	}

	accessUntil := s.now().UTC()
	if remote.CurrentPeriodEnd > 0 {
		accessUntil = time.Unix(remote.CurrentPeriodEnd, 0).UTC()
	}
	canceledAt := s.now().UTC()

	mirror.Status = types.SubscriptionStatusCanceled
	mirror.CanceledAt = &canceledAt
	mirror.CancelReason = req.CancelReason
	mirror.AccessUntil = &accessUntil
	if err := s.subs.SaveProject(ctx, mirror); err != nil {
		return nil, response.WrapError(response.CodeDBUpdateFailed, "save subscription mirror", err)
	}
	if err := s.subs.MirrorStatusBySubscriptionID(ctx, subscriptionID, types.SubscriptionStatusCanceled, &accessUntil); err != nil {
		return nil, response.WrapError(response.CodeDBUpdateFailed, "mirror canceled status", err)
	}

	if err := s.notifier.Dispatch(ctx, notification.Event{
		Type:         notification.EventSubscriptionCanceled,
		ActorID:      caller.UserID,
		TargetUserID: project.UserID,
		EntityID:     project.ID,
		Meta:         map[string]string{"reason": req.CancelReason},
	}); err != nil {
		log.Warnw("cancellation_notification_failed", "project_id", project.ID, "error", err.Error())
	}

	res := &CancelResult{
		OK:              true,
		ProjectID:       project.ID,
		SubscriptionID:  subscriptionID,
		Status:          string(types.SubscriptionStatusCanceled),
		AccessUntil:     &accessUntil,
		AlreadyCanceled: alreadyCanceled,
	}
	if req.Debug {
		res.Debug = trace
	}
	return res, nil
}
