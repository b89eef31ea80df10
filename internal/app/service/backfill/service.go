// Package backfill reconciles historical subscription projects that are
// missing a usable local subscription mirror, reusing the cancellation
// recovery cascade per project.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/app/service/cancellation"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/platform/stripeapi"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/logctx"
	"github.com/atelierhq/atelier/pkg/response"
	"github.com/atelierhq/atelier/pkg/types"
)

type Action string

const (
	ActionLinked  Action = "linked"
	ActionSkipped Action = "skipped"
	ActionError   Action = "error"
)

type Request struct {
	DryRun    bool   `json:"dryRun"`
	ProjectID string `json:"projectId"`
}

// ProjectResult is the per-project outcome of one sweep.
type ProjectResult struct {
	ProjectID      string `json:"project_id"`
	Action         Action `json:"action"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type Summary struct {
	OK      bool            `json:"ok"`
	DryRun  bool            `json:"dry_run"`
	Scanned int             `json:"scanned"`
	Linked  int             `json:"linked"`
	Skipped int             `json:"skipped"`
	Errors  int             `json:"errors"`
	Results []ProjectResult `json:"results"`
}

type Service struct {
	stripe   stripeapi.PaymentAPI
	projects store.ProjectStore
	subs     store.SubscriptionStore
	resolver *cancellation.Resolver
	log      *zap.SugaredLogger
}

func NewService(api stripeapi.PaymentAPI, stores *store.Stores, resolver *cancellation.Resolver, log *zap.SugaredLogger) *Service {
	return &Service{stripe: api, projects: stores.Projects, subs: stores.Subscriptions, resolver: resolver, log: log}
}

// Run sweeps subscription-model projects and links the missing mirrors. In
// dry-run mode the cascade still runs but nothing is written.
func (s *Service) Run(ctx context.Context, caller cancellation.Caller, req Request) (*Summary, error) {
	if !caller.IsAdmin() {
		return nil, response.NewError(response.CodeForbidden, "backfill is restricted to admins")
	}

	var projects []*models.Project
	if req.ProjectID != "" {
		project, err := s.projects.GetByID(ctx, req.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, response.NewError(response.CodeNotFound, "project not found")
		}
		if err != nil {
			return nil, response.WrapError(response.CodeDBError, "load project", err)
		}
		projects = []*models.Project{project}
	} else {
		var err error
		projects, err = s.projects.ListSubscriptionProjects(ctx)
		if err != nil {
			return nil, response.WrapError(response.CodeDBError, "list subscription projects", err)
		}
	}

	summary := &Summary{OK: true, DryRun: req.DryRun, Results: make([]ProjectResult, 0, len(projects))}
	for _, project := range projects {
		summary.Scanned++
		res := s.reconcile(ctx, project, req.DryRun)
		switch res.Action {
		case ActionLinked:
			summary.Linked++
		case ActionSkipped:
			summary.Skipped++
		case ActionError:
			summary.Errors++
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

func (s *Service) reconcile(ctx context.Context, project *models.Project, dryRun bool) ProjectResult {
	log := logctx.FromCtx(ctx, s.log)
	if project.PaymentModel != types.PaymentModelSubscription {
		return ProjectResult{ProjectID: project.ID, Action: ActionSkipped, Reason: "not a subscription project"}
	}

	mirror, err := s.subs.GetProjectByProjectID(ctx, project.ID)
	switch {
	case err == nil && mirror.StripeSubscriptionID != "":
		return ProjectResult{ProjectID: project.ID, Action: ActionSkipped, SubscriptionID: mirror.StripeSubscriptionID, Reason: "already linked"}
	case errors.Is(err, store.ErrNotFound):
		mirror = &models.ProjectSubscription{
			ProjectID: project.ID,
			UserID:    project.UserID,
			Status:    types.SubscriptionStatusPastDue,
		}
	case err != nil:
		return ProjectResult{ProjectID: project.ID, Action: ActionError, Reason: fmt.Sprintf("load mirror: %v", err)}
	}

	subscriptionID, _, err := s.resolver.Resolve(ctx, project, mirror, !dryRun)
	if errors.Is(err, cancellation.ErrMissingSubscriptionID) {
		return ProjectResult{ProjectID: project.ID, Action: ActionSkipped, Reason: "no subscription id resolvable"}
	}
	if err != nil {
		return ProjectResult{ProjectID: project.ID, Action: ActionError, Reason: err.Error()}
	}

	if !dryRun {
		// Reconcile status and renewal date against the processor while the
		// row is in hand.
		if remote, rerr := s.stripe.GetSubscription(ctx, subscriptionID); rerr == nil {
			mirror.Status = types.SubscriptionStatusFromProvider(string(remote.Status))
			if remote.CurrentPeriodEnd > 0 {
				if t := unixTime(remote.CurrentPeriodEnd); t != nil {
					mirror.CurrentPeriodEnd = t
				}
			}
			if serr := s.subs.SaveProject(ctx, mirror); serr != nil {
				return ProjectResult{ProjectID: project.ID, Action: ActionError, Reason: fmt.Sprintf("save mirror: %v", serr)}
			}
		} else {
			log.Warnw("backfill_status_reconcile_failed", "project_id", project.ID, "subscription_id", subscriptionID, "error", rerr.Error())
		}
	}
	return ProjectResult{ProjectID: project.ID, Action: ActionLinked, SubscriptionID: subscriptionID}
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
