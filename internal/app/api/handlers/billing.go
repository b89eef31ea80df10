package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/atelierhq/atelier/internal/app/api/middleware"
	"github.com/atelierhq/atelier/internal/app/service/cancellation"
	"github.com/atelierhq/atelier/pkg/response"
)

// Canceler is the cancellation service surface the handler needs.
type Canceler interface {
	Cancel(ctx context.Context, caller cancellation.Caller, req cancellation.CancelRequest) (*cancellation.CancelResult, error)
}

// @Summary      Cancel subscription
// @Description  Cancels the subscription behind a project, recovering the Stripe ids when the local mirror is incomplete.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        payload body cancellation.CancelRequest true "Cancellation request"
// @Success      200  {object}  cancellation.CancelResult
// @Failure      400  {object}  response.ErrorBody
// @Failure      403  {object}  response.ErrorBody
// @Router       /api/v1/billing/cancel-subscription [post]
// @Security     BearerAuth
func ApiCancelSubscription(svc Canceler) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.NewErrorBody(response.CodeUnauthorized, "missing bearer token", mw.RequestID(c)))
			return
		}
		var req cancellation.CancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, err.Error(), mw.RequestID(c)))
			return
		}

		res, err := svc.Cancel(c.Request.Context(), caller, req)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func RegisterBillingRoutes(r gin.IRouter, svc Canceler) {
	r.POST("/cancel-subscription", ApiCancelSubscription(svc))
}
