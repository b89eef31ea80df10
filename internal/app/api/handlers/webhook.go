package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mw "github.com/atelierhq/atelier/internal/app/api/middleware"
	"github.com/atelierhq/atelier/internal/app/service/webhook"
	"github.com/atelierhq/atelier/pkg/logctx"
	"github.com/atelierhq/atelier/pkg/response"
)

// WebhookProcessor is the webhook service surface the handler needs.
type WebhookProcessor interface {
	HandleEvent(ctx context.Context, payload []byte, sigHeader string) (*webhook.Result, error)
}

// @Summary      Stripe webhook
// @Description  Ingests signed Stripe events. Duplicate event ids succeed without reprocessing.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]any
// @Failure      400  {object}  response.ErrorBody
// @Router       /api/v1/webhooks/stripe [post]
func ApiStripeWebhook(svc WebhookProcessor, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig := c.GetHeader("Stripe-Signature")
		if sig == "" {
			c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, "missing Stripe-Signature header", mw.RequestID(c)))
			return
		}
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, "unreadable body", mw.RequestID(c)))
			return
		}

		res, err := svc.HandleEvent(c.Request.Context(), payload, sig)
		if err != nil {
			// The processor retries per its own policy on 400.
			logctx.FromGin(c, log).Errorw("webhook_processing_failed", "error", err.Error())
			c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, "webhook processing failed", mw.RequestID(c)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": res.Duplicate, "event_type": res.EventType})
	}
}

func RegisterWebhookRoutes(r gin.IRouter, svc WebhookProcessor, log *zap.SugaredLogger) {
	r.POST("/webhooks/stripe", ApiStripeWebhook(svc, log))
}
