package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	mw "github.com/atelierhq/atelier/internal/app/api/middleware"
	"github.com/atelierhq/atelier/internal/app/service/backfill"
	"github.com/atelierhq/atelier/internal/app/service/cancellation"
	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/response"
	"github.com/atelierhq/atelier/pkg/types"
)

// BackfillRunner is the backfill service surface the handler needs.
type BackfillRunner interface {
	Run(ctx context.Context, caller cancellation.Caller, req backfill.Request) (*backfill.Summary, error)
}

type ListPaymentsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type PaymentItem struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	StripeSessionID *string   `json:"stripe_session_id"`
	StripeInvoiceID *string   `json:"stripe_invoice_id"`
	ReceiptURL      string    `json:"receipt_url"`
	ServiceID       string    `json:"service_id"`
	BookingID       *string   `json:"booking_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type ListPaymentsResponse struct {
	OK    bool           `json:"ok"`
	Total int64          `json:"total"`
	Items []*PaymentItem `json:"items"`
}

func toPaymentItem(m *models.Payment) *PaymentItem {
	return &PaymentItem{
		ID:              m.ID,
		UserID:          m.UserID,
		AmountCents:     m.AmountCents,
		Currency:        m.Currency,
		Status:          string(m.Status),
		StripeSessionID: m.StripeSessionID,
		StripeInvoiceID: m.StripeInvoiceID,
		ReceiptURL:      m.ReceiptURL,
		ServiceID:       m.ServiceID,
		BookingID:       m.BookingID,
		CreatedAt:       m.CreatedAt,
	}
}

// @Summary      List payments
// @Description  Paginated, filterable payment listing for the back office.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        payload body ListPaymentsRequest true "Listing request"
// @Success      200  {object}  ListPaymentsResponse
// @Router       /api/v1/admin/payments [post]
// @Security     BearerAuth
func ApiListPayments(payments store.PaymentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListPaymentsRequest
		// GET requests carry no body and fall back to defaults
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, err.Error(), mw.RequestID(c)))
				return
			}
		}
		if req.Size <= 0 || req.Size > 200 {
			req.Size = 50
		}

		rows, total, err := payments.Scan(c.Request.Context(), &store.ScanPaymentsRequest{
			Filters:   req.Filters,
			From:      req.From,
			Size:      req.Size,
			SortBy:    req.SortBy,
			SortOrder: req.SortOrder,
		})
		if err != nil {
			renderError(c, response.WrapError(response.CodeDBError, "scan payments", err))
			return
		}
		c.JSON(http.StatusOK, ListPaymentsResponse{OK: true, Total: total, Items: lo.Map(rows, func(m *models.Payment, _ int) *PaymentItem { return toPaymentItem(m) })})
	}
}

// @Summary      Backfill subscription mirrors
// @Description  Reconciles subscription projects missing a usable local mirror; dryRun performs no writes.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        payload body backfill.Request true "Backfill request"
// @Success      200  {object}  backfill.Summary
// @Failure      403  {object}  response.ErrorBody
// @Router       /api/v1/admin/backfill-subscriptions [post]
// @Security     BearerAuth
func ApiBackfillSubscriptions(svc BackfillRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.NewErrorBody(response.CodeUnauthorized, "missing bearer token", mw.RequestID(c)))
			return
		}
		var req backfill.Request
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, err.Error(), mw.RequestID(c)))
				return
			}
		}

		summary, err := svc.Run(c.Request.Context(), caller, req)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func RegisterAdminRoutes(r gin.IRouter, runner BackfillRunner, payments store.PaymentStore) {
	r.POST("/backfill-subscriptions", ApiBackfillSubscriptions(runner))
	r.POST("/payments", ApiListPayments(payments))
	r.GET("/payments", ApiListPayments(payments))
}
