package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/atelierhq/atelier/internal/app/api/middleware"
	"github.com/atelierhq/atelier/internal/app/service/ragquery"
	"github.com/atelierhq/atelier/pkg/response"
)

// RagService is the question-answering surface the handlers need.
type RagService interface {
	Answer(ctx context.Context, userID, question string) (*ragquery.Answer, error)
	Usage(ctx context.Context, userID string) (used, remaining int, err error)
}

type RagQueryRequest struct {
	Question string `json:"question" binding:"required"`
}

// @Summary      Ask a question over the caller's documents
// @Description  Runs the retrieval-augmented pipeline and returns a grounded answer with cited sources.
// @Tags         RAG
// @Accept       json
// @Produce      json
// @Param        payload body RagQueryRequest true "Question"
// @Success      200  {object}  ragquery.Answer
// @Failure      429  {object}  response.ErrorBody
// @Failure      502  {object}  response.ErrorBody
// @Router       /api/v1/rag/query [post]
// @Security     BearerAuth
func ApiRagQuery(svc RagService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.NewErrorBody(response.CodeUnauthorized, "missing bearer token", mw.RequestID(c)))
			return
		}
		var req RagQueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, err.Error(), mw.RequestID(c)))
			return
		}

		answer, err := svc.Answer(c.Request.Context(), caller.UserID, req.Question)
		if err != nil {
			var quota *ragquery.QuotaExceededError
			switch {
			case errors.Is(err, ragquery.ErrEmptyQuestion):
				c.JSON(http.StatusBadRequest, response.NewErrorBody(response.CodeValidationError, "question is required", mw.RequestID(c)))
			case errors.As(err, &quota):
				c.JSON(http.StatusTooManyRequests, response.NewErrorBody(response.CodeQuotaExceeded,
					fmt.Sprintf("daily question limit reached (%d/%d)", quota.Used, quota.Limit), mw.RequestID(c)))
			case errors.Is(err, ragquery.ErrUpstream):
				c.JSON(http.StatusBadGateway, response.NewErrorBody(response.CodeUpstreamError, "the model is temporarily unavailable", mw.RequestID(c)))
			default:
				renderError(c, err)
			}
			return
		}
		c.JSON(http.StatusOK, answer)
	}
}

// @Summary      Daily question usage
// @Tags         RAG
// @Produce      json
// @Success      200  {object}  map[string]int
// @Router       /api/v1/rag/usage [get]
// @Security     BearerAuth
func ApiRagUsage(svc RagService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, response.NewErrorBody(response.CodeUnauthorized, "missing bearer token", mw.RequestID(c)))
			return
		}
		used, remaining, err := svc.Usage(c.Request.Context(), caller.UserID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"questions_used": used, "questions_remaining": remaining})
	}
}

func RegisterRagRoutes(r gin.IRouter, svc RagService) {
	r.POST("/query", ApiRagQuery(svc))
	r.GET("/usage", ApiRagUsage(svc))
}
