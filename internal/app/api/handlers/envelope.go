// Package handlers contains the gin handlers for the billing, webhook, RAG
// and admin surfaces. Handlers translate coded service errors into the
// discriminated response envelope and keep all business logic in the services.
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	mw "github.com/atelierhq/atelier/internal/app/api/middleware"
	"github.com/atelierhq/atelier/internal/app/service/cancellation"
	"github.com/atelierhq/atelier/pkg/response"
	"github.com/atelierhq/atelier/pkg/types"
)

// renderError writes the error envelope for a failed request. Coded errors
// keep their code; anything else is an opaque internal error.
func renderError(c *gin.Context, err error) {
	var coded *response.Error
	if !errors.As(err, &coded) {
		coded = response.NewError(response.CodeInternalError, "internal error")
	}
	c.JSON(response.HTTPStatus(coded.Code), response.NewErrorBody(coded.Code, coded.Message, mw.RequestID(c)))
}

// callerFrom lifts the verified auth claims into the service caller identity.
func callerFrom(c *gin.Context) (cancellation.Caller, bool) {
	claims, ok := mw.GetAuthClaims(c)
	if !ok {
		return cancellation.Caller{}, false
	}
	return cancellation.Caller{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   types.UserRole(claims.Role),
	}, true
}
