// Package response defines the discriminated success/error envelope and the
// stable error codes shared between the HTTP layer and the UI.
package response

import "net/http"

// Stable error codes. These are a contract with the UI; never rename.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeNoActiveSubscription  = "NO_ACTIVE_SUBSCRIPTION"
	CodeMissingSubscriptionID = "MISSING_STRIPE_SUBSCRIPTION_ID"
	CodeDBError               = "DB_ERROR"
	CodeStripeError           = "STRIPE_ERROR"
	CodeDBUpdateFailed        = "DB_UPDATE_FAILED"
	CodeQuotaExceeded         = "QUOTA_EXCEEDED"
	CodeUpstreamError         = "UPSTREAM_ERROR"
	CodeInternalError         = "INTERNAL_ERROR"
)

// Error is a coded failure. Services return it so handlers can render the
// envelope without inspecting error chains.
type Error struct {
	Code    string
	Message string
	cause   error
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// ErrorBody is the wire shape of a failed request.
type ErrorBody struct {
	OK        bool   `json:"ok"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func NewErrorBody(code, message, requestID string) ErrorBody {
	return ErrorBody{OK: false, Code: code, Message: message, RequestID: requestID}
}

// HTTPStatus maps an error code onto its HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeNoActiveSubscription, CodeMissingSubscriptionID:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
