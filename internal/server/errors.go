package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/relaybill/relaybill/internal/audit/domain"
	"github.com/relaybill/relaybill/internal/billing"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	"github.com/relaybill/relaybill/internal/pricing"
	providerbilling "github.com/relaybill/relaybill/internal/providers/billing"
	"github.com/relaybill/relaybill/internal/quota"
	subscriptiondomain "github.com/relaybill/relaybill/internal/subscription/domain"
	"github.com/relaybill/relaybill/internal/webhook"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Detail  map[string]any    `json:"detail,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware turns errors recorded on the gin context into the
// typed JSON error envelope. Handlers that already wrote a body are left
// alone.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		var shortfall *billing.InsufficientCreditsError
		if errors.As(lastErr.Err, &shortfall) {
			c.Header("Credits-Remaining", formatCredits(shortfall.RemainingCredits))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError is the single translation point from domain sentinels to HTTP.
// Quota exhaustion and credit exhaustion are distinct failures with distinct
// statuses; clients must be able to tell them apart.
func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "request quota exceeded",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		payload := errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
		var shortfall *billing.InsufficientCreditsError
		if errors.As(err, &shortfall) {
			payload.Detail = map[string]any{
				"required_credits":  shortfall.RequiredCredits,
				"remaining_credits": shortfall.RemainingCredits,
			}
		}
		return http.StatusPaymentRequired, payload
	case errors.Is(err, ledgerdomain.ErrPoolExhausted):
		return http.StatusConflict, errorPayload{
			Type:    "pool_exhausted",
			Message: "pool has insufficient unallocated credits",
		}
	case errors.Is(err, providerbilling.ErrSignatureInvalid):
		return http.StatusBadRequest, errorPayload{
			Type:    "signature_invalid",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, webhook.ErrMalformedEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "malformed_event",
			Message: "webhook payload could not be parsed",
		}
	case isValidationError(err):
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pricing.ErrUnknownPricingKey),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, quota.ErrInvalidWindow),
		errors.Is(err, billing.ErrInvalidPrincipal),
		errors.Is(err, billing.ErrInvalidCorrelationID),
		errors.Is(err, ledgerdomain.ErrInvalidPool),
		errors.Is(err, ledgerdomain.ErrInvalidPrincipal),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidOwnerType),
		errors.Is(err, ledgerdomain.ErrInvalidCorrelationID),
		errors.Is(err, ledgerdomain.ErrInvalidReason),
		errors.Is(err, ledgerdomain.ErrInvalidSourceEventID),
		errors.Is(err, subscriptiondomain.ErrInvalidStatus),
		errors.Is(err, subscriptiondomain.ErrInvalidExternalID),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrPoolNotFound),
		errors.Is(err, ledgerdomain.ErrAllocationNotFound),
		errors.Is(err, ledgerdomain.ErrAttributionNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && len(vErr.Errors) > 0 {
		return vErr.Errors[0].Code
	}
	switch {
	case errors.Is(err, pricing.ErrUnknownPricingKey):
		return "unknown_pricing_key"
	case errors.Is(err, pricing.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return strings.SplitN(err.Error(), ":", 2)[0]
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if strings.HasPrefix(code, "unknown_") {
		return strings.TrimPrefix(code, "unknown_")
	}
	return ""
}

// classifyErrorForLog feeds the request logger's error fields.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal_error", payload.Type
	}
	if payload.Type == "validation_error" && len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}
