package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidBody      ErrorCode = "validation_invalid_body"
	ErrCodeValidationUnknownPlan      ErrorCode = "validation_unknown_plan"
	ErrCodeValidationPlanNotForSale   ErrorCode = "validation_plan_not_purchasable"
	ErrCodeValidationPlanComingSoon   ErrorCode = "validation_plan_coming_soon"
	ErrCodeValidationNoBillingAccount ErrorCode = "validation_no_billing_account"
	ErrCodeValidationSignature        ErrorCode = "validation_invalid_signature"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenRevoked ErrorCode = "auth_token_revoked"

	// Not Found (404)
	ErrCodeNotFoundEntitlement ErrorCode = "not_found_entitlement"

	// Conflict (409)
	ErrCodeConflictQuotaExceeded ErrorCode = "conflict_quota_exceeded"

	// Internal/Upstream (500/502/504)
	ErrCodeInternalDB              ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected      ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe          ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamResourceMissing ErrorCode = "upstream_resource_missing"
	ErrCodeUpstreamRateLimited     ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable     ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamTimeout         ErrorCode = "upstream_timeout"

	// Payment-specific
	ErrCodePaymentDeclined ErrorCode = "payment_declined"
)

// HTTPStatus maps an ErrorCode to its HTTP status. Unknown codes map to 500.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodePaymentDeclined:
		return http.StatusPaymentRequired
	case c == ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. Handlers translate it into
// the JSON error envelope; Details are surfaced to the caller verbatim.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{Code: e.Code, Message: e.Message, Err: e.Err, Details: merged}
}

func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ae, ok := err.(*AppError); ok && ae.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
