package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants. Handlers and the access gate MUST use these
// constants instead of hardcoded strings so clients can match on stable codes.
const (
	// Validation (400)
	ErrCodeValidationInvalidPlan   ErrorCode = "validation_invalid_plan"
	ErrCodeValidationInvalidCycle  ErrorCode = "validation_invalid_billing_cycle"
	ErrCodeValidationInvalidStatus ErrorCode = "validation_invalid_status"
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"

	// Auth (401)
	ErrCodeOrganizationRequired ErrorCode = "organization_required"

	// Policy denials (403). Each carries enough detail for the client to
	// render an upgrade prompt.
	ErrCodeSubscriptionRequired ErrorCode = "subscription_required"
	ErrCodeSubscriptionExpired  ErrorCode = "subscription_expired"
	ErrCodeReadOnlyMode         ErrorCode = "read_only_mode"
	ErrCodeFeatureNotAvailable  ErrorCode = "feature_not_available"
	ErrCodeRoleForbidden        ErrorCode = "role_forbidden"
	ErrCodeUserLimitReached     ErrorCode = "user_limit_reached"
	ErrCodeProjectLimitReached  ErrorCode = "project_limit_reached"
	ErrCodeStorageLimitReached  ErrorCode = "storage_limit_reached"

	// Not Found (404)
	ErrCodeNotFoundOrg          ErrorCode = "not_found_organization"
	ErrCodeNotFoundPlan         ErrorCode = "not_found_plan"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundNotification ErrorCode = "not_found_notification"

	// Business-rule conflicts (400). These are expected, frequent outcomes
	// of lifecycle calls, never crashes.
	ErrCodeConflictAlreadySubscribed ErrorCode = "conflict_already_subscribed"
	ErrCodeConflictAlreadyCancelled  ErrorCode = "conflict_already_cancelled"
	ErrCodeInvalidUpgrade            ErrorCode = "invalid_upgrade"
	ErrCodeInvalidDowngrade          ErrorCode = "invalid_downgrade"
	ErrCodeTrialNotAvailable         ErrorCode = "trial_not_available"

	// Upstream (402/502)
	ErrCodePaymentDeclined     ErrorCode = "payment_declined"
	ErrCodeUpstreamProvider    ErrorCode = "upstream_payment_provider"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// policyCodes are the 403 family: the request is understood and authenticated
// but denied by subscription policy.
var policyCodes = map[ErrorCode]bool{
	ErrCodeSubscriptionRequired: true,
	ErrCodeSubscriptionExpired:  true,
	ErrCodeReadOnlyMode:         true,
	ErrCodeFeatureNotAvailable:  true,
	ErrCodeRoleForbidden:        true,
	ErrCodeUserLimitReached:     true,
	ErrCodeProjectLimitReached:  true,
	ErrCodeStorageLimitReached:  true,
}

// conflictCodes are business-rule violations surfaced as 400s: the caller
// asked for a transition the current state does not permit.
var conflictCodes = map[ErrorCode]bool{
	ErrCodeConflictAlreadySubscribed: true,
	ErrCodeConflictAlreadyCancelled:  true,
	ErrCodeInvalidUpgrade:            true,
	ErrCodeInvalidDowngrade:          true,
	ErrCodeTrialNotAvailable:         true,
}

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case c == ErrCodeOrganizationRequired:
		return http.StatusUnauthorized // 401
	case policyCodes[c]:
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case conflictCodes[c]:
		return http.StatusBadRequest // 400
	case c == ErrCodePaymentDeclined:
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// LimitCodeFor returns the policy denial code for the given resource type.
func LimitCodeFor(resource ResourceType) ErrorCode {
	switch resource {
	case ResourceUsers:
		return ErrCodeUserLimitReached
	case ResourceProjects:
		return ErrCodeProjectLimitReached
	case ResourceStorage:
		return ErrCodeStorageLimitReached
	default:
		return ErrCodeInternalUnexpected
	}
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError to enable consistent error formatting,
// HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in,
// leaving the original untouched.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details
// for the client.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
