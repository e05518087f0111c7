package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All repositories, services, and handlers MUST use
// these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationScheduleType    ErrorCode = "validation_invalid_schedule_type"
	ErrCodeValidationTargetingMode   ErrorCode = "validation_invalid_targeting_mode"
	ErrCodeValidationTemporalFields  ErrorCode = "validation_inconsistent_temporal_fields"
	ErrCodeValidationTargetingFields ErrorCode = "validation_inconsistent_targeting_fields"
	ErrCodeValidationExecutionTime   ErrorCode = "validation_invalid_execution_time"
	ErrCodeValidationAmount          ErrorCode = "validation_amount_not_positive"
	ErrCodeValidationUserCap         ErrorCode = "validation_user_cap_not_positive"
	ErrCodeValidationDateWindow      ErrorCode = "validation_invalid_date_window"
	ErrCodeValidationTemplate        ErrorCode = "validation_unknown_template"

	// Auth (401)
	ErrCodeAuthKeyMissing ErrorCode = "auth_admin_key_missing"
	ErrCodeAuthKeyInvalid ErrorCode = "auth_admin_key_invalid"

	// Not Found (404)
	ErrCodeNotFoundSchedule  ErrorCode = "not_found_schedule"
	ErrCodeNotFoundExecution ErrorCode = "not_found_execution"

	// Conflict (409)
	// ErrCodeConflictClaim signals that another process already holds the
	// (schedule_id, period_key) claim. The scheduler loop treats it as a
	// silent skip, never as a failure.
	ErrCodeConflictClaim            ErrorCode = "conflict_period_already_claimed"
	ErrCodeConflictExecutionRunning ErrorCode = "conflict_execution_running"
	ErrCodeConflictScheduleInactive ErrorCode = "conflict_schedule_inactive"

	// Scheduler lifecycle (409)
	ErrCodeSchedulerAlreadyRunning ErrorCode = "scheduler_already_running"
	ErrCodeSchedulerNotRunning     ErrorCode = "scheduler_not_running"

	// Ledger grants (per-user outcomes inside a batch run)
	ErrCodeLedgerGrantRejected  ErrorCode = "ledger_grant_rejected"
	ErrCodeUpstreamLedger       ErrorCode = "upstream_ledger_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"), strings.HasPrefix(s, "scheduler_"):
		return http.StatusConflict
	case c == ErrCodeLedgerGrantRejected, strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether a grant failure with this code is worth a
// bounded retry inside the batch executor. Permanent rejections (invalid
// account, ledger-side validation) are counted as failures immediately.
func (c ErrorCode) IsTransient() bool {
	return c == ErrCodeUpstreamLedger || c == ErrCodeUpstreamRateLimited
}

// AppError is the standard application error type used throughout the engine.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
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
// that are safe to return to API clients.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
