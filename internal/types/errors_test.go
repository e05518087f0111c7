package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

// TestAppErrorErrorFormat verifies Error() produces "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationAmount,
		Message: "credit_amount must be positive",
	}

	expected := "validation_amount_not_positive: credit_amount must be positive"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

// TestAppErrorUnwrap verifies the error chain support via Unwrap.
func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := &AppError{
		Code:    ErrCodeInternalDB,
		Message: "failed to query schedules",
		Err:     underlying,
	}

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", appErr.Unwrap(), underlying)
	}
}

// TestAppErrorErrorsAs verifies that errors.As can extract AppError from a chain.
func TestAppErrorErrorsAs(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeConflictClaim,
		Message: "period already claimed",
	}
	wrapped := fmt.Errorf("tick failed: %w", appErr)

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find AppError in the chain")
	}
	if target.Code != ErrCodeConflictClaim {
		t.Errorf("extracted Code = %q, want %q", target.Code, ErrCodeConflictClaim)
	}
}

// TestHTTPStatusMapping verifies the prefix-based status mapping for every
// error category.
func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationScheduleType, http.StatusBadRequest},
		{ErrCodeValidationTemplate, http.StatusBadRequest},
		{ErrCodeAuthKeyMissing, http.StatusUnauthorized},
		{ErrCodeAuthKeyInvalid, http.StatusUnauthorized},
		{ErrCodeNotFoundSchedule, http.StatusNotFound},
		{ErrCodeNotFoundExecution, http.StatusNotFound},
		{ErrCodeConflictClaim, http.StatusConflict},
		{ErrCodeConflictExecutionRunning, http.StatusConflict},
		{ErrCodeConflictScheduleInactive, http.StatusConflict},
		{ErrCodeSchedulerAlreadyRunning, http.StatusConflict},
		{ErrCodeSchedulerNotRunning, http.StatusConflict},
		{ErrCodeLedgerGrantRejected, http.StatusBadGateway},
		{ErrCodeUpstreamLedger, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

// TestIsTransient verifies that only upstream availability failures qualify
// for executor retries.
func TestIsTransient(t *testing.T) {
	if !ErrCodeUpstreamLedger.IsTransient() {
		t.Error("upstream_ledger_unavailable should be transient")
	}
	if !ErrCodeUpstreamRateLimited.IsTransient() {
		t.Error("upstream_rate_limited should be transient")
	}
	if ErrCodeLedgerGrantRejected.IsTransient() {
		t.Error("ledger_grant_rejected is a permanent rejection")
	}
	if ErrCodeInternalDB.IsTransient() {
		t.Error("internal_database_error should not be transient")
	}
}

// TestNewAppErrorWithDetails verifies the detailed constructor.
func TestNewAppErrorWithDetails(t *testing.T) {
	details := map[string]any{"schedule_id": "cs_1", "period_key": "cs_1:2026-08-01"}
	appErr := NewAppErrorWithDetails(ErrCodeConflictClaim, "already claimed", nil, details)

	if appErr.Code != ErrCodeConflictClaim {
		t.Errorf("Code = %q, want %q", appErr.Code, ErrCodeConflictClaim)
	}
	if appErr.Details["period_key"] != "cs_1:2026-08-01" {
		t.Errorf("Details[period_key] = %v, unexpected", appErr.Details["period_key"])
	}
}
