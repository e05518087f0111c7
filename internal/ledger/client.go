// Package ledger holds the client for the platform's credit ledger service.
// The engine never writes balances itself; every grant goes through the
// ledger's internal API with an idempotency key derived from the execution,
// so a crashed run that is retried can never double-credit a user.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"creditengine/internal/external"
	"creditengine/internal/types"
)

// CreditLedger is the engine's view of the credit ledger service. The batch
// executor grants through it one user at a time; the eligibility evaluator
// uses FilterGranted to drop users that already received this period's
// credit before the batch starts.
type CreditLedger interface {
	// Grant credits amount to userID. The idempotency key makes repeated
	// calls for the same (schedule, period, user) a no-op on the ledger side.
	Grant(ctx context.Context, input GrantInput) error

	// FilterGranted returns the subset of userIDs that already hold a grant
	// for the given schedule and period.
	FilterGranted(ctx context.Context, scheduleID, periodKey string, userIDs []string) ([]string, error)
}

// GrantInput carries one credit grant.
type GrantInput struct {
	UserID     string  `json:"user_id"`
	Amount     float64 `json:"amount"`
	CreditType string  `json:"credit_type"`
	Reason     string  `json:"reason"`
	// IdempotencyKey is schedule:period:user; see GrantIdempotencyKey.
	IdempotencyKey string `json:"idempotency_key"`
}

// GrantIdempotencyKey builds the canonical idempotency key for a grant.
func GrantIdempotencyKey(scheduleID, periodKey, userID string) string {
	return fmt.Sprintf("%s:%s:%s", scheduleID, periodKey, userID)
}

// ClientConfig holds the configuration for creating a Client.
type ClientConfig struct {
	BaseURL    string
	ServiceKey types.SecretString
	Logger     *slog.Logger
}

// Client implements CreditLedger against the ledger's internal HTTP API
// through external.BaseClient, inheriting circuit breaking, retries, and
// upstream error mapping.
type Client struct {
	base       *external.BaseClient
	baseURL    string
	serviceKey types.SecretString
	logger     *slog.Logger
}

// NewClient creates a ledger Client with the default resilience policy.
func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	base := external.NewBaseClient(
		httpClient,
		"credit-ledger",
		external.RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"CreditEngine/1.0",
	)
	return NewClientWithBase(base, cfg)
}

// NewClientWithBase creates a Client with a pre-configured BaseClient. This
// is useful for testing when you want to control retry behavior.
func NewClientWithBase(base *external.BaseClient, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:       base,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		logger:     logger,
	}
}

// Grant posts one credit grant to the ledger.
//
// Error mapping:
//   - 2xx -> nil (including the ledger's idempotent-replay response)
//   - 4xx -> types.ErrCodeLedgerGrantRejected (permanent, counted as a user failure)
//   - 429/5xx -> handled by BaseClient (retry, then upstream error codes)
func (c *Client) Grant(ctx context.Context, input GrantInput) error {
	body, err := json.Marshal(input)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to marshal grant payload", err)
	}

	reqURL := c.baseURL + "/internal/v1/credits/grant"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create grant request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", input.IdempotencyKey)
	c.setAuthHeaders(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return c.wrapTransportError("Grant", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return c.handleErrorResponse(resp, "Grant")
}

// FilterGranted asks the ledger which of the candidate users already hold a
// grant for this schedule and period.
func (c *Client) FilterGranted(ctx context.Context, scheduleID, periodKey string, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	payload := struct {
		ScheduleID string   `json:"schedule_id"`
		PeriodKey  string   `json:"period_key"`
		UserIDs    []string `json:"user_ids"`
	}{scheduleID, periodKey, userIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to marshal granted-filter payload", err)
	}

	reqURL := c.baseURL + "/internal/v1/credits/granted"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create granted-filter request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, c.wrapTransportError("FilterGranted", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, "FilterGranted")
	}

	var out struct {
		GrantedUserIDs []string `json:"granted_user_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamLedger,
			"FilterGranted: malformed ledger response", err)
	}
	return out.GrantedUserIDs, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.serviceKey.Unmask())
}

// ledgerErrorResponse is the JSON error body returned by the ledger API.
type ledgerErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleErrorResponse reads a ledger error body and maps it to an AppError.
// Any 4xx that survives BaseClient is a permanent rejection of this grant.
func (c *Client) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamLedger,
			fmt.Sprintf("%s: ledger returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var lerr ledgerErrorResponse
	msg := string(body)
	if jsonErr := json.Unmarshal(body, &lerr); jsonErr == nil && lerr.Message != "" {
		msg = lerr.Message
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return types.NewAppErrorWithDetails(
			types.ErrCodeLedgerGrantRejected,
			fmt.Sprintf("%s: ledger rejected request: %s", operation, msg),
			nil,
			map[string]any{"ledger_code": lerr.Code, "status": resp.StatusCode},
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamLedger,
			fmt.Sprintf("%s: ledger error (%d): %s", operation, resp.StatusCode, msg),
			nil,
		)
	}
}

// wrapTransportError passes through BaseClient AppErrors, which already
// carry the right upstream code, and wraps anything else.
func (c *Client) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamLedger,
		fmt.Sprintf("%s: ledger request failed: %v", operation, err),
		err,
	)
}

// Compile-time assertion that Client satisfies CreditLedger.
var _ CreditLedger = (*Client)(nil)
