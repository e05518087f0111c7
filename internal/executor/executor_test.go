package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditengine/internal/db"
	"creditengine/internal/eligibility"
	"creditengine/internal/ledger"
	"creditengine/internal/types"
)

// --- Test Doubles ---

// listCohortSource serves keyset pages from a fixed, sorted ID list.
type listCohortSource struct {
	ids     []string
	pageErr error
	// failAfterPages makes Page fail once this many pages have been served.
	failAfterPages int
	pagesServed    int
}

func (f *listCohortSource) Page(ctx context.Context, filter db.CohortFilter, afterID string, limit int) ([]string, error) {
	if f.pageErr != nil && f.pagesServed >= f.failAfterPages {
		return nil, f.pageErr
	}
	f.pagesServed++
	start := sort.SearchStrings(f.ids, afterID)
	if start < len(f.ids) && f.ids[start] == afterID {
		start++
	}
	end := start + limit
	if end > len(f.ids) {
		end = len(f.ids)
	}
	return f.ids[start:end], nil
}

func (f *listCohortSource) Count(ctx context.Context, filter db.CohortFilter) (int, error) {
	return len(f.ids), nil
}

// scriptedLedger fails grants per user with a configurable error, counting
// attempts. Safe for the executor's concurrent workers.
type scriptedLedger struct {
	mu sync.Mutex
	// failures maps userID to the number of times Grant fails before
	// succeeding; -1 means fail forever.
	failures map[string]int
	failWith error
	attempts map[string]int
	granted  []ledger.GrantInput
}

func newScriptedLedger() *scriptedLedger {
	return &scriptedLedger{
		failures: map[string]int{},
		attempts: map[string]int{},
	}
}

func (l *scriptedLedger) Grant(ctx context.Context, input ledger.GrantInput) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[input.UserID]++
	remaining := l.failures[input.UserID]
	if remaining == -1 {
		return l.failWith
	}
	if remaining > 0 {
		l.failures[input.UserID] = remaining - 1
		return l.failWith
	}
	l.granted = append(l.granted, input)
	return nil
}

func (l *scriptedLedger) FilterGranted(ctx context.Context, scheduleID, periodKey string, userIDs []string) ([]string, error) {
	return nil, nil
}

func (l *scriptedLedger) attemptCount(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[userID]
}

func userIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user_%04d", i)
	}
	return out
}

func testSchedule(cap int) *types.CreditSchedule {
	return &types.CreditSchedule{
		ID:                   "cs_1",
		Name:                 "Daily bonus",
		TargetingMode:        types.TargetAllUsers,
		CreditAmount:         5,
		CreditType:           "bonus",
		MaxUsersPerExecution: cap,
	}
}

func newTestExecutor(t *testing.T, cfg Config, cohorts eligibility.CohortSource, lg ledger.CreditLedger) *Executor {
	t.Helper()
	eval := eligibility.NewEvaluator(cohorts, lg, nil)
	return New(cfg, eval, lg, nil, WithSleepFunc(func(time.Duration) {}))
}

// --- Run ---

func TestRunGrantsWholeCohort(t *testing.T) {
	cohorts := &listCohortSource{ids: userIDs(25)}
	lg := newScriptedLedger()
	e := newTestExecutor(t, Config{PageSize: 10}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(100), "pk")

	require.NoError(t, result.Err)
	assert.Equal(t, 25, result.CohortSize)
	assert.Equal(t, 25, result.UsersCredited)
	assert.Equal(t, 0, result.UsersFailed)
	assert.Equal(t, 125.0, result.TotalAmountGranted)
	assert.Equal(t, types.ExecutionCompleted, result.Status())
}

func TestRunGrantCarriesIdempotencyKey(t *testing.T) {
	cohorts := &listCohortSource{ids: userIDs(1)}
	lg := newScriptedLedger()
	e := newTestExecutor(t, Config{}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(10), "cs_1:2026-03-15")

	require.NoError(t, result.Err)
	require.Len(t, lg.granted, 1)
	g := lg.granted[0]
	assert.Equal(t, "cs_1:cs_1:2026-03-15:user_0000", g.IdempotencyKey)
	assert.Equal(t, 5.0, g.Amount)
	assert.Equal(t, "bonus", g.CreditType)
}

// TestRunRespectsCapExactly verifies the hard per-run cap: with a cohort
// bigger than the cap and a page size that does not divide it evenly, exactly
// cap users are processed.
func TestRunRespectsCapExactly(t *testing.T) {
	cohorts := &listCohortSource{ids: userIDs(100)}
	lg := newScriptedLedger()
	e := newTestExecutor(t, Config{PageSize: 30}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(70), "pk")

	require.NoError(t, result.Err)
	assert.Equal(t, 70, result.CohortSize)
	assert.Equal(t, 70, result.UsersCredited)
	assert.Equal(t, result.CohortSize, result.UsersCredited+result.UsersFailed)
}

func TestRunEmptyCohortCompletes(t *testing.T) {
	cohorts := &listCohortSource{}
	lg := newScriptedLedger()
	e := newTestExecutor(t, Config{}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(100), "pk")

	require.NoError(t, result.Err)
	assert.Equal(t, 0, result.CohortSize)
	assert.Equal(t, types.ExecutionCompleted, result.Status())
}

// TestRunPartialFailure verifies that a permanently rejected user is counted
// as failed without aborting the rest of the page.
func TestRunPartialFailure(t *testing.T) {
	cohorts := &listCohortSource{ids: userIDs(10)}
	lg := newScriptedLedger()
	lg.failures["user_0003"] = -1
	lg.failWith = types.NewAppError(types.ErrCodeLedgerGrantRejected, "account closed", nil)
	e := newTestExecutor(t, Config{GrantRetries: 2}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(100), "pk")

	require.NoError(t, result.Err)
	assert.Equal(t, 10, result.CohortSize)
	assert.Equal(t, 9, result.UsersCredited)
	assert.Equal(t, 1, result.UsersFailed)
	assert.Equal(t, 45.0, result.TotalAmountGranted)
	assert.Equal(t, types.ExecutionPartiallyFailed, result.Status())

	// Permanent rejections must not be retried.
	assert.Equal(t, 1, lg.attemptCount("user_0003"))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	cohorts := &listCohortSource{ids: userIDs(1)}
	lg := newScriptedLedger()
	lg.failures["user_0000"] = 2
	lg.failWith = types.NewAppError(types.ErrCodeUpstreamLedger, "ledger unavailable", nil)
	e := newTestExecutor(t, Config{GrantRetries: 2}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(10), "pk")

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.UsersCredited)
	assert.Equal(t, 3, lg.attemptCount("user_0000"), "initial attempt plus two retries")
}

func TestRunTransientRetriesExhausted(t *testing.T) {
	cohorts := &listCohortSource{ids: userIDs(1)}
	lg := newScriptedLedger()
	lg.failures["user_0000"] = -1
	lg.failWith = types.NewAppError(types.ErrCodeUpstreamRateLimited, "rate limited", nil)
	e := newTestExecutor(t, Config{GrantRetries: 2}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(10), "pk")

	assert.Equal(t, 1, result.UsersFailed)
	assert.Equal(t, 3, lg.attemptCount("user_0000"))
	assert.Equal(t, types.ExecutionFailed, result.Status())
}

// TestRunCohortErrorFailsRun verifies a page query failure aborts the run
// with the partial tallies preserved.
func TestRunCohortErrorFailsRun(t *testing.T) {
	cohorts := &listCohortSource{
		ids:            userIDs(40),
		pageErr:        errors.New("db down"),
		failAfterPages: 1,
	}
	lg := newScriptedLedger()
	e := newTestExecutor(t, Config{PageSize: 20}, cohorts, lg)

	result := e.Run(context.Background(), testSchedule(100), "pk")

	require.Error(t, result.Err)
	assert.Equal(t, types.ExecutionFailed, result.Status())
	assert.Equal(t, 20, result.UsersCredited, "first page settled before the failure")
}

func TestRunCustomModeWithoutResolverFails(t *testing.T) {
	e := newTestExecutor(t, Config{}, &listCohortSource{}, newScriptedLedger())
	s := testSchedule(10)
	s.TargetingMode = types.TargetCustom

	result := e.Run(context.Background(), s, "pk")

	require.Error(t, result.Err)
	assert.Equal(t, types.ExecutionFailed, result.Status())
}
