package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditengine/internal/types"
)

// --- Test Doubles ---

type fakeScheduleStore struct {
	mu        sync.Mutex
	byID      map[string]*types.CreditSchedule
	active    []types.CreditSchedule
	activeErr error
}

func (f *fakeScheduleStore) Get(ctx context.Context, id string) (*types.CreditSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeScheduleStore) LoadActiveWindow(ctx context.Context, now time.Time) ([]types.CreditSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	return append([]types.CreditSchedule(nil), f.active...), nil
}

func (f *fakeScheduleStore) Counts(ctx context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active), len(f.byID), nil
}

type claimCall struct {
	scheduleID string
	periodKey  string
	trigger    types.TriggeredBy
}

type fakeExecutionStore struct {
	mu           sync.Mutex
	claims       []claimCall
	conflictKeys map[string]bool
	running      bool
	settled      map[string]bool
	sweepCount   int
	recent       []types.CreditScheduleExecution
}

func (f *fakeExecutionStore) Claim(ctx context.Context, scheduleID, periodKey string, trigger types.TriggeredBy, now time.Time) (*types.CreditScheduleExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictKeys[periodKey] {
		return nil, types.NewAppError(types.ErrCodeConflictClaim, "period already claimed", nil)
	}
	f.claims = append(f.claims, claimCall{scheduleID: scheduleID, periodKey: periodKey, trigger: trigger})
	return &types.CreditScheduleExecution{
		ID:          "ex_" + periodKey,
		ScheduleID:  scheduleID,
		PeriodKey:   periodKey,
		TriggeredBy: trigger,
		Status:      types.ExecutionRunning,
		StartedAt:   now,
	}, nil
}

func (f *fakeExecutionStore) HasRunning(ctx context.Context, scheduleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeExecutionStore) SettledPeriodKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, k := range keys {
		if f.settled[k] {
			out[k] = true
		}
	}
	return out, nil
}

func (f *fakeExecutionStore) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweepCount, nil
}

func (f *fakeExecutionStore) Recent(ctx context.Context, limit int) ([]types.CreditScheduleExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeExecutionStore) claimCalls() []claimCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]claimCall(nil), f.claims...)
}

type fakeRunner struct {
	mu     sync.Mutex
	result types.ExecutionResult
	runs   []string
}

func (f *fakeRunner) Run(ctx context.Context, s *types.CreditSchedule, periodKey string) types.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, periodKey)
	return f.result
}

type finalizeCall struct {
	executionID string
	scheduleID  string
	result      types.ExecutionResult
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []finalizeCall
	err   error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, executionID, scheduleID string, result types.ExecutionResult, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, finalizeCall{executionID: executionID, scheduleID: scheduleID, result: result})
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []types.CreditScheduleExecution
}

func (f *fakeEvents) PublishExecutionFinished(ctx context.Context, exec types.CreditScheduleExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, exec)
	return nil
}

type tickMetric struct {
	due, claimed, swept int
}

type fakeMetrics struct {
	mu       sync.Mutex
	ticks    []tickMetric
	outcomes []string
}

func (f *fakeMetrics) PublishTick(ctx context.Context, due, claimed, swept int, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, tickMetric{due: due, claimed: claimed, swept: swept})
	return nil
}

func (f *fakeMetrics) PublishExecutionOutcome(ctx context.Context, scheduleID string, result types.ExecutionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, scheduleID)
	return nil
}

// --- Fixtures ---

// tickNow is 10:00 UTC, after the fixture schedules' 09:00 execution time.
var tickNow = time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)

func dailySchedule(id string) types.CreditSchedule {
	return types.CreditSchedule{
		ID:                   id,
		Name:                 "Daily " + id,
		IsActive:             true,
		Type:                 types.ScheduleDaily,
		StartDate:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExecutionTime:        "09:00:00",
		TargetingMode:        types.TargetAllUsers,
		CreditAmount:         5,
		MaxUsersPerExecution: 100,
	}
}

type loopFixture struct {
	loop       *Loop
	schedules  *fakeScheduleStore
	executions *fakeExecutionStore
	runner     *fakeRunner
	finalizer  *fakeFinalizer
	events     *fakeEvents
	metrics    *fakeMetrics
}

func newLoopFixture() *loopFixture {
	f := &loopFixture{
		schedules:  &fakeScheduleStore{byID: map[string]*types.CreditSchedule{}},
		executions: &fakeExecutionStore{conflictKeys: map[string]bool{}, settled: map[string]bool{}},
		runner:     &fakeRunner{result: types.ExecutionResult{CohortSize: 3, UsersCredited: 3, TotalAmountGranted: 15}},
		finalizer:  &fakeFinalizer{},
		events:     &fakeEvents{},
		metrics:    &fakeMetrics{},
	}
	f.loop = New(Config{
		Schedules:  f.schedules,
		Executions: f.executions,
		Runner:     f.runner,
		Finalizer:  f.finalizer,
		Events:     f.events,
		Metrics:    f.metrics,
		Interval:   time.Hour,
		StaleAfter: 30 * time.Minute,
		Clock:      func() time.Time { return tickNow },
	})
	return f
}

// --- Tick ---

func TestTickFiresDueSchedule(t *testing.T) {
	f := newLoopFixture()
	f.schedules.active = []types.CreditSchedule{dailySchedule("cs_1")}

	f.loop.tick(context.Background())

	claims := f.executions.claimCalls()
	require.Len(t, claims, 1)
	assert.Equal(t, "cs_1", claims[0].scheduleID)
	assert.Equal(t, "cs_1:2026-03-16", claims[0].periodKey)
	assert.Equal(t, types.TriggeredAuto, claims[0].trigger)

	require.Len(t, f.finalizer.calls, 1)
	assert.Equal(t, "cs_1", f.finalizer.calls[0].scheduleID)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, types.ExecutionCompleted, f.events.events[0].Status)
	assert.Equal(t, 3, f.events.events[0].UsersCredited)

	require.Len(t, f.metrics.ticks, 1)
	assert.Equal(t, tickMetric{due: 1, claimed: 1, swept: 0}, f.metrics.ticks[0])
	assert.Equal(t, []string{"cs_1"}, f.metrics.outcomes)
}

func TestTickSkipsNotYetDueSchedule(t *testing.T) {
	f := newLoopFixture()
	s := dailySchedule("cs_1")
	s.ExecutionTime = "23:00:00" // later than tickNow's 10:00
	f.schedules.active = []types.CreditSchedule{s}

	f.loop.tick(context.Background())

	assert.Empty(t, f.executions.claimCalls())
}

func TestTickSkipsSettledPeriod(t *testing.T) {
	f := newLoopFixture()
	f.schedules.active = []types.CreditSchedule{dailySchedule("cs_1")}
	f.executions.settled["cs_1:2026-03-16"] = true

	f.loop.tick(context.Background())

	assert.Empty(t, f.executions.claimCalls())
	assert.Empty(t, f.runner.runs)
}

// TestTickClaimConflictIsSilentSkip verifies that losing the claim race is
// counted but not treated as a failure: the runner never starts.
func TestTickClaimConflictIsSilentSkip(t *testing.T) {
	f := newLoopFixture()
	f.schedules.active = []types.CreditSchedule{dailySchedule("cs_1"), dailySchedule("cs_2")}
	f.executions.conflictKeys["cs_1:2026-03-16"] = true

	f.loop.tick(context.Background())

	claims := f.executions.claimCalls()
	require.Len(t, claims, 1)
	assert.Equal(t, "cs_2", claims[0].scheduleID)

	status, err := f.loop.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.ClaimConflicts)
	assert.Equal(t, 1, status.TickCount)
}

func TestTickReportsSweptClaims(t *testing.T) {
	f := newLoopFixture()
	f.executions.sweepCount = 2

	f.loop.tick(context.Background())

	require.Len(t, f.metrics.ticks, 1)
	assert.Equal(t, 2, f.metrics.ticks[0].swept)
}

// TestTickFinalizeFailureSuppressesEvent verifies the recovery path: when
// finalize fails the row stays running for the sweep, and no finished event
// goes out for an outcome that was never persisted.
func TestTickFinalizeFailureSuppressesEvent(t *testing.T) {
	f := newLoopFixture()
	f.schedules.active = []types.CreditSchedule{dailySchedule("cs_1")}
	f.finalizer.err = errors.New("tx failed")

	f.loop.tick(context.Background())

	require.Len(t, f.runner.runs, 1)
	assert.Empty(t, f.events.events)
	assert.Empty(t, f.metrics.outcomes)
}

// --- ExecuteNow ---

func TestExecuteNowSuccess(t *testing.T) {
	f := newLoopFixture()
	s := dailySchedule("cs_1")
	f.schedules.byID["cs_1"] = &s

	exec, err := f.loop.ExecuteNow(context.Background(), "cs_1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(exec.PeriodKey, "cs_1:manual:"),
		"manual runs use a timestamped period key, got %q", exec.PeriodKey)
	assert.Equal(t, types.TriggeredManual, exec.TriggeredBy)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.CohortSize)
	require.NotNil(t, exec.FinishedAt)

	require.Len(t, f.finalizer.calls, 1)
	require.Len(t, f.events.events, 1)
}

func TestExecuteNowRejectsInactiveSchedule(t *testing.T) {
	f := newLoopFixture()
	s := dailySchedule("cs_1")
	s.IsActive = false
	f.schedules.byID["cs_1"] = &s

	_, err := f.loop.ExecuteNow(context.Background(), "cs_1")

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictScheduleInactive, appErr.Code)
	assert.Empty(t, f.executions.claimCalls())
}

func TestExecuteNowRejectsWhileRunning(t *testing.T) {
	f := newLoopFixture()
	s := dailySchedule("cs_1")
	f.schedules.byID["cs_1"] = &s
	f.executions.running = true

	_, err := f.loop.ExecuteNow(context.Background(), "cs_1")

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictExecutionRunning, appErr.Code)
}

func TestExecuteNowUnknownSchedule(t *testing.T) {
	f := newLoopFixture()

	_, err := f.loop.ExecuteNow(context.Background(), "cs_missing")

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSchedule, appErr.Code)
}

// --- Lifecycle ---

func TestStartStopLifecycle(t *testing.T) {
	f := newLoopFixture()
	ctx := context.Background()

	assert.Equal(t, StateStopped, f.loop.StateNow())

	require.NoError(t, f.loop.Start(ctx))
	assert.Equal(t, StateRunning, f.loop.StateNow())

	err := f.loop.Start(ctx)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeSchedulerAlreadyRunning, appErr.Code)

	require.NoError(t, f.loop.Stop(ctx))
	assert.Equal(t, StateStopped, f.loop.StateNow())

	err = f.loop.Stop(ctx)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeSchedulerNotRunning, appErr.Code)
}

func TestStartRunsImmediateTick(t *testing.T) {
	f := newLoopFixture()
	f.schedules.active = []types.CreditSchedule{dailySchedule("cs_1")}
	ctx := context.Background()

	require.NoError(t, f.loop.Start(ctx))
	// The first tick runs on the loop goroutine; wait for its claim.
	require.Eventually(t, func() bool {
		return len(f.executions.claimCalls()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.loop.Stop(ctx))
}

func TestStatusSnapshot(t *testing.T) {
	f := newLoopFixture()
	f.schedules.active = []types.CreditSchedule{dailySchedule("cs_1")}
	f.schedules.byID["cs_1"] = &f.schedules.active[0]
	f.executions.recent = []types.CreditScheduleExecution{{ID: "ex_1"}}

	f.loop.tick(context.Background())

	status, err := f.loop.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, "1h0m0s", status.Interval)
	assert.Equal(t, 1, status.TickCount)
	require.NotNil(t, status.LastTickAt)
	assert.Equal(t, tickNow, *status.LastTickAt)
	assert.Equal(t, 1, status.ActiveSchedules)
	assert.Equal(t, 1, status.TotalSchedules)
	require.NotNil(t, status.NextFire)
	assert.Equal(t, "cs_1", status.NextFire.ScheduleID)
	assert.Equal(t, time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC), status.NextFire.At)
	require.Len(t, status.Recent, 1)
}
