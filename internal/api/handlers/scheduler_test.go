package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditengine/internal/scheduler"
	"creditengine/internal/types"
)

// fakeStores backs a scheduler.Loop with a single in-memory schedule and a
// no-op execution ledger. Safe for the loop goroutine the Start tests spawn.
type fakeStores struct {
	mu       sync.Mutex
	schedule *types.CreditSchedule
}

func (f *fakeStores) Get(ctx context.Context, id string) (*types.CreditSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schedule == nil || f.schedule.ID != id {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	s := *f.schedule
	return &s, nil
}

func (f *fakeStores) LoadActiveWindow(ctx context.Context, now time.Time) ([]types.CreditSchedule, error) {
	return nil, nil
}

func (f *fakeStores) Counts(ctx context.Context) (int, int, error) { return 1, 2, nil }

func (f *fakeStores) Claim(ctx context.Context, scheduleID, periodKey string, trigger types.TriggeredBy, now time.Time) (*types.CreditScheduleExecution, error) {
	return &types.CreditScheduleExecution{
		ID:          "ex_1",
		ScheduleID:  scheduleID,
		PeriodKey:   periodKey,
		TriggeredBy: trigger,
		Status:      types.ExecutionRunning,
		StartedAt:   now,
	}, nil
}

func (f *fakeStores) HasRunning(ctx context.Context, scheduleID string) (bool, error) {
	return false, nil
}

func (f *fakeStores) SettledPeriodKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (f *fakeStores) SweepStale(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }

func (f *fakeStores) Recent(ctx context.Context, limit int) ([]types.CreditScheduleExecution, error) {
	return nil, nil
}

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, s *types.CreditSchedule, periodKey string) types.ExecutionResult {
	return types.ExecutionResult{CohortSize: 2, UsersCredited: 2, TotalAmountGranted: 10}
}

type fakeFinalizer struct{}

func (fakeFinalizer) Finalize(ctx context.Context, executionID, scheduleID string, result types.ExecutionResult, finishedAt time.Time) error {
	return nil
}

func newSchedulerRouter(t *testing.T) (*chi.Mux, *scheduler.Loop) {
	t.Helper()
	stores := &fakeStores{schedule: &types.CreditSchedule{
		ID:            "cs_1",
		Name:          "Daily bonus",
		IsActive:      true,
		Type:          types.ScheduleDaily,
		TargetingMode: types.TargetAllUsers,
		CreditAmount:  5,
	}}
	loop := scheduler.New(scheduler.Config{
		Schedules:  stores,
		Executions: stores,
		Runner:     fakeRunner{},
		Finalizer:  fakeFinalizer{},
		Logger:     testLogger(),
		Interval:   time.Hour,
	})
	h := NewSchedulerHandler(loop, testLogger())

	r := chi.NewRouter()
	h.Routes(r)
	return r, loop
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	router, _ := newSchedulerRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/scheduler/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data scheduler.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, scheduler.StateStopped, resp.Data.State)
	assert.Equal(t, "1h0m0s", resp.Data.Interval)
	assert.Equal(t, 1, resp.Data.ActiveSchedules)
	assert.Equal(t, 2, resp.Data.TotalSchedules)
}

func TestSchedulerStartStopEndpoints(t *testing.T) {
	router, loop := newSchedulerRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/scheduler/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"running"`)

	// Starting a running loop is a conflict, not a restart.
	rec = doJSON(t, router, http.MethodPost, "/scheduler/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeSchedulerAlreadyRunning))

	rec = doJSON(t, router, http.MethodPost, "/scheduler/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"stopped"`)
	assert.Equal(t, scheduler.StateStopped, loop.StateNow())

	rec = doJSON(t, router, http.MethodPost, "/scheduler/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeSchedulerNotRunning))
}

func TestExecuteNowEndpoint(t *testing.T) {
	router, _ := newSchedulerRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/credit-schedules/cs_1/execute", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data types.CreditScheduleExecution `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.ExecutionCompleted, resp.Data.Status)
	assert.Equal(t, types.TriggeredManual, resp.Data.TriggeredBy)
	assert.Equal(t, 2, resp.Data.UsersCredited)
	require.NotNil(t, resp.Data.FinishedAt)
}

func TestExecuteNowEndpointUnknownSchedule(t *testing.T) {
	router, _ := newSchedulerRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/credit-schedules/cs_missing/execute", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeNotFoundSchedule))
}
