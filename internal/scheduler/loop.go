// Package scheduler implements the tick loop that fires due credit
// schedules. Each tick sweeps stale claims, loads the active candidate set,
// filters it down to due schedules, and claims one execution row per
// (schedule, period) before handing the firing to the batch executor. The
// claim insert is the only cross-replica synchronization; a lost claim race
// is a silent skip, never an error.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"creditengine/internal/schedule"
	"creditengine/internal/types"
)

// State is the lifecycle state of the loop.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Default tunables, overridable via Config.
const (
	DefaultInterval    = time.Minute
	DefaultStaleAfter  = 30 * time.Minute
	defaultRecentLimit = 10
)

// ScheduleStore abstracts the schedule reads the loop needs.
type ScheduleStore interface {
	Get(ctx context.Context, id string) (*types.CreditSchedule, error)
	LoadActiveWindow(ctx context.Context, now time.Time) ([]types.CreditSchedule, error)
	Counts(ctx context.Context) (active int, total int, err error)
}

// ExecutionStore abstracts the execution-ledger operations the loop needs.
type ExecutionStore interface {
	Claim(ctx context.Context, scheduleID, periodKey string, trigger types.TriggeredBy, now time.Time) (*types.CreditScheduleExecution, error)
	HasRunning(ctx context.Context, scheduleID string) (bool, error)
	SettledPeriodKeys(ctx context.Context, keys []string) (map[string]bool, error)
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
	Recent(ctx context.Context, limit int) ([]types.CreditScheduleExecution, error)
}

// Runner executes one claimed firing and tallies the outcome.
type Runner interface {
	Run(ctx context.Context, s *types.CreditSchedule, periodKey string) types.ExecutionResult
}

// Finalizer atomically writes a firing's terminal outcome: the execution
// row update and the schedule counter bumps in one transaction.
type Finalizer interface {
	Finalize(ctx context.Context, executionID, scheduleID string, result types.ExecutionResult, finishedAt time.Time) error
}

// EventPublisher emits an event when a firing reaches a terminal status.
// Publishing is best effort; failures are logged, never propagated.
type EventPublisher interface {
	PublishExecutionFinished(ctx context.Context, exec types.CreditScheduleExecution) error
}

// MetricPublisher emits per-tick operational metrics. Best effort.
type MetricPublisher interface {
	PublishTick(ctx context.Context, due, claimed, swept int, duration time.Duration) error
	PublishExecutionOutcome(ctx context.Context, scheduleID string, result types.ExecutionResult) error
}

// Config holds the loop's construction dependencies and tunables.
type Config struct {
	Schedules  ScheduleStore
	Executions ExecutionStore
	Runner     Runner
	Finalizer  Finalizer
	Events     EventPublisher  // optional
	Metrics    MetricPublisher // optional
	Logger     *slog.Logger

	Interval   time.Duration
	StaleAfter time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Loop is the scheduler. One Loop runs per process; Start and Stop are safe
// to call from concurrent HTTP handlers.
type Loop struct {
	schedules  ScheduleStore
	executions ExecutionStore
	runner     Runner
	finalizer  Finalizer
	events     EventPublisher
	metrics    MetricPublisher
	log        *slog.Logger

	interval   time.Duration
	staleAfter time.Duration
	clock      func() time.Time

	mu             sync.Mutex
	state          State
	startedAt      time.Time
	lastTickAt     time.Time
	tickCount      int
	claimConflicts int
	cancel         context.CancelFunc
	done           chan struct{}
}

// New creates a stopped Loop.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		schedules:  cfg.Schedules,
		executions: cfg.Executions,
		runner:     cfg.Runner,
		finalizer:  cfg.Finalizer,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		state:      StateStopped,
	}
}

// Start begins ticking. The first tick runs immediately, then every
// interval. Returns scheduler_already_running if the loop is not stopped.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return types.NewAppError(types.ErrCodeSchedulerAlreadyRunning,
			"scheduler loop is already running", nil)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.state = StateRunning
	l.startedAt = l.clock()
	l.tickCount = 0
	l.claimConflicts = 0
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(loopCtx)
	l.log.InfoContext(ctx, "scheduler loop started", "interval", l.interval.String())
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish, bounded
// by ctx. Returns scheduler_not_running if the loop is not running.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return types.NewAppError(types.ErrCodeSchedulerNotRunning,
			"scheduler loop is not running", nil)
	}
	l.state = StateStopping
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		// The tick keeps draining in the background; state still becomes
		// stopped when it does.
	}

	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
	l.log.InfoContext(ctx, "scheduler loop stopped")
	return nil
}

// run is the loop goroutine: an immediate tick, then one per interval.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	l.tick(ctx)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one scheduling pass. Failures of individual schedules never
// abort the pass; each due schedule is claimed and fired independently.
func (l *Loop) tick(ctx context.Context) {
	now := l.clock().UTC()
	tickStart := now

	swept, err := l.executions.SweepStale(ctx, now.Add(-l.staleAfter))
	if err != nil {
		l.log.ErrorContext(ctx, "stale claim sweep failed", "error", err)
		// Continue; a failed sweep only delays recovery of stuck claims.
	} else if swept > 0 {
		l.log.WarnContext(ctx, "swept stale executions", "count", swept)
	}

	due, err := l.loadDue(ctx, now)
	if err != nil {
		l.log.ErrorContext(ctx, "failed to load due schedules", "error", err)
		l.noteTick(now)
		return
	}

	claimed := 0
	for i := range due {
		s := &due[i].schedule
		if l.fire(ctx, s, due[i].periodKey, types.TriggeredAuto, now) {
			claimed++
		}
		if ctx.Err() != nil {
			break
		}
	}

	l.noteTick(now)
	if l.metrics != nil {
		if err := l.metrics.PublishTick(ctx, len(due), claimed, swept, l.clock().Sub(tickStart)); err != nil {
			l.log.WarnContext(ctx, "failed to publish tick metrics", "error", err)
		}
	}
	if len(due) > 0 {
		l.log.InfoContext(ctx, "tick complete",
			"due", len(due),
			"claimed", claimed,
			"swept", swept,
		)
	}
}

type dueSchedule struct {
	schedule  types.CreditSchedule
	periodKey string
}

// loadDue narrows the active-window candidate set to schedules that are due
// right now and have no settled execution for the current period. The
// settled-period filter is an optimization; losing the race to another
// replica is handled by the claim insert.
func (l *Loop) loadDue(ctx context.Context, now time.Time) ([]dueSchedule, error) {
	candidates, err := l.schedules.LoadActiveWindow(ctx, now)
	if err != nil {
		return nil, err
	}

	var (
		due  []dueSchedule
		keys []string
	)
	for i := range candidates {
		s := &candidates[i]
		ok, err := schedule.IsDueAt(s, now)
		if err != nil {
			l.log.ErrorContext(ctx, "skipping undecidable schedule",
				"schedule_id", s.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		key := schedule.PeriodKey(s, now)
		due = append(due, dueSchedule{schedule: *s, periodKey: key})
		keys = append(keys, key)
	}
	if len(due) == 0 {
		return nil, nil
	}

	settled, err := l.executions.SettledPeriodKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := due[:0]
	for _, d := range due {
		if !settled[d.periodKey] {
			out = append(out, d)
		}
	}
	return out, nil
}

// fire claims the period and runs one firing to its terminal state.
// Returns true when this process won the claim.
func (l *Loop) fire(ctx context.Context, s *types.CreditSchedule, periodKey string, trigger types.TriggeredBy, now time.Time) bool {
	exec, err := l.executions.Claim(ctx, s.ID, periodKey, trigger, now)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictClaim {
			l.mu.Lock()
			l.claimConflicts++
			l.mu.Unlock()
			return false
		}
		l.log.ErrorContext(ctx, "failed to claim execution",
			"schedule_id", s.ID, "period_key", periodKey, "error", err)
		return false
	}

	l.log.InfoContext(ctx, "execution claimed",
		"schedule_id", s.ID,
		"execution_id", exec.ID,
		"period_key", periodKey,
		"triggered_by", string(trigger),
	)

	result := l.runner.Run(ctx, s, periodKey)
	finishedAt := l.clock().UTC()

	if err := l.finalizer.Finalize(ctx, exec.ID, s.ID, result, finishedAt); err != nil {
		// The row stays running and the stale sweep will fail it; the
		// ledger's idempotency keys protect the re-claimed run.
		l.log.ErrorContext(ctx, "failed to finalize execution",
			"execution_id", exec.ID, "error", err)
		return true
	}

	exec.Status = result.Status()
	exec.CohortSize = result.CohortSize
	exec.UsersCredited = result.UsersCredited
	exec.UsersFailed = result.UsersFailed
	exec.TotalAmountGranted = result.TotalAmountGranted
	if result.Err != nil {
		exec.Error = result.Err.Error()
	}
	exec.FinishedAt = &finishedAt

	l.log.InfoContext(ctx, "execution finished",
		"execution_id", exec.ID,
		"schedule_id", s.ID,
		"status", string(exec.Status),
		"cohort_size", exec.CohortSize,
		"users_credited", exec.UsersCredited,
		"users_failed", exec.UsersFailed,
		"amount_granted", exec.TotalAmountGranted,
	)

	if l.events != nil {
		if err := l.events.PublishExecutionFinished(ctx, *exec); err != nil {
			l.log.WarnContext(ctx, "failed to publish execution event",
				"execution_id", exec.ID, "error", err)
		}
	}
	if l.metrics != nil {
		if err := l.metrics.PublishExecutionOutcome(ctx, s.ID, result); err != nil {
			l.log.WarnContext(ctx, "failed to publish execution metrics",
				"execution_id", exec.ID, "error", err)
		}
	}
	return true
}

// ExecuteNow fires the schedule immediately under a manual period key,
// bypassing the due-time check but not the claim, the cap, or the ledger
// idempotency keys. It rejects inactive schedules and schedules with a
// firing already in flight. Works whether or not the loop is running.
func (l *Loop) ExecuteNow(ctx context.Context, scheduleID string) (*types.CreditScheduleExecution, error) {
	s, err := l.schedules.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if !s.IsActive {
		return nil, types.NewAppError(types.ErrCodeConflictScheduleInactive,
			"cannot execute an inactive schedule", nil)
	}

	running, err := l.executions.HasRunning(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, types.NewAppError(types.ErrCodeConflictExecutionRunning,
			"schedule already has an execution in flight", nil)
	}

	now := l.clock().UTC()
	periodKey := schedule.ManualPeriodKey(scheduleID, now)

	exec, err := l.executions.Claim(ctx, scheduleID, periodKey, types.TriggeredManual, now)
	if err != nil {
		return nil, err
	}

	result := l.runner.Run(ctx, s, periodKey)
	finishedAt := l.clock().UTC()
	if err := l.finalizer.Finalize(ctx, exec.ID, scheduleID, result, finishedAt); err != nil {
		return nil, err
	}

	exec.Status = result.Status()
	exec.CohortSize = result.CohortSize
	exec.UsersCredited = result.UsersCredited
	exec.UsersFailed = result.UsersFailed
	exec.TotalAmountGranted = result.TotalAmountGranted
	if result.Err != nil {
		exec.Error = result.Err.Error()
	}
	exec.FinishedAt = &finishedAt

	if l.events != nil {
		if err := l.events.PublishExecutionFinished(ctx, *exec); err != nil {
			l.log.WarnContext(ctx, "failed to publish execution event",
				"execution_id", exec.ID, "error", err)
		}
	}
	return exec, nil
}

func (l *Loop) noteTick(now time.Time) {
	l.mu.Lock()
	l.lastTickAt = now
	l.tickCount++
	l.mu.Unlock()
}

// UpcomingFire identifies the next schedule expected to fire and when.
type UpcomingFire struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	At         time.Time `json:"at"`
}

// Status is a point-in-time snapshot of the loop and its workload.
type Status struct {
	State           State                           `json:"state"`
	Interval        string                          `json:"interval"`
	StartedAt       *time.Time                      `json:"started_at,omitempty"`
	LastTickAt      *time.Time                      `json:"last_tick_at,omitempty"`
	TickCount       int                             `json:"tick_count"`
	ClaimConflicts  int                             `json:"claim_conflicts"`
	ActiveSchedules int                             `json:"active_schedules"`
	TotalSchedules  int                             `json:"total_schedules"`
	NextFire        *UpcomingFire                   `json:"next_fire,omitempty"`
	Recent          []types.CreditScheduleExecution `json:"recent_executions"`
}

// Status reports the loop state plus schedule counts and recent executions.
func (l *Loop) Status(ctx context.Context) (*Status, error) {
	l.mu.Lock()
	st := &Status{
		State:          l.state,
		Interval:       l.interval.String(),
		TickCount:      l.tickCount,
		ClaimConflicts: l.claimConflicts,
	}
	if !l.startedAt.IsZero() {
		t := l.startedAt
		st.StartedAt = &t
	}
	if !l.lastTickAt.IsZero() {
		t := l.lastTickAt
		st.LastTickAt = &t
	}
	l.mu.Unlock()

	active, total, err := l.schedules.Counts(ctx)
	if err != nil {
		return nil, err
	}
	st.ActiveSchedules = active
	st.TotalSchedules = total

	now := l.clock()
	window, err := l.schedules.LoadActiveWindow(ctx, now)
	if err != nil {
		return nil, err
	}
	for i := range window {
		next, err := schedule.NextFireTime(&window[i], now)
		if err != nil || next.IsZero() {
			continue
		}
		if st.NextFire == nil || next.Before(st.NextFire.At) {
			st.NextFire = &UpcomingFire{ScheduleID: window[i].ID, Name: window[i].Name, At: next}
		}
	}

	recent, err := l.executions.Recent(ctx, defaultRecentLimit)
	if err != nil {
		return nil, err
	}
	st.Recent = recent
	return st, nil
}

// StateNow returns the current lifecycle state.
func (l *Loop) StateNow() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
