package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditengine/internal/types"
)

const executionColumns = `id, schedule_id, period_key, triggered_by, status,
	cohort_size, users_credited, users_failed, total_amount_granted,
	error, started_at, finished_at`

// ExecutionRepository provides data access for the
// credit_schedule_executions table. The claim-by-insert operation here is
// the engine's sole cross-process synchronization primitive: the partial
// unique index on (schedule_id, period_key) over non-failed rows guarantees
// at most one live or successful execution per period without any external
// lock service.
type ExecutionRepository struct {
	db DBTX
}

// NewExecutionRepository creates an ExecutionRepository backed by the given
// database connection (pool or transaction).
func NewExecutionRepository(db DBTX) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ExecutionRepository) WithTx(tx DBTX) *ExecutionRepository {
	return &ExecutionRepository{db: tx}
}

// Claim atomically reserves (scheduleID, periodKey) by inserting a running
// execution row. If another process already holds a non-failed row for the
// pair, the insert hits the partial unique index, no row comes back, and
// Claim returns ErrCodeConflictClaim. The scheduler loop treats that as a
// silent skip.
//
// SQL pattern:
//
//	INSERT INTO credit_schedule_executions (...)
//	VALUES (...)
//	ON CONFLICT (schedule_id, period_key) WHERE status <> 'failed'
//	DO NOTHING
//	RETURNING id, started_at
func (r *ExecutionRepository) Claim(ctx context.Context, scheduleID, periodKey string, trigger types.TriggeredBy, now time.Time) (*types.CreditScheduleExecution, error) {
	exec := &types.CreditScheduleExecution{
		ID:          uuid.NewString(),
		ScheduleID:  scheduleID,
		PeriodKey:   periodKey,
		TriggeredBy: trigger,
		Status:      types.ExecutionRunning,
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO credit_schedule_executions
		 (id, schedule_id, period_key, triggered_by, status, started_at)
		 VALUES ($1, $2, $3, $4, 'running', $5)
		 ON CONFLICT (schedule_id, period_key) WHERE status <> 'failed'
		 DO NOTHING
		 RETURNING started_at`,
		exec.ID, scheduleID, periodKey, string(trigger), now.UTC(),
	).Scan(&exec.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictClaim,
			"period already claimed", nil,
			map[string]any{"schedule_id": scheduleID, "period_key": periodKey})
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim execution period", err)
	}
	return exec, nil
}

// Finish writes the terminal outcome onto a running execution row. Rows
// already finalized (or swept to failed) are not overwritten; that surfaces
// as an internal error because only the claiming process may finalize.
func (r *ExecutionRepository) Finish(ctx context.Context, id string, result types.ExecutionResult, finishedAt time.Time) error {
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_schedule_executions
		 SET status = $2, cohort_size = $3, users_credited = $4,
		     users_failed = $5, total_amount_granted = $6, error = $7,
		     finished_at = $8
		 WHERE id = $1 AND status = 'running'`,
		id, string(result.Status()), result.CohortSize, result.UsersCredited,
		result.UsersFailed, result.TotalAmountGranted, errMsg, finishedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize execution", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"execution row not running; possibly reclaimed by stale sweep", nil)
	}
	return nil
}

// HasRunning reports whether any execution for the schedule is currently in
// running status. execute-now is rejected while one exists to avoid
// overlapping manual and automatic runs.
func (r *ExecutionRepository) HasRunning(ctx context.Context, scheduleID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM credit_schedule_executions
		   WHERE schedule_id = $1 AND status = 'running'
		 )`,
		scheduleID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check running executions", err)
	}
	return exists, nil
}

// SettledPeriodKeys returns the subset of the given period keys that already
// have a completed or partially_failed execution. loadDue uses it to drop
// schedules that fired this period without attempting a claim; it is an
// optimization only, the claim insert remains authoritative.
func (r *ExecutionRepository) SettledPeriodKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	if len(keys) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT period_key
		 FROM credit_schedule_executions
		 WHERE period_key = ANY($1)
		   AND status IN ('completed', 'partially_failed')`,
		keys,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query settled periods", err)
	}
	defer rows.Close()

	settled := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan period key", err)
		}
		settled[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating settled periods", err)
	}
	return settled, nil
}

// SweepStale marks running executions older than the cutoff as failed,
// making their (schedule_id, period_key) pairs re-claimable. Returns the
// number of executions swept.
func (r *ExecutionRepository) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_schedule_executions
		 SET status = 'failed',
		     error = 'stale claim: exceeded running timeout',
		     finished_at = NOW()
		 WHERE status = 'running' AND started_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sweep stale executions", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecentBySchedule returns the most recent executions for one schedule,
// newest first.
func (r *ExecutionRepository) RecentBySchedule(ctx context.Context, scheduleID string, limit int) ([]types.CreditScheduleExecution, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+executionColumns+`
		 FROM credit_schedule_executions
		 WHERE schedule_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		scheduleID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list executions", err)
	}
	return collectExecutions(rows)
}

// Recent returns the most recent executions across all schedules, newest
// first. Used by the scheduler status and dashboard endpoints.
func (r *ExecutionRepository) Recent(ctx context.Context, limit int) ([]types.CreditScheduleExecution, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+executionColumns+`
		 FROM credit_schedule_executions
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list recent executions", err)
	}
	return collectExecutions(rows)
}

func collectExecutions(rows pgx.Rows) ([]types.CreditScheduleExecution, error) {
	defer rows.Close()

	var out []types.CreditScheduleExecution
	for rows.Next() {
		var (
			e       types.CreditScheduleExecution
			trigger string
			status  string
		)
		if err := rows.Scan(
			&e.ID, &e.ScheduleID, &e.PeriodKey, &trigger, &status,
			&e.CohortSize, &e.UsersCredited, &e.UsersFailed, &e.TotalAmountGranted,
			&e.Error, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan execution", err)
		}
		e.TriggeredBy = types.TriggeredBy(trigger)
		e.Status = types.ExecutionStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating executions", err)
	}
	return out, nil
}
