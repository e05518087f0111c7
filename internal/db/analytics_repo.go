package db

import (
	"context"
	"time"

	"creditengine/internal/types"
)

// ExecutionStats aggregates a schedule's terminal executions over a window.
type ExecutionStats struct {
	TotalExecutions    int     `json:"total_executions"`
	Completed          int     `json:"completed"`
	PartiallyFailed    int     `json:"partially_failed"`
	Failed             int     `json:"failed"`
	UsersCredited      int     `json:"users_credited"`
	UsersFailed        int     `json:"users_failed"`
	TotalAmountGranted float64 `json:"total_amount_granted"`
}

// DailyStat is one day of a schedule's execution breakdown.
type DailyStat struct {
	Day                time.Time `json:"day"`
	Executions         int       `json:"executions"`
	UsersCredited      int       `json:"users_credited"`
	UsersFailed        int       `json:"users_failed"`
	TotalAmountGranted float64   `json:"total_amount_granted"`
}

// ScheduleRanking is one row of the top-schedules leaderboard.
type ScheduleRanking struct {
	ScheduleID         string  `json:"schedule_id"`
	Name               string  `json:"name"`
	Executions         int     `json:"executions"`
	UsersCredited      int     `json:"users_credited"`
	TotalAmountGranted float64 `json:"total_amount_granted"`
}

// DashboardSummary is the system-wide rollup behind the admin dashboard.
type DashboardSummary struct {
	ActiveSchedules         int     `json:"active_schedules"`
	TotalSchedules          int     `json:"total_schedules"`
	ExecutionsLast24h       int     `json:"executions_last_24h"`
	RunningExecutions       int     `json:"running_executions"`
	CreditsGrantedLast24h   float64 `json:"credits_granted_last_24h"`
	UsersCreditedLast24h    int     `json:"users_credited_last_24h"`
	TotalCreditsDistributed float64 `json:"total_credits_distributed"`
	TotalUsersCredited      int     `json:"total_users_credited"`
}

// AnalyticsRepository runs aggregate queries over the executions ledger.
// All aggregation happens in SQL; the analytics service only derives
// ratios and shapes the response.
type AnalyticsRepository struct {
	db DBTX
}

// NewAnalyticsRepository creates an AnalyticsRepository backed by the given
// database connection.
func NewAnalyticsRepository(db DBTX) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// ExecutionStats aggregates the schedule's terminal executions started at or
// after since.
func (r *AnalyticsRepository) ExecutionStats(ctx context.Context, scheduleID string, since time.Time) (*ExecutionStats, error) {
	var s ExecutionStats
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'partially_failed'),
		        COUNT(*) FILTER (WHERE status = 'failed'),
		        COALESCE(SUM(users_credited), 0),
		        COALESCE(SUM(users_failed), 0),
		        COALESCE(SUM(total_amount_granted), 0)
		 FROM credit_schedule_executions
		 WHERE schedule_id = $1 AND status <> 'running' AND started_at >= $2`,
		scheduleID, since.UTC(),
	).Scan(&s.TotalExecutions, &s.Completed, &s.PartiallyFailed, &s.Failed,
		&s.UsersCredited, &s.UsersFailed, &s.TotalAmountGranted)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate execution stats", err)
	}
	return &s, nil
}

// DailyBreakdown returns per-day aggregates for the schedule's terminal
// executions started at or after since, oldest day first. Days with no
// executions are absent; the analytics service fills gaps for display.
func (r *AnalyticsRepository) DailyBreakdown(ctx context.Context, scheduleID string, since time.Time) ([]DailyStat, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DATE_TRUNC('day', started_at) AS day,
		        COUNT(*),
		        COALESCE(SUM(users_credited), 0),
		        COALESCE(SUM(users_failed), 0),
		        COALESCE(SUM(total_amount_granted), 0)
		 FROM credit_schedule_executions
		 WHERE schedule_id = $1 AND status <> 'running' AND started_at >= $2
		 GROUP BY day
		 ORDER BY day`,
		scheduleID, since.UTC(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate daily breakdown", err)
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var d DailyStat
		if err := rows.Scan(&d.Day, &d.Executions, &d.UsersCredited, &d.UsersFailed, &d.TotalAmountGranted); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan daily stat", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating daily breakdown", err)
	}
	return out, nil
}

// TopSchedules ranks schedules by total credits granted in the window.
func (r *AnalyticsRepository) TopSchedules(ctx context.Context, since time.Time, limit int) ([]ScheduleRanking, error) {
	rows, err := r.db.Query(ctx,
		`SELECT s.id, s.name,
		        COUNT(e.id),
		        COALESCE(SUM(e.users_credited), 0),
		        COALESCE(SUM(e.total_amount_granted), 0)
		 FROM credit_schedules s
		 JOIN credit_schedule_executions e ON e.schedule_id = s.id
		 WHERE e.status <> 'running' AND e.started_at >= $1
		 GROUP BY s.id, s.name
		 ORDER BY COALESCE(SUM(e.total_amount_granted), 0) DESC
		 LIMIT $2`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to rank schedules", err)
	}
	defer rows.Close()

	var out []ScheduleRanking
	for rows.Next() {
		var sr ScheduleRanking
		if err := rows.Scan(&sr.ScheduleID, &sr.Name, &sr.Executions, &sr.UsersCredited, &sr.TotalAmountGranted); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule ranking", err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedule rankings", err)
	}
	return out, nil
}

// DashboardSummary computes the system-wide rollup relative to now.
func (r *AnalyticsRepository) DashboardSummary(ctx context.Context, now time.Time) (*DashboardSummary, error) {
	dayAgo := now.UTC().Add(-24 * time.Hour)
	var d DashboardSummary
	err := r.db.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM credit_schedules WHERE is_active AND deleted_at IS NULL),
		   (SELECT COUNT(*) FROM credit_schedules WHERE deleted_at IS NULL),
		   (SELECT COUNT(*) FROM credit_schedule_executions WHERE started_at >= $1),
		   (SELECT COUNT(*) FROM credit_schedule_executions WHERE status = 'running'),
		   (SELECT COALESCE(SUM(total_amount_granted), 0) FROM credit_schedule_executions WHERE started_at >= $1),
		   (SELECT COALESCE(SUM(users_credited), 0) FROM credit_schedule_executions WHERE started_at >= $1),
		   (SELECT COALESCE(SUM(total_credits_distributed), 0) FROM credit_schedules WHERE deleted_at IS NULL),
		   (SELECT COALESCE(SUM(total_users_credited), 0) FROM credit_schedules WHERE deleted_at IS NULL)`,
		dayAgo,
	).Scan(&d.ActiveSchedules, &d.TotalSchedules, &d.ExecutionsLast24h, &d.RunningExecutions,
		&d.CreditsGrantedLast24h, &d.UsersCreditedLast24h, &d.TotalCreditsDistributed, &d.TotalUsersCredited)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to build dashboard summary", err)
	}
	return &d, nil
}

// ExportExecutions streams the schedule's executions started at or after
// since through fn, oldest first. Used by the NDJSON export endpoint so
// large histories never materialize in memory.
func (r *AnalyticsRepository) ExportExecutions(ctx context.Context, scheduleID string, since time.Time, fn func(types.CreditScheduleExecution) error) error {
	rows, err := r.db.Query(ctx,
		`SELECT `+executionColumns+`
		 FROM credit_schedule_executions
		 WHERE schedule_id = $1 AND started_at >= $2
		 ORDER BY started_at`,
		scheduleID, since.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to query executions for export", err)
	}
	defer rows.Close()

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
			return types.NewAppError(types.ErrCodeInternalDB, "failed to scan execution for export", err)
		}
		e.TriggeredBy = types.TriggeredBy(trigger)
		e.Status = types.ExecutionStatus(status)
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "error iterating executions for export", err)
	}
	return nil
}
