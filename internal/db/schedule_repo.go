package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creditengine/internal/types"
)

// scheduleColumns is the canonical column list for credit_schedules reads.
const scheduleColumns = `id, name, description, is_active, schedule_type,
	start_date, end_date, execution_time, days_of_week, day_of_month,
	targeting_mode, max_days_since_registration, max_days_since_last_activity,
	credit_amount, credit_type, max_users_per_execution,
	total_executions, total_credits_distributed, total_users_credited,
	last_fired_at, deleted_at, created_at, updated_at`

// ScheduleRepository provides data access for the credit_schedules table.
// It implements the Schedule Store's persistence operations; validation
// happens in the service layer before rows reach this repository.
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a ScheduleRepository backed by the given
// database connection (pool or transaction).
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ScheduleRepository) WithTx(tx DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: tx}
}

// Create inserts a new schedule, assigning its ID and timestamps.
func (r *ScheduleRepository) Create(ctx context.Context, s *types.CreditSchedule) error {
	s.ID = uuid.NewString()
	err := r.db.QueryRow(ctx,
		`INSERT INTO credit_schedules
		 (id, name, description, is_active, schedule_type,
		  start_date, end_date, execution_time, days_of_week, day_of_month,
		  targeting_mode, max_days_since_registration, max_days_since_last_activity,
		  credit_amount, credit_type, max_users_per_execution)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING created_at, updated_at`,
		s.ID, s.Name, s.Description, s.IsActive, string(s.Type),
		s.StartDate, s.EndDate, s.ExecutionTime, weekdaysToInts(s.DaysOfWeek), s.DayOfMonth,
		string(s.TargetingMode), s.MaxDaysSinceRegistration, s.MaxDaysSinceLastActivity,
		s.CreditAmount, s.CreditType, s.MaxUsersPerExecution,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create schedule", err)
	}
	return nil
}

// Get returns a schedule by ID. Soft-deleted schedules are not found.
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*types.CreditSchedule, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+`
		 FROM credit_schedules
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get schedule", err)
	}
	return s, nil
}

// Update persists the mutable definition fields of a schedule. Running
// counters are owned by ApplyRunResult and are not touched here.
func (r *ScheduleRepository) Update(ctx context.Context, s *types.CreditSchedule) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_schedules
		 SET name = $2, description = $3, is_active = $4, schedule_type = $5,
		     start_date = $6, end_date = $7, execution_time = $8,
		     days_of_week = $9, day_of_month = $10,
		     targeting_mode = $11, max_days_since_registration = $12,
		     max_days_since_last_activity = $13,
		     credit_amount = $14, credit_type = $15, max_users_per_execution = $16,
		     updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		s.ID, s.Name, s.Description, s.IsActive, string(s.Type),
		s.StartDate, s.EndDate, s.ExecutionTime, weekdaysToInts(s.DaysOfWeek), s.DayOfMonth,
		string(s.TargetingMode), s.MaxDaysSinceRegistration, s.MaxDaysSinceLastActivity,
		s.CreditAmount, s.CreditType, s.MaxUsersPerExecution,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	return nil
}

// SetActive toggles a schedule on or off.
func (r *ScheduleRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_schedules
		 SET is_active = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, active,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to toggle schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	return nil
}

// SoftDelete deactivates the schedule and stamps deleted_at. Execution
// history keeps referencing the row; schedules are never hard-deleted.
func (r *ScheduleRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_schedules
		 SET is_active = FALSE, deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	return nil
}

// List returns a page of schedules ordered by created_at descending, with
// the total row count for pagination metadata.
func (r *ScheduleRepository) List(ctx context.Context, filter types.ScheduleListFilter) ([]types.CreditSchedule, int, error) {
	filter = filter.Normalize()

	where := `deleted_at IS NULL`
	switch filter.Status {
	case types.FilterActive:
		where += ` AND is_active = TRUE`
	case types.FilterInactive:
		where += ` AND is_active = FALSE`
	}

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_schedules WHERE `+where,
	).Scan(&total); err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count schedules", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM credit_schedules
		 WHERE `+where+`
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		filter.PageSize, (filter.Page-1)*filter.PageSize,
	)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to list schedules", err)
	}
	defer rows.Close()

	var out []types.CreditSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedules", err)
	}
	return out, total, nil
}

// LoadActiveWindow returns every active schedule whose start/end window
// contains now. The scheduler loop filters this candidate set down to due
// schedules in Go (weekday/day-of-month/time-of-day math plus the
// terminal-execution check); the claim insert remains the final authority
// under concurrent replicas.
func (r *ScheduleRepository) LoadActiveWindow(ctx context.Context, now time.Time) ([]types.CreditSchedule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM credit_schedules
		 WHERE is_active = TRUE
		   AND deleted_at IS NULL
		   AND start_date <= $1
		   AND (end_date IS NULL OR end_date >= $1)
		 ORDER BY id`,
		now.UTC(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load active schedules", err)
	}
	defer rows.Close()

	var out []types.CreditSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedules", err)
	}
	return out, nil
}

// ApplyRunResult bumps the schedule's running counters after a firing
// reaches a terminal status. Called inside the same transaction as the
// final execution-row write.
func (r *ScheduleRepository) ApplyRunResult(ctx context.Context, id string, usersCredited int, amountGranted float64, firedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_schedules
		 SET total_executions = total_executions + 1,
		     total_credits_distributed = total_credits_distributed + $2,
		     total_users_credited = total_users_credited + $3,
		     last_fired_at = $4,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, amountGranted, usersCredited, firedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply run counters", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	return nil
}

// Counts returns (active, total) schedule counts for the status endpoint.
func (r *ScheduleRepository) Counts(ctx context.Context) (active int, total int, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE is_active), COUNT(*)
		 FROM credit_schedules
		 WHERE deleted_at IS NULL`,
	).Scan(&active, &total)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count schedules", err)
	}
	return active, total, nil
}

// NameExists reports whether an active (non-deleted) schedule already uses
// the given name. Quick-setup uses it to skip presets that exist.
func (r *ScheduleRepository) NameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM credit_schedules WHERE name = $1 AND deleted_at IS NULL
		 )`,
		name,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check schedule name", err)
	}
	return exists, nil
}

// scanSchedule reads one schedule row from a pgx.Row or pgx.Rows.
func scanSchedule(row pgx.Row) (*types.CreditSchedule, error) {
	var (
		s        types.CreditSchedule
		schedTyp string
		mode     string
		days     []int32
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.IsActive, &schedTyp,
		&s.StartDate, &s.EndDate, &s.ExecutionTime, &days, &s.DayOfMonth,
		&mode, &s.MaxDaysSinceRegistration, &s.MaxDaysSinceLastActivity,
		&s.CreditAmount, &s.CreditType, &s.MaxUsersPerExecution,
		&s.TotalExecutions, &s.TotalCreditsDistributed, &s.TotalUsersCredited,
		&s.LastFiredAt, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Type = types.ScheduleType(schedTyp)
	s.TargetingMode = types.TargetingMode(mode)
	s.DaysOfWeek = intsToWeekdays(days)
	return &s, nil
}

func weekdaysToInts(days []time.Weekday) []int32 {
	if len(days) == 0 {
		return nil
	}
	out := make([]int32, len(days))
	for i, d := range days {
		out[i] = int32(d)
	}
	return out
}

func intsToWeekdays(days []int32) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	out := make([]time.Weekday, len(days))
	for i, d := range days {
		out[i] = time.Weekday(d)
	}
	return out
}
