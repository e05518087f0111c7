// Package types defines the domain model, DTOs, and error taxonomy shared by
// every layer of the credit scheduling engine. It has no dependencies on
// other internal packages so that repositories, services, and handlers can
// all import it without cycles.
package types

import (
	"fmt"
	"time"
)

// ScheduleType discriminates which temporal fields of a CreditSchedule are
// meaningful.
type ScheduleType string

const (
	ScheduleOneOff  ScheduleType = "one_off"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleOneOff, ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
		return true
	}
	return false
}

// TargetingMode selects the cohort rule for a schedule. Exactly one mode is
// active per schedule; mode-specific parameters are validated at create and
// update time, never at fire time.
type TargetingMode string

const (
	TargetNewUsers    TargetingMode = "new_users"
	TargetActiveUsers TargetingMode = "active_users"
	TargetAllUsers    TargetingMode = "all_users"
	TargetCustom      TargetingMode = "custom"
)

// Valid reports whether m is a known targeting mode.
func (m TargetingMode) Valid() bool {
	switch m {
	case TargetNewUsers, TargetActiveUsers, TargetAllUsers, TargetCustom:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle state of a single firing attempt.
// completed, partially_failed, and failed are terminal.
type ExecutionStatus string

const (
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionPartiallyFailed ExecutionStatus = "partially_failed"
	ExecutionFailed          ExecutionStatus = "failed"
)

// Terminal reports whether the status is a terminal outcome.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionPartiallyFailed || s == ExecutionFailed
}

// TriggeredBy records whether a firing was initiated by the tick loop or by
// an explicit execute-now call.
type TriggeredBy string

const (
	TriggeredAuto   TriggeredBy = "auto"
	TriggeredManual TriggeredBy = "manual"
)

// ExecutionTimeLayout is the canonical wall-clock format for the
// execution_time field ("09:00:00").
const ExecutionTimeLayout = "15:04:05"

// CreditSchedule is a persisted recurring-credit policy: when to fire, who
// qualifies, how much each member receives, and the per-firing cohort cap.
type CreditSchedule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`

	Type ScheduleType `json:"schedule_type"`

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	// ExecutionTime is the time-of-day the schedule fires, in
	// ExecutionTimeLayout format. Parsed and validated at construction.
	ExecutionTime string `json:"execution_time"`
	// DaysOfWeek is set only for weekly schedules (Sunday=0 .. Saturday=6).
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	// DayOfMonth is set only for monthly schedules (1-31). Days past the end
	// of a month clamp to the month's last day.
	DayOfMonth int `json:"day_of_month,omitempty"`

	TargetingMode TargetingMode `json:"targeting_mode"`
	// MaxDaysSinceRegistration bounds the new_users cohort.
	MaxDaysSinceRegistration int `json:"max_days_since_registration,omitempty"`
	// MaxDaysSinceLastActivity bounds the active_users cohort.
	MaxDaysSinceLastActivity int `json:"max_days_since_last_activity,omitempty"`

	CreditAmount float64 `json:"credit_amount"`
	CreditType   string  `json:"credit_type"`

	// MaxUsersPerExecution is the hard cap on cohort members processed per
	// firing. The batch executor never exceeds it.
	MaxUsersPerExecution int `json:"max_users_per_execution"`

	// Running counters, updated only when a firing finalizes.
	TotalExecutions         int     `json:"total_executions"`
	TotalCreditsDistributed float64 `json:"total_credits_distributed"`
	TotalUsersCredited      int     `json:"total_users_credited"`

	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	DeletedAt   *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExecutionClock returns the schedule's time-of-day as hour/minute/second.
// The field is validated at construction, so a parse failure here indicates
// a corrupted row and is returned as an internal error.
func (s *CreditSchedule) ExecutionClock() (hour, minute, sec int, err error) {
	t, perr := time.Parse(ExecutionTimeLayout, s.ExecutionTime)
	if perr != nil {
		return 0, 0, 0, NewAppError(ErrCodeInternalUnexpected,
			fmt.Sprintf("schedule %s has malformed execution_time %q", s.ID, s.ExecutionTime), perr)
	}
	return t.Hour(), t.Minute(), t.Second(), nil
}

// FiresOnWeekday reports whether a weekly schedule fires on the given
// weekday. Non-weekly schedules always return false.
func (s *CreditSchedule) FiresOnWeekday(d time.Weekday) bool {
	if s.Type != ScheduleWeekly {
		return false
	}
	for _, wd := range s.DaysOfWeek {
		if wd == d {
			return true
		}
	}
	return false
}

// CreditScheduleExecution is one row in the append-only ledger of firing
// attempts. The partial unique index on (schedule_id, period_key) over
// non-failed rows is the exactly-once anchor; see the execution repository.
type CreditScheduleExecution struct {
	ID          string          `json:"id"`
	ScheduleID  string          `json:"schedule_id"`
	PeriodKey   string          `json:"period_key"`
	TriggeredBy TriggeredBy     `json:"triggered_by"`
	Status      ExecutionStatus `json:"status"`

	CohortSize         int     `json:"cohort_size"`
	UsersCredited      int     `json:"users_credited"`
	UsersFailed        int     `json:"users_failed"`
	TotalAmountGranted float64 `json:"total_amount_granted"`

	Error string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"execution_time"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ExecutionResult is the batch executor's summary of one run, applied to the
// execution row and the schedule counters when the run finalizes.
type ExecutionResult struct {
	CohortSize         int
	UsersCredited      int
	UsersFailed        int
	TotalAmountGranted float64
	// Err carries the run-level failure (cohort query error, zero grants)
	// when Status is ExecutionFailed.
	Err error
}

// Status derives the terminal status from the counters:
// completed when nothing failed, failed when nothing succeeded against a
// non-empty cohort, partially_failed otherwise. An empty cohort completes.
// A run-level error fails the run regardless of counters.
func (r ExecutionResult) Status() ExecutionStatus {
	switch {
	case r.Err != nil:
		return ExecutionFailed
	case r.UsersFailed == 0:
		return ExecutionCompleted
	case r.UsersCredited == 0 && r.CohortSize > 0:
		return ExecutionFailed
	default:
		return ExecutionPartiallyFailed
	}
}
