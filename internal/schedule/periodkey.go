// Package schedule implements the pure temporal logic of the engine: period
// key derivation, due-time computation, and the named schedule templates.
// Everything here is deterministic and side-effect free; the scheduler loop
// and the store build on it.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"creditengine/internal/types"
)

// PeriodKey derives the deterministic idempotency anchor for a firing of the
// schedule in the period containing now. At most one non-failed execution
// may exist per (schedule_id, period_key); the execution repository's
// partial unique index enforces this.
//
// Formats:
//
//	daily    "{id}:2024-03-15"
//	weekly   "{id}:2024-W11"       (ISO week, single listed day)
//	weekly   "{id}:2024-W11-sat"   (two or more listed days)
//	monthly  "{id}:2024-03"
//	one_off  "{id}:once"
//
// A weekly schedule listing several days fires once per listed day, so each
// of those days is its own period. Without the weekday component, Saturday's
// settled execution would block Sunday's claim for the same ISO week.
func PeriodKey(s *types.CreditSchedule, now time.Time) string {
	now = now.UTC()
	switch s.Type {
	case types.ScheduleDaily:
		return fmt.Sprintf("%s:%s", s.ID, now.Format("2006-01-02"))
	case types.ScheduleWeekly:
		year, week := now.ISOWeek()
		if len(s.DaysOfWeek) > 1 {
			day := strings.ToLower(now.Weekday().String()[:3])
			return fmt.Sprintf("%s:%d-W%02d-%s", s.ID, year, week, day)
		}
		return fmt.Sprintf("%s:%d-W%02d", s.ID, year, week)
	case types.ScheduleMonthly:
		return fmt.Sprintf("%s:%s", s.ID, now.Format("2006-01"))
	default:
		// one_off: a single period for the schedule's whole lifetime.
		return fmt.Sprintf("%s:once", s.ID)
	}
}

// ManualPeriodKey derives the anchor for an execute-now run. The timestamp
// component guarantees it never collides with, or blocks, the schedule's
// regular automatic firing for the same period.
func ManualPeriodKey(scheduleID string, now time.Time) string {
	return fmt.Sprintf("%s:manual:%s", scheduleID, now.UTC().Format(time.RFC3339Nano))
}
