package schedule

import (
	"time"

	"creditengine/internal/types"
)

// fireTimeOn combines a calendar date with the schedule's time-of-day.
func fireTimeOn(s *types.CreditSchedule, date time.Time) (time.Time, error) {
	h, m, sec, err := s.ExecutionClock()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, sec, 0, time.UTC), nil
}

// clampDayOfMonth resolves a configured day-of-month against a concrete
// month, clamping day 29/30/31 to the month's last day.
func clampDayOfMonth(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// IsDueAt reports whether the schedule's fire time for the period containing
// now has been reached. It checks only temporal conditions; the caller
// (loadDue) layers the "no terminal execution for this period yet" check on
// top, and the claim insert is the final authority under concurrency.
func IsDueAt(s *types.CreditSchedule, now time.Time) (bool, error) {
	if !s.IsActive || s.DeletedAt != nil {
		return false, nil
	}
	now = now.UTC()
	if now.Before(s.StartDate) {
		return false, nil
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return false, nil
	}

	switch s.Type {
	case types.ScheduleOneOff:
		fire, err := fireTimeOn(s, s.StartDate)
		if err != nil {
			return false, err
		}
		return !now.Before(fire), nil

	case types.ScheduleDaily:
		fire, err := fireTimeOn(s, now)
		if err != nil {
			return false, err
		}
		return !now.Before(fire), nil

	case types.ScheduleWeekly:
		if !s.FiresOnWeekday(now.Weekday()) {
			return false, nil
		}
		fire, err := fireTimeOn(s, now)
		if err != nil {
			return false, err
		}
		return !now.Before(fire), nil

	case types.ScheduleMonthly:
		if now.Day() != clampDayOfMonth(now.Year(), now.Month(), s.DayOfMonth) {
			return false, nil
		}
		fire, err := fireTimeOn(s, now)
		if err != nil {
			return false, err
		}
		return !now.Before(fire), nil
	}
	return false, nil
}

// NextFireTime computes the next time at or after now when the schedule will
// fire, for status displays. Returns the zero time when the schedule will
// never fire again (inactive, expired, or a one_off already in the past).
func NextFireTime(s *types.CreditSchedule, now time.Time) (time.Time, error) {
	if !s.IsActive || s.DeletedAt != nil {
		return time.Time{}, nil
	}
	now = now.UTC()
	if now.Before(s.StartDate) {
		now = s.StartDate
	}

	var next time.Time
	switch s.Type {
	case types.ScheduleOneOff:
		fire, err := fireTimeOn(s, s.StartDate)
		if err != nil {
			return time.Time{}, err
		}
		if fire.Before(now) {
			return time.Time{}, nil
		}
		next = fire

	case types.ScheduleDaily:
		fire, err := fireTimeOn(s, now)
		if err != nil {
			return time.Time{}, err
		}
		if fire.Before(now) {
			fire = fire.AddDate(0, 0, 1)
		}
		next = fire

	case types.ScheduleWeekly:
		// Scan at most a full week of candidate days.
		for offset := 0; offset <= 7; offset++ {
			day := now.AddDate(0, 0, offset)
			if !s.FiresOnWeekday(day.Weekday()) {
				continue
			}
			fire, err := fireTimeOn(s, day)
			if err != nil {
				return time.Time{}, err
			}
			if !fire.Before(now) {
				next = fire
				break
			}
		}

	case types.ScheduleMonthly:
		for offset := 0; offset <= 1; offset++ {
			base := time.Date(now.Year(), now.Month()+time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
			day := clampDayOfMonth(base.Year(), base.Month(), s.DayOfMonth)
			fire, err := fireTimeOn(s, time.Date(base.Year(), base.Month(), day, 0, 0, 0, 0, time.UTC))
			if err != nil {
				return time.Time{}, err
			}
			if !fire.Before(now) {
				next = fire
				break
			}
		}
	}

	if next.IsZero() {
		return time.Time{}, nil
	}
	if s.EndDate != nil && next.After(*s.EndDate) {
		return time.Time{}, nil
	}
	return next, nil
}
