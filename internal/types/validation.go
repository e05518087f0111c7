package types

import (
	"time"
)

// ValidateSchedule enforces the cross-field variant rules that struct tags
// cannot express. It runs at create and update time only; fire-time logic
// reads already-validated rows and never re-validates.
//
// Rules:
//   - schedule_type and targeting_mode must be known variants.
//   - execution_time must parse as "15:04:05".
//   - days_of_week is required for weekly schedules and forbidden otherwise.
//   - day_of_month is required for monthly schedules and forbidden otherwise.
//   - exactly one targeting mode's parameters may be populated.
//   - credit_amount and max_users_per_execution must be positive.
//   - end_date, when set, must be after start_date.
func ValidateSchedule(s *CreditSchedule) error {
	if s.Name == "" {
		return NewAppError(ErrCodeValidationMissingField, "name is required", nil)
	}
	if !s.Type.Valid() {
		return NewAppErrorWithDetails(ErrCodeValidationScheduleType,
			"unknown schedule_type", nil, map[string]any{"schedule_type": string(s.Type)})
	}
	if !s.TargetingMode.Valid() {
		return NewAppErrorWithDetails(ErrCodeValidationTargetingMode,
			"unknown targeting_mode", nil, map[string]any{"targeting_mode": string(s.TargetingMode)})
	}
	if _, err := time.Parse(ExecutionTimeLayout, s.ExecutionTime); err != nil {
		return NewAppErrorWithDetails(ErrCodeValidationExecutionTime,
			"execution_time must be HH:MM:SS", err, map[string]any{"execution_time": s.ExecutionTime})
	}
	if s.StartDate.IsZero() {
		return NewAppError(ErrCodeValidationMissingField, "start_date is required", nil)
	}
	if s.EndDate != nil && !s.EndDate.After(s.StartDate) {
		return NewAppError(ErrCodeValidationDateWindow, "end_date must be after start_date", nil)
	}

	if err := validateTemporalVariant(s); err != nil {
		return err
	}
	if err := validateTargetingVariant(s); err != nil {
		return err
	}

	if s.CreditAmount <= 0 {
		return NewAppError(ErrCodeValidationAmount, "credit_amount must be positive", nil)
	}
	if s.MaxUsersPerExecution <= 0 {
		return NewAppError(ErrCodeValidationUserCap, "max_users_per_execution must be positive", nil)
	}
	return nil
}

// validateTemporalVariant checks that only the fields belonging to the
// schedule_type variant are set.
func validateTemporalVariant(s *CreditSchedule) error {
	switch s.Type {
	case ScheduleWeekly:
		if len(s.DaysOfWeek) == 0 {
			return NewAppError(ErrCodeValidationTemporalFields,
				"weekly schedules require days_of_week", nil)
		}
		seen := make(map[time.Weekday]bool, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return NewAppErrorWithDetails(ErrCodeValidationTemporalFields,
					"invalid weekday", nil, map[string]any{"weekday": int(d)})
			}
			if seen[d] {
				return NewAppErrorWithDetails(ErrCodeValidationTemporalFields,
					"duplicate weekday", nil, map[string]any{"weekday": d.String()})
			}
			seen[d] = true
		}
		if s.DayOfMonth != 0 {
			return NewAppError(ErrCodeValidationTemporalFields,
				"day_of_month is only valid for monthly schedules", nil)
		}
	case ScheduleMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return NewAppError(ErrCodeValidationTemporalFields,
				"monthly schedules require day_of_month between 1 and 31", nil)
		}
		if len(s.DaysOfWeek) != 0 {
			return NewAppError(ErrCodeValidationTemporalFields,
				"days_of_week is only valid for weekly schedules", nil)
		}
	default:
		if len(s.DaysOfWeek) != 0 {
			return NewAppError(ErrCodeValidationTemporalFields,
				"days_of_week is only valid for weekly schedules", nil)
		}
		if s.DayOfMonth != 0 {
			return NewAppError(ErrCodeValidationTemporalFields,
				"day_of_month is only valid for monthly schedules", nil)
		}
	}
	return nil
}

// validateTargetingVariant checks that only the parameters belonging to the
// targeting_mode variant are set, so a "missing field at fire time" state is
// unrepresentable.
func validateTargetingVariant(s *CreditSchedule) error {
	switch s.TargetingMode {
	case TargetNewUsers:
		if s.MaxDaysSinceRegistration <= 0 {
			return NewAppError(ErrCodeValidationTargetingFields,
				"new_users targeting requires max_days_since_registration", nil)
		}
		if s.MaxDaysSinceLastActivity != 0 {
			return NewAppError(ErrCodeValidationTargetingFields,
				"max_days_since_last_activity is only valid for active_users targeting", nil)
		}
	case TargetActiveUsers:
		if s.MaxDaysSinceLastActivity <= 0 {
			return NewAppError(ErrCodeValidationTargetingFields,
				"active_users targeting requires max_days_since_last_activity", nil)
		}
		if s.MaxDaysSinceRegistration != 0 {
			return NewAppError(ErrCodeValidationTargetingFields,
				"max_days_since_registration is only valid for new_users targeting", nil)
		}
	default:
		if s.MaxDaysSinceRegistration != 0 || s.MaxDaysSinceLastActivity != 0 {
			return NewAppError(ErrCodeValidationTargetingFields,
				"cohort window parameters are only valid for new_users or active_users targeting", nil)
		}
	}
	return nil
}
