package schedule

import (
	"time"

	"creditengine/internal/types"
)

// Template is a named preset that expands into a validated CreditSchedule.
// Templates mirror the admin quick-setup catalog of the original product:
// welcome credits for new users, a loyalty bonus for active ones, a monthly
// bonus for everyone, and a weekend activity boost.
type Template struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`

	ScheduleType  types.ScheduleType  `json:"schedule_type"`
	ExecutionTime string              `json:"execution_time"`
	DaysOfWeek    []time.Weekday      `json:"days_of_week,omitempty"`
	DayOfMonth    int                 `json:"day_of_month,omitempty"`
	TargetingMode types.TargetingMode `json:"targeting_mode"`

	MaxDaysSinceRegistration int `json:"max_days_since_registration,omitempty"`
	MaxDaysSinceLastActivity int `json:"max_days_since_last_activity,omitempty"`

	CreditAmount float64 `json:"credit_amount"`
	CreditType   string  `json:"credit_type"`

	MaxUsersPerExecution int `json:"max_users_per_execution"`
}

// defaultTemplateUserCap bounds template-created schedules; admins can raise
// it per schedule after creation.
const defaultTemplateUserCap = 500

// templateCatalog is keyed by template name. Order of Templates() output is
// fixed separately so API responses are stable.
var templateCatalog = map[string]Template{
	"daily_welcome": {
		Key:                      "daily_welcome",
		Name:                     "Daily Welcome Credits",
		Description:              "Daily credits for recently registered users",
		ScheduleType:             types.ScheduleDaily,
		ExecutionTime:            "09:00:00",
		TargetingMode:            types.TargetNewUsers,
		MaxDaysSinceRegistration: 7,
		CreditAmount:             5,
		CreditType:               "welcome",
		MaxUsersPerExecution:     defaultTemplateUserCap,
	},
	"weekly_loyalty": {
		Key:                      "weekly_loyalty",
		Name:                     "Weekly Loyalty Bonus",
		Description:              "Weekly bonus for users active in the last week",
		ScheduleType:             types.ScheduleWeekly,
		ExecutionTime:            "18:00:00",
		DaysOfWeek:               []time.Weekday{time.Friday},
		TargetingMode:            types.TargetActiveUsers,
		MaxDaysSinceLastActivity: 7,
		CreditAmount:             10,
		CreditType:               "loyalty",
		MaxUsersPerExecution:     defaultTemplateUserCap,
	},
	"monthly_bonus": {
		Key:                  "monthly_bonus",
		Name:                 "Monthly Bonus",
		Description:          "Monthly bonus for all users",
		ScheduleType:         types.ScheduleMonthly,
		ExecutionTime:        "12:00:00",
		DayOfMonth:           1,
		TargetingMode:        types.TargetAllUsers,
		CreditAmount:         25,
		CreditType:           "bonus",
		MaxUsersPerExecution: defaultTemplateUserCap,
	},
	"weekend_boost": {
		Key:                  "weekend_boost",
		Name:                 "Weekend Activity Boost",
		Description:          "Weekend credits to boost activity",
		ScheduleType:         types.ScheduleWeekly,
		ExecutionTime:        "10:00:00",
		DaysOfWeek:           []time.Weekday{time.Saturday, time.Sunday},
		TargetingMode:        types.TargetAllUsers,
		CreditAmount:         3,
		CreditType:           "activity",
		MaxUsersPerExecution: defaultTemplateUserCap,
	},
}

// templateOrder fixes the listing order of the catalog.
var templateOrder = []string{"daily_welcome", "weekly_loyalty", "monthly_bonus", "weekend_boost"}

// Templates returns the full catalog in stable order.
func Templates() []Template {
	out := make([]Template, 0, len(templateOrder))
	for _, key := range templateOrder {
		out = append(out, templateCatalog[key])
	}
	return out
}

// FromTemplate expands a named template into a CreditSchedule starting at
// startDate. The result passes types.ValidateSchedule by construction;
// callers may still overlay admin overrides before persisting, in which case
// they re-validate.
func FromTemplate(key string, startDate time.Time) (*types.CreditSchedule, error) {
	tpl, ok := templateCatalog[key]
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationTemplate,
			"unknown template", nil, map[string]any{"template": key})
	}
	s := &types.CreditSchedule{
		Name:                     tpl.Name,
		Description:              tpl.Description,
		IsActive:                 true,
		Type:                     tpl.ScheduleType,
		StartDate:                startDate.UTC(),
		ExecutionTime:            tpl.ExecutionTime,
		DaysOfWeek:               append([]time.Weekday(nil), tpl.DaysOfWeek...),
		DayOfMonth:               tpl.DayOfMonth,
		TargetingMode:            tpl.TargetingMode,
		MaxDaysSinceRegistration: tpl.MaxDaysSinceRegistration,
		MaxDaysSinceLastActivity: tpl.MaxDaysSinceLastActivity,
		CreditAmount:             tpl.CreditAmount,
		CreditType:               tpl.CreditType,
		MaxUsersPerExecution:     tpl.MaxUsersPerExecution,
	}
	return s, nil
}
