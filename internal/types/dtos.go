package types

import (
	"strings"
	"time"
)

// weekdayNames maps the JSON wire representation of weekdays to Go weekdays.
var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday converts a wire-format weekday name ("friday") into a
// time.Weekday. Matching is case-insensitive.
func ParseWeekday(name string) (time.Weekday, bool) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// CreateScheduleRequest is the request body for creating a schedule.
// Struct-tag validation covers shape; cross-field variant rules are enforced
// by ValidateSchedule after mapping to the domain type.
type CreateScheduleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description,omitempty" validate:"max=500"`

	ScheduleType  string     `json:"schedule_type" validate:"required"`
	StartDate     time.Time  `json:"start_date" validate:"required"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	ExecutionTime string     `json:"execution_time,omitempty"`
	DaysOfWeek    []string   `json:"days_of_week,omitempty"`
	DayOfMonth    int        `json:"day_of_month,omitempty" validate:"omitempty,min=1,max=31"`

	TargetingMode            string `json:"targeting_mode" validate:"required"`
	MaxDaysSinceRegistration int    `json:"max_days_since_registration,omitempty" validate:"omitempty,min=1"`
	MaxDaysSinceLastActivity int    `json:"max_days_since_last_activity,omitempty" validate:"omitempty,min=1"`

	CreditAmount float64 `json:"credit_amount" validate:"required"`
	CreditType   string  `json:"credit_type,omitempty" validate:"max=50"`

	MaxUsersPerExecution int `json:"max_users_per_execution" validate:"required"`
}

// ToSchedule maps the request into a domain CreditSchedule, applying the
// defaults the original admin surface applied (09:00:00 execution time,
// "bonus" credit type, active on creation). The result still needs
// ValidateSchedule before persistence.
func (r CreateScheduleRequest) ToSchedule() (*CreditSchedule, error) {
	s := &CreditSchedule{
		Name:                     r.Name,
		Description:              r.Description,
		IsActive:                 true,
		Type:                     ScheduleType(r.ScheduleType),
		StartDate:                r.StartDate.UTC(),
		ExecutionTime:            r.ExecutionTime,
		DayOfMonth:               r.DayOfMonth,
		TargetingMode:            TargetingMode(r.TargetingMode),
		MaxDaysSinceRegistration: r.MaxDaysSinceRegistration,
		MaxDaysSinceLastActivity: r.MaxDaysSinceLastActivity,
		CreditAmount:             r.CreditAmount,
		CreditType:               r.CreditType,
		MaxUsersPerExecution:     r.MaxUsersPerExecution,
	}
	if r.EndDate != nil {
		end := r.EndDate.UTC()
		s.EndDate = &end
	}
	if s.ExecutionTime == "" {
		s.ExecutionTime = "09:00:00"
	}
	if s.CreditType == "" {
		s.CreditType = "bonus"
	}
	for _, name := range r.DaysOfWeek {
		d, ok := ParseWeekday(name)
		if !ok {
			return nil, NewAppErrorWithDetails(ErrCodeValidationTemporalFields,
				"unknown weekday name", nil, map[string]any{"day": name})
		}
		s.DaysOfWeek = append(s.DaysOfWeek, d)
	}
	return s, nil
}

// UpdateScheduleRequest is the patch body for updating a schedule. Nil
// pointers leave the corresponding field untouched. Temporal and targeting
// variant fields are re-validated together after the patch is applied.
type UpdateScheduleRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`

	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	ExecutionTime *string    `json:"execution_time,omitempty"`
	DaysOfWeek    []string   `json:"days_of_week,omitempty"`
	DayOfMonth    *int       `json:"day_of_month,omitempty" validate:"omitempty,min=1,max=31"`

	TargetingMode            *string `json:"targeting_mode,omitempty"`
	MaxDaysSinceRegistration *int    `json:"max_days_since_registration,omitempty" validate:"omitempty,min=1"`
	MaxDaysSinceLastActivity *int    `json:"max_days_since_last_activity,omitempty" validate:"omitempty,min=1"`

	CreditAmount *float64 `json:"credit_amount,omitempty"`
	CreditType   *string  `json:"credit_type,omitempty" validate:"omitempty,max=50"`

	MaxUsersPerExecution *int `json:"max_users_per_execution,omitempty"`
}

// Apply overlays the patch onto a copy of the given schedule and returns the
// patched copy. The caller re-validates and persists the result.
func (p UpdateScheduleRequest) Apply(s CreditSchedule) (*CreditSchedule, error) {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.StartDate != nil {
		s.StartDate = p.StartDate.UTC()
	}
	if p.EndDate != nil {
		end := p.EndDate.UTC()
		s.EndDate = &end
	}
	if p.ExecutionTime != nil {
		s.ExecutionTime = *p.ExecutionTime
	}
	if p.DaysOfWeek != nil {
		s.DaysOfWeek = nil
		for _, name := range p.DaysOfWeek {
			d, ok := ParseWeekday(name)
			if !ok {
				return nil, NewAppErrorWithDetails(ErrCodeValidationTemporalFields,
					"unknown weekday name", nil, map[string]any{"day": name})
			}
			s.DaysOfWeek = append(s.DaysOfWeek, d)
		}
	}
	if p.DayOfMonth != nil {
		s.DayOfMonth = *p.DayOfMonth
	}
	if p.TargetingMode != nil {
		s.TargetingMode = TargetingMode(*p.TargetingMode)
	}
	if p.MaxDaysSinceRegistration != nil {
		s.MaxDaysSinceRegistration = *p.MaxDaysSinceRegistration
	}
	if p.MaxDaysSinceLastActivity != nil {
		s.MaxDaysSinceLastActivity = *p.MaxDaysSinceLastActivity
	}
	if p.CreditAmount != nil {
		s.CreditAmount = *p.CreditAmount
	}
	if p.CreditType != nil {
		s.CreditType = *p.CreditType
	}
	if p.MaxUsersPerExecution != nil {
		s.MaxUsersPerExecution = *p.MaxUsersPerExecution
	}
	return &s, nil
}

// ScheduleStatusFilter narrows schedule listings.
type ScheduleStatusFilter string

const (
	FilterAll      ScheduleStatusFilter = "all"
	FilterActive   ScheduleStatusFilter = "active"
	FilterInactive ScheduleStatusFilter = "inactive"
)

// ScheduleListFilter carries pagination and status filtering for list calls.
type ScheduleListFilter struct {
	Page     int
	PageSize int
	Status   ScheduleStatusFilter
}

// Normalize clamps pagination parameters to sane bounds and defaults the
// status filter to "all".
func (f ScheduleListFilter) Normalize() ScheduleListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 10
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	switch f.Status {
	case FilterActive, FilterInactive:
	default:
		f.Status = FilterAll
	}
	return f
}
