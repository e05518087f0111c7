// Package analytics shapes the executions ledger into the reporting
// surfaces: per-schedule analytics, the top-schedules leaderboard, the
// dashboard rollup, and a gzip NDJSON history export. Aggregation happens in
// SQL; this package derives ratios and fills display gaps.
package analytics

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"creditengine/internal/db"
	"creditengine/internal/types"
)

// DefaultWindowDays is the analytics window when the caller does not pass
// one.
const DefaultWindowDays = 30

// ScheduleAnalytics is the full analytics response for one schedule.
type ScheduleAnalytics struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	WindowDays int       `json:"window_days"`
	Since      time.Time `json:"since"`

	Stats db.ExecutionStats `json:"stats"`

	// SuccessRate is completed / terminal executions, in [0, 1]. Zero when
	// the window has no executions.
	SuccessRate float64 `json:"success_rate"`
	// AvgUsersPerExecution and AvgAmountPerExecution are per terminal
	// execution in the window.
	AvgUsersPerExecution  float64 `json:"avg_users_per_execution"`
	AvgAmountPerExecution float64 `json:"avg_amount_per_execution"`

	// Lifetime counters from the schedule row, not bounded by the window.
	TotalExecutions         int     `json:"total_executions"`
	TotalCreditsDistributed float64 `json:"total_credits_distributed"`
	TotalUsersCredited      int     `json:"total_users_credited"`

	Daily []db.DailyStat `json:"daily_breakdown"`
}

// Service is the analytics aggregator.
type Service struct {
	repo      *db.AnalyticsRepository
	schedules *db.ScheduleRepository
	clock     func() time.Time
}

// NewService creates a Service. clock overrides time.Now for tests; pass
// nil in production.
func NewService(repo *db.AnalyticsRepository, schedules *db.ScheduleRepository, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{repo: repo, schedules: schedules, clock: clock}
}

func (s *Service) window(days int) (time.Time, int) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	return s.clock().UTC().AddDate(0, 0, -days), days
}

// ForSchedule builds the per-schedule analytics over the trailing window.
// Returns not_found_schedule when the schedule does not exist.
func (s *Service) ForSchedule(ctx context.Context, scheduleID string, days int) (*ScheduleAnalytics, error) {
	sched, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	since, days := s.window(days)
	stats, err := s.repo.ExecutionStats(ctx, scheduleID, since)
	if err != nil {
		return nil, err
	}
	daily, err := s.repo.DailyBreakdown(ctx, scheduleID, since)
	if err != nil {
		return nil, err
	}

	out := &ScheduleAnalytics{
		ScheduleID:              sched.ID,
		Name:                    sched.Name,
		WindowDays:              days,
		Since:                   since,
		Stats:                   *stats,
		TotalExecutions:         sched.TotalExecutions,
		TotalCreditsDistributed: sched.TotalCreditsDistributed,
		TotalUsersCredited:      sched.TotalUsersCredited,
		Daily:                   daily,
	}
	if stats.TotalExecutions > 0 {
		n := float64(stats.TotalExecutions)
		out.SuccessRate = float64(stats.Completed) / n
		out.AvgUsersPerExecution = float64(stats.UsersCredited) / n
		out.AvgAmountPerExecution = stats.TotalAmountGranted / n
	}
	return out, nil
}

// TopSchedules ranks schedules by credits granted over the trailing window.
func (s *Service) TopSchedules(ctx context.Context, days, limit int) ([]db.ScheduleRanking, error) {
	since, _ := s.window(days)
	if limit <= 0 {
		limit = 10
	}
	return s.repo.TopSchedules(ctx, since, limit)
}

// Dashboard returns the system-wide rollup.
func (s *Service) Dashboard(ctx context.Context) (*db.DashboardSummary, error) {
	return s.repo.DashboardSummary(ctx, s.clock())
}

// ExportNDJSON streams the schedule's execution history for the trailing
// window as gzip-compressed NDJSON, one execution per line, oldest first.
// Returns not_found_schedule when the schedule does not exist.
func (s *Service) ExportNDJSON(ctx context.Context, scheduleID string, days int, w io.Writer) error {
	if _, err := s.schedules.Get(ctx, scheduleID); err != nil {
		return err
	}
	since, _ := s.window(days)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	err := s.repo.ExportExecutions(ctx, scheduleID, since, func(exec types.CreditScheduleExecution) error {
		return enc.Encode(exec)
	})
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	return err
}
