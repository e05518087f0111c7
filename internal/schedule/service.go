package schedule

import (
	"context"
	"log/slog"
	"time"

	"creditengine/internal/db"
	"creditengine/internal/eligibility"
	"creditengine/internal/types"
)

// detailsRecentLimit bounds the execution history embedded in a details
// response.
const detailsRecentLimit = 10

// Service implements the schedule store operations: validated CRUD,
// template expansion, and the read models behind the details endpoint.
// Firing is the scheduler's job; this service never grants credits.
type Service struct {
	repo       *db.ScheduleRepository
	executions *db.ExecutionRepository
	evaluator  *eligibility.Evaluator
	logger     *slog.Logger
	clock      func() time.Time
}

// NewService creates a Service. clock overrides time.Now for tests; pass
// nil in production.
func NewService(repo *db.ScheduleRepository, executions *db.ExecutionRepository, evaluator *eligibility.Evaluator, logger *slog.Logger, clock func() time.Time) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:       repo,
		executions: executions,
		evaluator:  evaluator,
		logger:     logger,
		clock:      clock,
	}
}

// Create validates and persists a new schedule from the request body.
func (s *Service) Create(ctx context.Context, req types.CreateScheduleRequest) (*types.CreditSchedule, error) {
	sched, err := req.ToSchedule()
	if err != nil {
		return nil, err
	}
	if err := types.ValidateSchedule(sched); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule created",
		"schedule_id", sched.ID,
		"name", sched.Name,
		"schedule_type", string(sched.Type),
		"targeting_mode", string(sched.TargetingMode),
	)
	return sched, nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, id string) (*types.CreditSchedule, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of schedules with pagination metadata.
func (s *Service) List(ctx context.Context, filter types.ScheduleListFilter) ([]types.CreditSchedule, types.PageInfo, error) {
	filter = filter.Normalize()
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, types.PageInfo{}, err
	}
	return items, types.NewPageInfo(filter.Page, filter.PageSize, total), nil
}

// Update applies the patch to the stored schedule, re-validates the result
// as a whole, and persists it. The patched schedule is returned.
func (s *Service) Update(ctx context.Context, id string, patch types.UpdateScheduleRequest) (*types.CreditSchedule, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	patched, err := patch.Apply(*current)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateSchedule(patched); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, patched); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule updated", "schedule_id", id)
	return patched, nil
}

// Toggle flips the schedule's active flag and returns the updated schedule.
func (s *Service) Toggle(ctx context.Context, id string) (*types.CreditSchedule, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetActive(ctx, id, !current.IsActive); err != nil {
		return nil, err
	}
	current.IsActive = !current.IsActive
	s.logger.InfoContext(ctx, "schedule toggled",
		"schedule_id", id, "is_active", current.IsActive)
	return current, nil
}

// Delete soft-deletes the schedule. Its execution history stays queryable
// through the analytics surfaces.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "schedule deleted", "schedule_id", id)
	return nil
}

// Details is the full read model for one schedule: the definition, the next
// computed fire time, a point-in-time cohort estimate, and recent
// executions.
type Details struct {
	Schedule            types.CreditSchedule            `json:"schedule"`
	NextFireAt          *time.Time                      `json:"next_fire_at,omitempty"`
	EstimatedCohortSize int                             `json:"estimated_cohort_size"`
	RecentExecutions    []types.CreditScheduleExecution `json:"recent_executions"`
}

// Details assembles the details read model. The cohort estimate reflects
// the user base right now and can drift from what the next firing
// processes.
func (s *Service) Details(ctx context.Context, id string) (*Details, error) {
	sched, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()

	d := &Details{Schedule: *sched}

	next, err := NextFireTime(sched, now)
	if err != nil {
		return nil, err
	}
	if !next.IsZero() {
		d.NextFireAt = &next
	}

	size, err := s.evaluator.EstimateCohortSize(ctx, sched, now)
	if err != nil {
		return nil, err
	}
	d.EstimatedCohortSize = size

	recent, err := s.executions.RecentBySchedule(ctx, id, detailsRecentLimit)
	if err != nil {
		return nil, err
	}
	d.RecentExecutions = recent
	return d, nil
}

// CreateFromTemplate expands a named template into a schedule starting at
// startDate (defaulting to now) and persists it.
func (s *Service) CreateFromTemplate(ctx context.Context, key string, startDate *time.Time) (*types.CreditSchedule, error) {
	start := s.clock().UTC()
	if startDate != nil {
		start = startDate.UTC()
	}
	sched, err := FromTemplate(key, start)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateSchedule(sched); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule created from template",
		"schedule_id", sched.ID, "template", key)
	return sched, nil
}

// QuickSetupResult reports what quick-setup did per template.
type QuickSetupResult struct {
	Created []types.CreditSchedule `json:"created"`
	Skipped []string               `json:"skipped"`
}

// QuickSetup creates one schedule per catalog template, skipping templates
// whose schedule name already exists. Partial failure aborts; schedules
// created before the failure remain.
func (s *Service) QuickSetup(ctx context.Context) (*QuickSetupResult, error) {
	now := s.clock().UTC()
	result := &QuickSetupResult{Skipped: []string{}}

	for _, tpl := range Templates() {
		exists, err := s.repo.NameExists(ctx, tpl.Name)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Skipped = append(result.Skipped, tpl.Key)
			continue
		}

		sched, err := FromTemplate(tpl.Key, now)
		if err != nil {
			return nil, err
		}
		if err := s.repo.Create(ctx, sched); err != nil {
			return nil, err
		}
		result.Created = append(result.Created, *sched)
	}

	s.logger.InfoContext(ctx, "quick setup complete",
		"created", len(result.Created),
		"skipped", len(result.Skipped),
	)
	return result, nil
}
