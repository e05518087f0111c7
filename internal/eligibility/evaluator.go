// Package eligibility resolves a schedule's targeting rule into concrete
// pages of user IDs. Targeting parameters are validated at schedule create
// and update time, so the evaluator treats an unresolvable rule at fire time
// as an internal error rather than a validation error.
package eligibility

import (
	"context"
	"time"

	"creditengine/internal/db"
	"creditengine/internal/ledger"
	"creditengine/internal/types"
)

// CohortSource is the slice of db.CohortRepository the evaluator needs.
type CohortSource interface {
	Page(ctx context.Context, filter db.CohortFilter, afterID string, limit int) ([]string, error)
	Count(ctx context.Context, filter db.CohortFilter) (int, error)
}

// CustomResolver maps a custom-targeted schedule to a cohort filter. The
// engine ships without built-in custom rules; deployments register one at
// wiring time when they use the custom mode.
type CustomResolver func(ctx context.Context, s *types.CreditSchedule, now time.Time) (db.CohortFilter, error)

// Evaluator turns a schedule's targeting rule into user ID pages, excluding
// users the ledger already granted this period. Pagination is keyset-based,
// so a cohort stays stable while the batch executor walks it.
type Evaluator struct {
	cohorts CohortSource
	ledger  ledger.CreditLedger
	custom  CustomResolver
}

// NewEvaluator creates an Evaluator. customResolver may be nil when no
// schedule uses the custom targeting mode.
func NewEvaluator(cohorts CohortSource, lg ledger.CreditLedger, customResolver CustomResolver) *Evaluator {
	return &Evaluator{cohorts: cohorts, ledger: lg, custom: customResolver}
}

// ResolveFilter converts the schedule's targeting rule to a CohortFilter
// anchored at now.
func (e *Evaluator) ResolveFilter(ctx context.Context, s *types.CreditSchedule, now time.Time) (db.CohortFilter, error) {
	now = now.UTC()
	switch s.TargetingMode {
	case types.TargetNewUsers:
		return db.CohortFilter{
			RegisteredSince: now.AddDate(0, 0, -s.MaxDaysSinceRegistration),
		}, nil
	case types.TargetActiveUsers:
		return db.CohortFilter{
			ActiveSince: now.AddDate(0, 0, -s.MaxDaysSinceLastActivity),
		}, nil
	case types.TargetAllUsers:
		return db.CohortFilter{}, nil
	case types.TargetCustom:
		if e.custom == nil {
			return db.CohortFilter{}, types.NewAppError(types.ErrCodeInternalUnexpected,
				"schedule uses custom targeting but no custom resolver is registered", nil)
		}
		return e.custom(ctx, s, now)
	}
	return db.CohortFilter{}, types.NewAppError(types.ErrCodeInternalUnexpected,
		"schedule has unknown targeting mode "+string(s.TargetingMode), nil)
}

// NextPage returns the next page of eligible user IDs strictly after the
// afterID cursor, with users already granted this period removed. The
// returned cursor is the last RAW cohort ID scanned, so pagination advances
// even when every user on a page was already granted. An empty page with an
// empty cursor means the cohort is exhausted.
func (e *Evaluator) NextPage(ctx context.Context, s *types.CreditSchedule, periodKey string, filter db.CohortFilter, afterID string, limit int) (ids []string, cursor string, err error) {
	raw, err := e.cohorts.Page(ctx, filter, afterID, limit)
	if err != nil {
		return nil, "", err
	}
	if len(raw) == 0 {
		return nil, "", nil
	}
	cursor = raw[len(raw)-1]

	granted, err := e.ledger.FilterGranted(ctx, s.ID, periodKey, raw)
	if err != nil {
		return nil, "", err
	}
	if len(granted) == 0 {
		return raw, cursor, nil
	}

	grantedSet := make(map[string]bool, len(granted))
	for _, id := range granted {
		grantedSet[id] = true
	}
	ids = raw[:0:0]
	for _, id := range raw {
		if !grantedSet[id] {
			ids = append(ids, id)
		}
	}
	return ids, cursor, nil
}

// EstimateCohortSize counts users matching the schedule's rule right now.
// Used by the details endpoint; the number can drift from what the next
// firing actually processes.
func (e *Evaluator) EstimateCohortSize(ctx context.Context, s *types.CreditSchedule, now time.Time) (int, error) {
	filter, err := e.ResolveFilter(ctx, s, now)
	if err != nil {
		return 0, err
	}
	return e.cohorts.Count(ctx, filter)
}
