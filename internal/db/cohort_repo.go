package db

import (
	"context"
	"time"

	"creditengine/internal/types"
)

// CohortFilter is the resolved form of a schedule's targeting rule: optional
// lower bounds on registration and last-activity timestamps. Zero-valued
// bounds are not applied, so an empty filter selects every user.
type CohortFilter struct {
	RegisteredSince time.Time
	ActiveSince     time.Time
}

// CohortRepository reads user IDs from the platform's users table. The
// engine never writes to that table; it only pages through it to build
// cohorts. Pagination is keyset on the primary key so a cohort stays stable
// while a firing walks it.
type CohortRepository struct {
	db DBTX
}

// NewCohortRepository creates a CohortRepository backed by the given
// database connection.
func NewCohortRepository(db DBTX) *CohortRepository {
	return &CohortRepository{db: db}
}

// Page returns up to limit user IDs matching the filter, in ascending ID
// order, strictly after the afterID cursor. Pass an empty afterID for the
// first page. An empty result means the cohort is exhausted.
func (r *CohortRepository) Page(ctx context.Context, filter CohortFilter, afterID string, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM users
		 WHERE id > $1
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR last_activity_at >= $3)
		 ORDER BY id
		 LIMIT $4`,
		afterID, nullableTime(filter.RegisteredSince), nullableTime(filter.ActiveSince), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query cohort page", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan cohort member", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating cohort page", err)
	}
	return ids, nil
}

// Count returns the number of users matching the filter. Used by the
// schedule details endpoint to estimate cohort size; the estimate can drift
// from what the next firing actually processes.
func (r *CohortRepository) Count(ctx context.Context, filter CohortFilter) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM users
		 WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		   AND ($2::timestamptz IS NULL OR last_activity_at >= $2)`,
		nullableTime(filter.RegisteredSince), nullableTime(filter.ActiveSince),
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count cohort", err)
	}
	return n, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
