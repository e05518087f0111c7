// Package executor runs one firing of a credit schedule: it walks the
// eligible cohort page by page, grants credits through the ledger with a
// bounded worker pool, and tallies per-user outcomes into an
// ExecutionResult. The per-firing user cap is exact; the executor stops
// mid-page rather than overshoot it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"creditengine/internal/db"
	"creditengine/internal/eligibility"
	"creditengine/internal/ledger"
	"creditengine/internal/types"
)

const (
	// DefaultConcurrency bounds in-flight grant calls per firing.
	DefaultConcurrency = 10
	// DefaultPageSize is how many cohort members each eligibility page pulls.
	DefaultPageSize = 200
	// DefaultGrantRetries is how many extra attempts a transient grant
	// failure gets before counting as a user failure.
	DefaultGrantRetries = 2
	// defaultRetryBackoff spaces transient grant retries.
	defaultRetryBackoff = 250 * time.Millisecond
)

// Config tunes one Executor. Zero values fall back to the defaults above.
type Config struct {
	Concurrency  int
	PageSize     int
	GrantRetries int
	RetryBackoff time.Duration
}

// Executor grants credits for one schedule firing at a time. It is safe for
// concurrent use; each Run carries its own tallies.
type Executor struct {
	cfg     Config
	log     *slog.Logger
	eval    *eligibility.Evaluator
	ledger  ledger.CreditLedger
	sleepFn func(time.Duration) // for testability; defaults to time.Sleep
}

// Option is a functional option for configuring an Executor.
type Option func(*Executor)

// WithSleepFunc overrides the sleep between transient grant retries.
// Intended for tests to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(e *Executor) {
		e.sleepFn = fn
	}
}

// New creates an Executor.
func New(cfg Config, eval *eligibility.Evaluator, lg ledger.CreditLedger, log *slog.Logger, opts ...Option) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.GrantRetries < 0 {
		cfg.GrantRetries = DefaultGrantRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{
		cfg:     cfg,
		log:     log,
		eval:    eval,
		ledger:  lg,
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// tally accumulates per-user outcomes across worker goroutines.
type tally struct {
	mu            sync.Mutex
	credited      int
	failed        int
	amountGranted float64
}

func (t *tally) success(amount float64) {
	t.mu.Lock()
	t.credited++
	t.amountGranted += amount
	t.mu.Unlock()
}

func (t *tally) failure() {
	t.mu.Lock()
	t.failed++
	t.mu.Unlock()
}

// Run executes one firing of the schedule under the given period key and
// returns the outcome tallies. Invariants the caller can rely on:
//
//   - CohortSize == UsersCredited + UsersFailed
//   - CohortSize <= s.MaxUsersPerExecution
//
// A per-user grant failure never aborts the run; a cohort query failure
// does, and surfaces in Result.Err with whatever was tallied so far.
func (e *Executor) Run(ctx context.Context, s *types.CreditSchedule, periodKey string) types.ExecutionResult {
	filter, err := e.eval.ResolveFilter(ctx, s, time.Now())
	if err != nil {
		return types.ExecutionResult{Err: err}
	}
	return e.run(ctx, s, periodKey, filter)
}

func (e *Executor) run(ctx context.Context, s *types.CreditSchedule, periodKey string, filter db.CohortFilter) types.ExecutionResult {
	var (
		t         tally
		processed int
		cursor    string
	)

	for processed < s.MaxUsersPerExecution {
		ids, nextCursor, err := e.eval.NextPage(ctx, s, periodKey, filter, cursor, e.cfg.PageSize)
		if err != nil {
			return types.ExecutionResult{
				CohortSize:         processed,
				UsersCredited:      t.credited,
				UsersFailed:        t.failed,
				TotalAmountGranted: t.amountGranted,
				Err:                fmt.Errorf("cohort page after %q: %w", cursor, err),
			}
		}
		if nextCursor == "" {
			break // cohort exhausted
		}
		cursor = nextCursor

		// Truncate the final page so the cap is exact.
		if remaining := s.MaxUsersPerExecution - processed; len(ids) > remaining {
			ids = ids[:remaining]
		}
		if len(ids) == 0 {
			continue
		}
		processed += len(ids)

		e.grantPage(ctx, s, periodKey, ids, &t)
	}

	return types.ExecutionResult{
		CohortSize:         processed,
		UsersCredited:      t.credited,
		UsersFailed:        t.failed,
		TotalAmountGranted: t.amountGranted,
	}
}

// grantPage fans the page out over the worker pool and blocks until every
// grant settles. Workers never return errors to the group; per-user
// failures go to the tally so one bad user cannot cancel its siblings.
func (e *Executor) grantPage(ctx context.Context, s *types.CreditSchedule, periodKey string, ids []string, t *tally) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, userID := range ids {
		userID := userID
		g.Go(func() error {
			if err := e.grantWithRetry(ctx, s, periodKey, userID); err != nil {
				e.log.WarnContext(ctx, "credit grant failed",
					"schedule_id", s.ID,
					"period_key", periodKey,
					"user_id", userID,
					"error", err,
				)
				t.failure()
				return nil
			}
			t.success(s.CreditAmount)
			return nil
		})
	}
	_ = g.Wait()
}

// grantWithRetry issues one grant, retrying transient upstream failures a
// bounded number of times. Permanent rejections fail immediately.
func (e *Executor) grantWithRetry(ctx context.Context, s *types.CreditSchedule, periodKey, userID string) error {
	input := ledger.GrantInput{
		UserID:         userID,
		Amount:         s.CreditAmount,
		CreditType:     s.CreditType,
		Reason:         fmt.Sprintf("schedule %s (%s)", s.Name, s.ID),
		IdempotencyKey: ledger.GrantIdempotencyKey(s.ID, periodKey, userID),
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.GrantRetries; attempt++ {
		if attempt > 0 {
			e.sleepFn(e.cfg.RetryBackoff)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = e.ledger.Grant(ctx, input)
		if lastErr == nil {
			return nil
		}

		var appErr *types.AppError
		if !errors.As(lastErr, &appErr) || !appErr.Code.IsTransient() {
			return lastErr
		}
	}
	return lastErr
}
