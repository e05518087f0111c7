package scheduler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"creditengine/internal/db"
	"creditengine/internal/types"
)

// TxFinalizer implements Finalizer with a single database transaction: the
// execution row goes terminal and the schedule's running counters move in
// the same commit, so the two can never disagree.
type TxFinalizer struct {
	pool       db.TxBeginner
	schedules  *db.ScheduleRepository
	executions *db.ExecutionRepository
}

// NewTxFinalizer creates a TxFinalizer. The repositories are rebound to the
// transaction on each Finalize call.
func NewTxFinalizer(pool db.TxBeginner, schedules *db.ScheduleRepository, executions *db.ExecutionRepository) *TxFinalizer {
	return &TxFinalizer{pool: pool, schedules: schedules, executions: executions}
}

// Finalize writes the terminal execution row and bumps the schedule
// counters atomically.
func (f *TxFinalizer) Finalize(ctx context.Context, executionID, scheduleID string, result types.ExecutionResult, finishedAt time.Time) error {
	return db.InTx(ctx, f.pool, func(tx pgx.Tx) error {
		if err := f.executions.WithTx(tx).Finish(ctx, executionID, result, finishedAt); err != nil {
			return err
		}
		return f.schedules.WithTx(tx).ApplyRunResult(ctx, scheduleID,
			result.UsersCredited, result.TotalAmountGranted, finishedAt)
	})
}

var _ Finalizer = (*TxFinalizer)(nil)
