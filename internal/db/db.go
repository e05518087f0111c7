// Package db provides PostgreSQL-backed repositories for the credit
// scheduling engine. All repositories accept a DBTX interface satisfied by
// both *pgxpool.Pool (normal queries) and pgx.Tx (transactional execution),
// so the same code runs inside or outside a transaction.
//
// Durable state is two tables plus the user store the engine queries:
//
//	CREATE TABLE credit_schedules (
//	    id                           TEXT PRIMARY KEY,
//	    name                         TEXT NOT NULL,
//	    description                  TEXT NOT NULL DEFAULT '',
//	    is_active                    BOOLEAN NOT NULL DEFAULT TRUE,
//	    schedule_type                TEXT NOT NULL,
//	    start_date                   TIMESTAMPTZ NOT NULL,
//	    end_date                     TIMESTAMPTZ,
//	    execution_time               TEXT NOT NULL,
//	    days_of_week                 INT[],
//	    day_of_month                 INT NOT NULL DEFAULT 0,
//	    targeting_mode               TEXT NOT NULL,
//	    max_days_since_registration  INT NOT NULL DEFAULT 0,
//	    max_days_since_last_activity INT NOT NULL DEFAULT 0,
//	    credit_amount                DOUBLE PRECISION NOT NULL,
//	    credit_type                  TEXT NOT NULL,
//	    max_users_per_execution      INT NOT NULL,
//	    total_executions             INT NOT NULL DEFAULT 0,
//	    total_credits_distributed    DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    total_users_credited         INT NOT NULL DEFAULT 0,
//	    last_fired_at                TIMESTAMPTZ,
//	    deleted_at                   TIMESTAMPTZ,
//	    created_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE credit_schedule_executions (
//	    id                   TEXT PRIMARY KEY,
//	    schedule_id          TEXT NOT NULL REFERENCES credit_schedules(id),
//	    period_key           TEXT NOT NULL,
//	    triggered_by         TEXT NOT NULL,
//	    status               TEXT NOT NULL,
//	    cohort_size          INT NOT NULL DEFAULT 0,
//	    users_credited       INT NOT NULL DEFAULT 0,
//	    users_failed         INT NOT NULL DEFAULT 0,
//	    total_amount_granted DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    error                TEXT NOT NULL DEFAULT '',
//	    started_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    finished_at          TIMESTAMPTZ
//	);
//
//	-- The exactly-once anchor. failed rows stay re-claimable after the
//	-- stale-claim sweep, so the index is partial.
//	CREATE UNIQUE INDEX uq_executions_schedule_period
//	    ON credit_schedule_executions (schedule_id, period_key)
//	    WHERE status <> 'failed';
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"creditengine/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is implemented by *pgxpool.Pool and anything else that can open
// a transaction. The scheduler loop uses it to finalize an execution row and
// bump schedule counters atomically.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPool opens a pgx connection pool for the given database URL with the
// provided tuning parameters and verifies connectivity with a ping.
func NewPool(ctx context.Context, url string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "invalid database URL", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.NewAppError(types.ErrCodeInternalDB, "database ping failed", err)
	}
	return pool, nil
}

// InTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func InTx(ctx context.Context, beginner TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := beginner.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}
