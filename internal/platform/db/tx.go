package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Beginner is satisfied by *pgxpool.Pool and pgx.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TxOptions tunes isolation and wait bounds for a transaction.
type TxOptions struct {
	IsoLevel pgx.TxIsoLevel
	// LockTimeout bounds how long a statement waits on row locks. Zero keeps the server default.
	LockTimeout time.Duration
	// Timeout bounds the whole transaction through the context and statement_timeout.
	Timeout time.Duration
}

// WithTx executes fn within a transaction. RepeatableRead is used when no isolation is given.
// fn receives the context bounded by opts.Timeout and must use it for every statement.
func WithTx(ctx context.Context, pool Beginner, opts TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if opts.IsoLevel == "" {
		opts.IsoLevel = pgx.RepeatableRead
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: opts.IsoLevel})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", opts.LockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set lock_timeout: %w", err)
		}
	}
	if opts.Timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set statement_timeout: %w", err)
		}
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// IsRetryable reports serialization failures, deadlocks and lock wait timeouts.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
