package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockConflict is returned instead of a retry when no-wait locking is
// enabled and a row lock is actively held by another transaction.
var ErrLockConflict = errors.New("row is locked by another transaction")

// PostgreSQL SQLSTATE codes for transient concurrency failures.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
)

// TxConfig controls transaction isolation, lock behaviour, and the retry
// budget for transient failures.
type TxConfig struct {
	// MaxAttempts bounds how many times a unit of work is run before the
	// last transient error is surfaced.
	MaxAttempts int
	// BaseBackoff is doubled per attempt, plus random jitter of up to one
	// BaseBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// LockTimeout bounds how long a blocked statement waits on a row lock
	// (SET LOCAL lock_timeout). Zero disables the ceiling.
	LockTimeout time.Duration
	// StatementTimeout bounds single-statement execution time. Zero disables.
	StatementTimeout time.Duration
	// NoWaitLocks makes services take row locks with FOR UPDATE NOWAIT, and
	// converts lock-unavailable failures into ErrLockConflict instead of
	// retrying them: the lock is actively held, not momentarily contended.
	NoWaitLocks bool
}

func DefaultTxConfig() TxConfig {
	return TxConfig{
		MaxAttempts:      4,
		BaseBackoff:      25 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		LockTimeout:      3 * time.Second,
		StatementTimeout: 10 * time.Second,
	}
}

// Runner executes units of work in strengthened-isolation transactions,
// retrying transient lock/deadlock/serialization failures with exponential
// backoff and jitter. All other errors propagate immediately.
type Runner struct {
	pool *pgxpool.Pool
	cfg  TxConfig
}

func NewRunner(pool *pgxpool.Pool, cfg TxConfig) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 25 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Runner{pool: pool, cfg: cfg}
}

// Pool exposes the underlying pool for non-transactional reads.
func (r *Runner) Pool() *pgxpool.Pool { return r.pool }

// ForUpdate returns the row-lock clause services append to SELECTs, honoring
// the configured no-wait mode.
func (r *Runner) ForUpdate() string {
	if r.cfg.NoWaitLocks {
		return "FOR UPDATE NOWAIT"
	}
	return "FOR UPDATE"
}

// InTx runs fn inside a REPEATABLE READ transaction with the configured
// lock-wait and statement timeouts applied via SET LOCAL (scoped to the
// transaction; the session default is untouched). A failed attempt is rolled
// back wholesale before any retry.
func (r *Runner) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.backoff(attempt)); err != nil {
				return err
			}
		}

		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if r.cfg.NoWaitLocks && isSQLState(err, sqlstateLockNotAvailable) {
			return ErrLockConflict
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *Runner) attempt(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// lock_timeout / statement_timeout take only literal values, so they are
	// formatted in; both derive from trusted config, never request input.
	if r.cfg.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.cfg.LockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set lock_timeout: %w", err)
		}
	}
	if r.cfg.StatementTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", r.cfg.StatementTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set statement_timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// backoff returns the sleep before the given attempt (attempt >= 1):
// BaseBackoff * 2^(attempt-1), capped at MaxBackoff, plus jitter of up to
// one BaseBackoff.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.BaseBackoff << uint(attempt-1)
	if d > r.cfg.MaxBackoff || d <= 0 {
		d = r.cfg.MaxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(r.cfg.BaseBackoff)))
}

// isRetryable reports whether err carries a transient concurrency SQLSTATE:
// serialization failure, deadlock, or lock-wait timeout.
func isRetryable(err error) bool {
	return isSQLState(err, sqlstateSerializationFailure) ||
		isSQLState(err, sqlstateDeadlockDetected) ||
		isSQLState(err, sqlstateLockNotAvailable)
}

func isSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
