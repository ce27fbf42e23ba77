package core

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-ledger/internal/db"

	"github.com/jackc/pgx/v5"
)

// sequenceInsertAttempts bounds the lock-read / seed-on-absent loop. Two
// attempts suffice for a clean insert race; one spare covers a concurrent
// delete between the failed read and the seed.
const sequenceInsertAttempts = 3

// SequenceService issues collision-free, per-scope monotonic integers for
// voucher numbering. Counters live in a row-locked table, never in process
// state, so numbering stays correct across service instances.
type SequenceService interface {
	// ReserveTx locks the counter row for scope inside the caller's
	// transaction, increments it, and returns the prior value. A missing
	// counter is seeded at 1 with a bounded retry on the uniqueness race.
	ReserveTx(ctx context.Context, tx pgx.Tx, scope string) (int64, error)
	// PeekNext is a non-locking, best-effort read of the next value for UI
	// preview. It never mutates and may be stale by the time it is displayed.
	PeekNext(ctx context.Context, scope string) (int64, error)
}

type sequenceService struct {
	runner *db.Runner
}

func NewSequenceService(runner *db.Runner) SequenceService {
	return &sequenceService{runner: runner}
}

func (s *sequenceService) ReserveTx(ctx context.Context, tx pgx.Tx, scope string) (int64, error) {
	for attempt := 0; attempt < sequenceInsertAttempts; attempt++ {
		var next int64
		err := tx.QueryRow(ctx,
			"SELECT next_value FROM sequence_counters WHERE scope = $1 "+s.runner.ForUpdate(),
			scope,
		).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) {
			// Seed the counter; a concurrent seeder winning the race is fine,
			// the next loop iteration locks whichever row survived.
			if _, err := tx.Exec(ctx,
				"INSERT INTO sequence_counters (scope, next_value) VALUES ($1, 1) ON CONFLICT (scope) DO NOTHING",
				scope,
			); err != nil {
				return 0, fmt.Errorf("failed to seed sequence %s: %w", scope, err)
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to lock sequence %s: %w", scope, err)
		}

		if _, err := tx.Exec(ctx,
			"UPDATE sequence_counters SET next_value = $2 WHERE scope = $1",
			scope, next+1,
		); err != nil {
			return 0, fmt.Errorf("failed to advance sequence %s: %w", scope, err)
		}
		return next, nil
	}
	return 0, ErrSequenceExhausted
}

func (s *sequenceService) PeekNext(ctx context.Context, scope string) (int64, error) {
	var next int64
	err := s.runner.Pool().QueryRow(ctx,
		"SELECT next_value FROM sequence_counters WHERE scope = $1",
		scope,
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence %s: %w", scope, err)
	}
	return next, nil
}

// OrderSequenceScope names the per-fiscal-year counter for sales orders.
func OrderSequenceScope(year int) string {
	return fmt.Sprintf("sales_order:%d", year)
}

// FormatVoucher renders PREFIX-YEAR-NNNNNN, e.g. "SO-2025-000042".
func FormatVoucher(prefix string, year int, n int64) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, year, n)
}
