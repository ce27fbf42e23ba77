package core

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClaimState is the outcome of claiming an idempotency token.
type ClaimState int

const (
	// ClaimNew means the caller owns the token and must do the work.
	ClaimNew ClaimState = iota
	// ClaimReplay means the work already completed; the caller loads and
	// returns the original resource without side effects.
	ClaimReplay
	// ClaimInProgress means another holder is mid-flight; the caller responds
	// Conflict with a retry-after hint, doing no work.
	ClaimInProgress
)

type ClaimResult struct {
	State      ClaimState
	ResourceID string        // set on ClaimReplay
	RetryAfter time.Duration // hint on ClaimInProgress
}

const maxTokenLength = 100

// ValidateToken checks the client-supplied idempotency token: required,
// opaque, length-bounded. The bound counts characters to match the schema's
// char_length constraint.
func ValidateToken(token string) error {
	if token == "" {
		return Invalidf("Idempotency-Key header is required")
	}
	if utf8.RuneCountInString(token) > maxTokenLength {
		return Invalidf("Idempotency-Key must be at most %d characters", maxTokenLength)
	}
	return nil
}

// IdempotencyService deduplicates create operations keyed by a client token.
// Records move absent → pending(expiry) → complete(resource id). Claims run
// outside the business transaction on purpose: a pending row must survive the
// rollback of the work it guards, so a crashed holder is detected by expiry
// rather than by disappearing.
type IdempotencyService interface {
	Claim(ctx context.Context, token, kind string) (ClaimResult, error)
	// Heartbeat extends the pending expiry during long-running work.
	Heartbeat(ctx context.Context, token string) error
	// Complete marks the token done and records the created resource id.
	Complete(ctx context.Context, token, resourceID string) error
}

type idempotencyService struct {
	pool       *pgxpool.Pool
	pendingTTL time.Duration
}

func NewIdempotencyService(pool *pgxpool.Pool, pendingTTL time.Duration) IdempotencyService {
	if pendingTTL <= 0 {
		pendingTTL = time.Minute
	}
	return &idempotencyService{pool: pool, pendingTTL: pendingTTL}
}

func (s *idempotencyService) Claim(ctx context.Context, token, kind string) (ClaimResult, error) {
	expiry := time.Now().Add(s.pendingTTL)
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (token, kind, status, pending_expires_at, last_seen_at)
		VALUES ($1, $2, 'pending', $3, NOW())
		ON CONFLICT (token) DO NOTHING
	`, token, kind, expiry)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to claim idempotency token: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return ClaimResult{State: ClaimNew}, nil
	}

	var (
		storedKind string
		status     string
		resourceID *string
		expiresAt  *time.Time
	)
	err = s.pool.QueryRow(ctx, `
		SELECT kind, status, resource_id, pending_expires_at
		FROM idempotency_records
		WHERE token = $1
	`, token).Scan(&storedKind, &status, &resourceID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row vanished between insert and read; treat as contended.
		return ClaimResult{State: ClaimInProgress, RetryAfter: s.pendingTTL}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	if storedKind != kind {
		return ClaimResult{}, Conflictf("idempotency token already used for %s", storedKind)
	}

	if status == "complete" {
		if resourceID == nil {
			return ClaimResult{}, fmt.Errorf("idempotency record %s complete without resource id", token)
		}
		_, _ = s.pool.Exec(ctx, "UPDATE idempotency_records SET last_seen_at = NOW() WHERE token = $1", token)
		return ClaimResult{State: ClaimReplay, ResourceID: *resourceID}, nil
	}

	if expiresAt != nil && expiresAt.After(time.Now()) {
		return ClaimResult{State: ClaimInProgress, RetryAfter: time.Until(*expiresAt)}, nil
	}

	// Pending and expired: the previous holder is presumed dead. Take over
	// with a conditional update so only one contender wins.
	ct, err = s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET pending_expires_at = $2, last_seen_at = NOW()
		WHERE token = $1 AND status = 'pending' AND pending_expires_at <= NOW()
	`, token, expiry)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to take over expired idempotency token: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return ClaimResult{State: ClaimNew}, nil
	}
	return ClaimResult{State: ClaimInProgress, RetryAfter: s.pendingTTL}, nil
}

func (s *idempotencyService) Heartbeat(ctx context.Context, token string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET pending_expires_at = $2, last_seen_at = NOW()
		WHERE token = $1 AND status = 'pending'
	`, token, time.Now().Add(s.pendingTTL))
	if err != nil {
		return fmt.Errorf("failed to heartbeat idempotency token: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &NotFoundError{Entity: "pending idempotency record", Ref: token}
	}
	return nil
}

func (s *idempotencyService) Complete(ctx context.Context, token, resourceID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = 'complete', resource_id = $2, pending_expires_at = NULL, last_seen_at = NOW()
		WHERE token = $1
	`, token, resourceID)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency token: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &NotFoundError{Entity: "idempotency record", Ref: token}
	}
	return nil
}
