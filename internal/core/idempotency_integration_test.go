package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment-ledger/internal/core"

	"github.com/google/uuid"
)

func TestIdempotency_ClaimReplayCycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	idem := core.NewIdempotencyService(pool, time.Minute)
	ctx := context.Background()

	token := uuid.NewString()

	claim, err := idem.Claim(ctx, token, "sales_order")
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if claim.State != core.ClaimNew {
		t.Fatalf("Expected ClaimNew, got %v", claim.State)
	}

	if err := idem.Complete(ctx, token, "SO-2026-000001"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	claim, err = idem.Claim(ctx, token, "sales_order")
	if err != nil {
		t.Fatalf("Replay claim failed: %v", err)
	}
	if claim.State != core.ClaimReplay {
		t.Fatalf("Expected ClaimReplay, got %v", claim.State)
	}
	if claim.ResourceID != "SO-2026-000001" {
		t.Errorf("Expected original resource id, got %s", claim.ResourceID)
	}
}

func TestIdempotency_PendingBlocksSecondClaim(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	idem := core.NewIdempotencyService(pool, time.Minute)
	ctx := context.Background()

	token := uuid.NewString()
	if _, err := idem.Claim(ctx, token, "sales_order"); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	claim, err := idem.Claim(ctx, token, "sales_order")
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if claim.State != core.ClaimInProgress {
		t.Fatalf("Expected ClaimInProgress, got %v", claim.State)
	}
	if claim.RetryAfter <= 0 {
		t.Errorf("Expected a positive retry-after hint, got %s", claim.RetryAfter)
	}
}

func TestIdempotency_ExpiredPendingIsTakenOver(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	idem := core.NewIdempotencyService(pool, 20*time.Millisecond)
	ctx := context.Background()

	token := uuid.NewString()
	if _, err := idem.Claim(ctx, token, "sales_order"); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	claim, err := idem.Claim(ctx, token, "sales_order")
	if err != nil {
		t.Fatalf("Takeover claim failed: %v", err)
	}
	if claim.State != core.ClaimNew {
		t.Fatalf("Expected ClaimNew after expiry, got %v", claim.State)
	}
}

func TestIdempotency_KindMismatchConflicts(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	idem := core.NewIdempotencyService(pool, time.Minute)
	ctx := context.Background()

	token := uuid.NewString()
	if _, err := idem.Claim(ctx, token, "sales_order"); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	_, err := idem.Claim(ctx, token, "production_entry")
	var cErr *core.ConflictError
	if !errors.As(err, &cErr) {
		t.Fatalf("Expected ConflictError for kind mismatch, got %v", err)
	}
}

func TestIdempotency_HeartbeatExtendsPending(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	idem := core.NewIdempotencyService(pool, 200*time.Millisecond)
	ctx := context.Background()

	token := uuid.NewString()
	if _, err := idem.Claim(ctx, token, "sales_order"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Keep the record alive past its original expiry.
	time.Sleep(150 * time.Millisecond)
	if err := idem.Heartbeat(ctx, token); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	claim, err := idem.Claim(ctx, token, "sales_order")
	if err != nil {
		t.Fatalf("Claim after heartbeat failed: %v", err)
	}
	if claim.State != core.ClaimInProgress {
		t.Fatalf("Expected ClaimInProgress while heartbeaten, got %v", claim.State)
	}

	var nfErr *core.NotFoundError
	if err := idem.Heartbeat(ctx, uuid.NewString()); !errors.As(err, &nfErr) {
		t.Fatalf("Expected NotFoundError heartbeating unknown token, got %v", err)
	}
}
