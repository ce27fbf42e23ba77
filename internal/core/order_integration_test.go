package core_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"fulfillment-ledger/internal/core"
	"fulfillment-ledger/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	// Set TEST_DATABASE_URL in your .env or environment to run integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE delivery_lines, delivery_headers, production_lines, production_headers,
			fulfillment_aggregates, sales_order_lines, sales_order_headers,
			idempotency_records, sequence_counters, audit_log, currencies CASCADE;

		INSERT INTO currencies (code, name) VALUES
		('INR', 'Indian Rupee'),
		('USD', 'US Dollar');
	`)
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	return pool
}

type testServices struct {
	runner     *db.Runner
	orders     core.OrderService
	production core.FulfillmentService
	delivery   core.FulfillmentService
	seq        core.SequenceService
	idem       core.IdempotencyService
	audit      core.AuditService
}

func newTestServices(pool *pgxpool.Pool) testServices {
	runner := db.NewRunner(pool, db.DefaultTxConfig())
	audit := core.NewAuditService(pool)
	seq := core.NewSequenceService(runner)
	return testServices{
		runner:     runner,
		orders:     core.NewOrderService(runner, seq, audit, "SO"),
		production: core.NewProductionService(runner, audit),
		delivery:   core.NewDeliveryService(runner, audit),
		seq:        seq,
		idem:       core.NewIdempotencyService(pool, 0),
		audit:      audit,
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

func testOrderInput(t *testing.T, qty string) core.CreateOrderInput {
	return core.CreateOrderInput{
		OrderDate: "2026-02-01",
		ClientID:  7,
		CompanyID: 1,
		Currency:  "INR",
		Actor:     "tester",
		Lines: []core.OrderLineInput{{
			LineNo:    1,
			ProductNo: "FG-100",
			PartNo:    "P-1",
			DueDate:   "2026-03-01",
			Unit:      "pcs",
			Qty:       dec(t, qty),
			Rate:      dec(t, "5"),
		}},
	}
}

func TestOrderService_CreateComputesAmountAndAggregate(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svcs := newTestServices(pool)
	ctx := context.Background()

	order, err := svcs.orders.Create(ctx, testOrderInput(t, "10"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if order.VoucherNo != "SO-2026-000001" {
		t.Errorf("Expected first voucher SO-2026-000001, got %s", order.VoucherNo)
	}
	if order.Status != core.OrderOpen {
		t.Errorf("Expected OPEN, got %s", order.Status)
	}
	if len(order.Lines) != 1 || !order.Lines[0].Amount.Equal(dec(t, "50")) {
		t.Errorf("Expected amount 50.00, got %+v", order.Lines)
	}
	if len(order.Aggregates) != 1 {
		t.Fatalf("Expected one aggregate row, got %d", len(order.Aggregates))
	}
	agg := order.Aggregates[0]
	if !agg.Ordered.Equal(dec(t, "10")) || !agg.Produced.IsZero() || !agg.Delivered.IsZero() || !agg.Stock.IsZero() {
		t.Errorf("Fresh order aggregate wrong: %+v", agg)
	}

	// A second order takes the next number in sequence.
	second, err := svcs.orders.Create(ctx, testOrderInput(t, "4"))
	if err != nil {
		t.Fatalf("Second create failed: %v", err)
	}
	if second.VoucherNo != "SO-2026-000002" {
		t.Errorf("Expected SO-2026-000002, got %s", second.VoucherNo)
	}
}

func TestOrderService_ClientVoucherDuplicateConflicts(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svcs := newTestServices(pool)
	ctx := context.Background()

	in := testOrderInput(t, "10")
	in.VoucherNo = "SO-2026-900001"
	if _, err := svcs.orders.Create(ctx, in); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := svcs.orders.Create(ctx, in)
	var cErr *core.ConflictError
	if !errors.As(err, &cErr) {
		t.Fatalf("Expected ConflictError for duplicate voucher, got %v", err)
	}
}

func TestOrderService_UnknownCurrencyRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svcs := newTestServices(pool)

	in := testOrderInput(t, "10")
	in.Currency = "XXX"
	_, err := svcs.orders.Create(context.Background(), in)
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected ValidationError for unknown currency, got %v", err)
	}
}

func TestOrderService_OptimisticUpdate(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svcs := newTestServices(pool)
	ctx := context.Background()

	order, err := svcs.orders.Create(ctx, testOrderInput(t, "10"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	lines := []core.OrderLineInput{{
		LineNo: 1, ProductNo: "FG-100", PartNo: "P-1",
		DueDate: "2026-03-15", Unit: "pcs",
		Qty: dec(t, "12"), Rate: dec(t, "5"),
	}}

	// Current timestamp: succeeds and yields a new, different timestamp.
	updated, err := svcs.orders.Update(ctx, order.VoucherNo, core.UpdateOrderInput{
		ExpectedUpdatedAt: &order.UpdatedAt,
		Lines:             lines,
		Actor:             "tester",
	})
	if err != nil {
		t.Fatalf("Update with fresh timestamp failed: %v", err)
	}
	if !updated.UpdatedAt.After(order.UpdatedAt) {
		t.Errorf("Expected a newer updated_at, got %s -> %s", order.UpdatedAt, updated.UpdatedAt)
	}
	if !updated.Aggregates[0].Ordered.Equal(dec(t, "12")) {
		t.Errorf("Expected ordered 12 after update, got %s", updated.Aggregates[0].Ordered)
	}

	// Stale timestamp: always conflicts.
	_, err = svcs.orders.Update(ctx, order.VoucherNo, core.UpdateOrderInput{
		ExpectedUpdatedAt: &order.UpdatedAt,
		Lines:             lines,
		Actor:             "tester",
	})
	var cErr *core.ConflictError
	if !errors.As(err, &cErr) {
		t.Fatalf("Expected ConflictError for stale timestamp, got %v", err)
	}
}

func TestOrderService_CancelBlockedByFulfillment(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svcs := newTestServices(pool)
	ctx := context.Background()

	order, err := svcs.orders.Create(ctx, testOrderInput(t, "10"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svcs.production.Create(ctx, core.FulfillmentInput{
		VoucherNo: order.VoucherNo,
		Postings: []core.PostingInput{{
			ProductNo: "FG-100", PartNo: "P-1", PostingDate: "2026-02-05", Qty: dec(t, "6"),
		}},
		Actor: "tester",
	}); err != nil {
		t.Fatalf("Production create failed: %v", err)
	}

	order, err = svcs.orders.Get(ctx, order.VoucherNo)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	_, err = svcs.orders.Cancel(ctx, order.VoucherNo, &order.UpdatedAt, "tester", "")
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected ValidationError cancelling order with postings, got %v", err)
	}

	// A fresh order with no postings cancels fine.
	fresh, err := svcs.orders.Create(ctx, testOrderInput(t, "4"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	cancelled, err := svcs.orders.Cancel(ctx, fresh.VoucherNo, &fresh.UpdatedAt, "tester", "")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != core.OrderCancelled {
		t.Errorf("Expected CANCELLED, got %s", cancelled.Status)
	}

	// Cancelled orders accept no further postings.
	_, err = svcs.production.Create(ctx, core.FulfillmentInput{
		VoucherNo: cancelled.VoucherNo,
		Postings: []core.PostingInput{{
			ProductNo: "FG-100", PartNo: "P-1", PostingDate: "2026-02-05", Qty: dec(t, "1"),
		}},
		Actor: "tester",
	})
	var nfErr *core.NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("Expected NotFoundError posting to cancelled order, got %v", err)
	}
}

func TestOrderService_ShrinkBelowFulfilledRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svcs := newTestServices(pool)
	ctx := context.Background()

	order, err := svcs.orders.Create(ctx, testOrderInput(t, "10"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svcs.production.Create(ctx, core.FulfillmentInput{
		VoucherNo: order.VoucherNo,
		Postings: []core.PostingInput{{
			ProductNo: "FG-100", PartNo: "P-1", PostingDate: "2026-02-05", Qty: dec(t, "6"),
		}},
		Actor: "tester",
	}); err != nil {
		t.Fatalf("Production create failed: %v", err)
	}

	order, err = svcs.orders.Get(ctx, order.VoucherNo)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	_, err = svcs.orders.Update(ctx, order.VoucherNo, core.UpdateOrderInput{
		ExpectedUpdatedAt: &order.UpdatedAt,
		Lines: []core.OrderLineInput{{
			LineNo: 1, ProductNo: "FG-100", PartNo: "P-1",
			DueDate: "2026-03-01", Unit: "pcs",
			Qty: dec(t, "3"), Rate: dec(t, "5"),
		}},
		Actor: "tester",
	})
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected ValidationError shrinking below produced quantity, got %v", err)
	}
}

func TestSequenceService_ConcurrentReservationsAreDistinct(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svcs := newTestServices(pool)
	ctx := context.Background()

	const workers = 10
	results := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svcs.runner.InTx(ctx, func(tx pgx.Tx) error {
				n, err := svcs.seq.ReserveTx(ctx, tx, core.OrderSequenceScope(2026))
				results[i] = n
				return err
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Reservation %d failed: %v", i, errs[i])
		}
		if seen[results[i]] {
			t.Fatalf("Duplicate sequence value %d", results[i])
		}
		seen[results[i]] = true
	}

	next, err := svcs.seq.PeekNext(ctx, core.OrderSequenceScope(2026))
	if err != nil {
		t.Fatalf("PeekNext failed: %v", err)
	}
	if next != workers+1 {
		t.Errorf("Expected next value %d, got %d", workers+1, next)
	}
}
