package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-ledger/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// OrderService owns sales-order headers, line items, and the per-key
// fulfillment aggregate. All mutations run through the transactional retry
// runner; synchronization is row locks and isolation, never process mutexes,
// so correctness holds across service instances.
type OrderService interface {
	Create(ctx context.Context, in CreateOrderInput) (*SalesOrder, error)
	Update(ctx context.Context, voucherNo string, in UpdateOrderInput) (*SalesOrder, error)
	// Cancel flips an Open order to Cancelled. Rejected while any fulfillment
	// exists; the order is never hard-deleted.
	Cancel(ctx context.Context, voucherNo string, expectedUpdatedAt *time.Time, actor, remoteAddr string) (*SalesOrder, error)
	Get(ctx context.Context, voucherNo string) (*SalesOrder, error)
	// NextVoucherPreview is a best-effort, non-reserving peek for UI display.
	NextVoucherPreview(ctx context.Context) (string, error)
}

type orderService struct {
	runner        *db.Runner
	seq           SequenceService
	audit         AuditService
	voucherPrefix string
}

func NewOrderService(runner *db.Runner, seq SequenceService, audit AuditService, voucherPrefix string) OrderService {
	if voucherPrefix == "" {
		voucherPrefix = "SO"
	}
	return &orderService{runner: runner, seq: seq, audit: audit, voucherPrefix: voucherPrefix}
}

func (s *orderService) Create(ctx context.Context, in CreateOrderInput) (*SalesOrder, error) {
	if err := validateOrderHeader(in); err != nil {
		return nil, err
	}
	if err := validateOrderLines(in.Lines); err != nil {
		return nil, err
	}
	orderDate, _ := parseDate(in.OrderDate)

	var voucherNo string
	err := s.runner.InTx(ctx, func(tx pgx.Tx) error {
		var cur string
		err := tx.QueryRow(ctx, "SELECT code FROM currencies WHERE code = $1", in.Currency).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return Invalidf("currency %s is not registered", in.Currency)
		}
		if err != nil {
			return fmt.Errorf("failed to verify currency %s: %w", in.Currency, err)
		}

		if in.VoucherNo != "" {
			voucherNo = in.VoucherNo
			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM sales_order_headers WHERE voucher_no = $1)",
				voucherNo,
			).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check voucher %s: %w", voucherNo, err)
			}
			if exists {
				return Conflictf("sales order %s already exists", voucherNo)
			}
		} else {
			year := orderDate.Year()
			n, err := s.seq.ReserveTx(ctx, tx, OrderSequenceScope(year))
			if err != nil {
				return err
			}
			voucherNo = FormatVoucher(s.voucherPrefix, year, n)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO sales_order_headers (voucher_no, order_date, client_id, company_id, currency, status, created_by, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, voucherNo, in.OrderDate, in.ClientID, in.CompanyID, in.Currency, OrderOpen, in.Actor); err != nil {
			if isUniqueViolation(err) {
				return Conflictf("sales order %s already exists", voucherNo)
			}
			return fmt.Errorf("failed to insert sales order %s: %w", voucherNo, err)
		}

		for _, l := range in.Lines {
			if err := insertOrderLine(ctx, tx, voucherNo, l); err != nil {
				return err
			}
		}

		// Fresh order: produced and delivered resync to zero.
		if err := resyncAggregatesTx(ctx, tx, voucherNo); err != nil {
			return err
		}

		return s.audit.RecordTx(ctx, tx, AuditRecord{
			Actor:      in.Actor,
			Entity:     "sales_order",
			EntityID:   voucherNo,
			Action:     "create",
			Details:    fmt.Sprintf("%d lines, currency %s", len(in.Lines), in.Currency),
			RemoteAddr: in.RemoteAddr,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, voucherNo)
}

func (s *orderService) Update(ctx context.Context, voucherNo string, in UpdateOrderInput) (*SalesOrder, error) {
	if len(in.Lines) == 0 {
		return nil, Invalidf("order must have at least one line")
	}
	if err := validateOrderLines(in.Lines); err != nil {
		return nil, err
	}

	err := s.runner.InTx(ctx, func(tx pgx.Tx) error {
		updatedAt, err := s.lockOpenHeader(ctx, tx, voucherNo)
		if err != nil {
			return err
		}
		if err := EnsureUnchanged(updatedAt, in.ExpectedUpdatedAt); err != nil {
			return err
		}

		stored, err := lockOrderLines(ctx, tx, voucherNo, s.runner.ForUpdate())
		if err != nil {
			return err
		}
		aggs, err := fetchAggregates(ctx, tx, voucherNo, s.runner.ForUpdate())
		if err != nil {
			return err
		}

		if err := checkShrinkFloor(in.Lines, aggs); err != nil {
			return err
		}

		// Diff the supplied line set against stored lines by line number.
		incoming := make(map[int]OrderLineInput, len(in.Lines))
		for _, l := range in.Lines {
			incoming[l.LineNo] = l
		}
		for lineNo := range stored {
			if _, ok := incoming[lineNo]; !ok {
				if _, err := tx.Exec(ctx,
					"DELETE FROM sales_order_lines WHERE voucher_no = $1 AND line_no = $2",
					voucherNo, lineNo,
				); err != nil {
					return fmt.Errorf("failed to delete line %d: %w", lineNo, err)
				}
			}
		}
		for _, l := range in.Lines {
			if _, ok := stored[l.LineNo]; ok {
				if _, err := tx.Exec(ctx, `
					UPDATE sales_order_lines
					SET product_no = $3, part_no = $4, due_date = $5, unit = $6,
					    qty = $7, rate = $8, discount_pct = $9, amount = $10
					WHERE voucher_no = $1 AND line_no = $2
				`, voucherNo, l.LineNo, l.ProductNo, l.PartNo, l.DueDate, l.Unit,
					l.Qty, l.Rate, l.DiscountPct, lineAmount(l.Qty, l.Rate, l.DiscountPct),
				); err != nil {
					return fmt.Errorf("failed to update line %d: %w", l.LineNo, err)
				}
			} else if err := insertOrderLine(ctx, tx, voucherNo, l); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			"UPDATE sales_order_headers SET updated_at = NOW(), updated_by = $2 WHERE voucher_no = $1",
			voucherNo, in.Actor,
		); err != nil {
			return fmt.Errorf("failed to bump order %s: %w", voucherNo, err)
		}

		if err := resyncAggregatesTx(ctx, tx, voucherNo); err != nil {
			return err
		}

		return s.audit.RecordTx(ctx, tx, AuditRecord{
			Actor:      in.Actor,
			Entity:     "sales_order",
			EntityID:   voucherNo,
			Action:     "update",
			Details:    fmt.Sprintf("%d lines", len(in.Lines)),
			RemoteAddr: in.RemoteAddr,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, voucherNo)
}

func (s *orderService) Cancel(ctx context.Context, voucherNo string, expectedUpdatedAt *time.Time, actor, remoteAddr string) (*SalesOrder, error) {
	err := s.runner.InTx(ctx, func(tx pgx.Tx) error {
		updatedAt, err := s.lockOpenHeader(ctx, tx, voucherNo)
		if err != nil {
			return err
		}
		if err := EnsureUnchanged(updatedAt, expectedUpdatedAt); err != nil {
			return err
		}

		aggs, err := fetchAggregates(ctx, tx, voucherNo, s.runner.ForUpdate())
		if err != nil {
			return err
		}
		for _, a := range aggs {
			if a.Produced.IsPositive() || a.Delivered.IsPositive() || a.Stock.IsPositive() {
				return Invalidf("cannot cancel %s: fulfillment exists for %s/%s (produced %s, delivered %s, stock %s)",
					voucherNo, a.ProductNo, a.PartNo, a.Produced, a.Delivered, a.Stock)
			}
		}

		if _, err := tx.Exec(ctx,
			"UPDATE sales_order_headers SET status = $2, updated_at = NOW(), updated_by = $3 WHERE voucher_no = $1",
			voucherNo, OrderCancelled, actor,
		); err != nil {
			return fmt.Errorf("failed to cancel order %s: %w", voucherNo, err)
		}

		return s.audit.RecordTx(ctx, tx, AuditRecord{
			Actor:      actor,
			Entity:     "sales_order",
			EntityID:   voucherNo,
			Action:     "cancel",
			RemoteAddr: remoteAddr,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, voucherNo)
}

// Get composes header + lines + aggregate for display. Serialization only;
// no invariant logic.
func (s *orderService) Get(ctx context.Context, voucherNo string) (*SalesOrder, error) {
	pool := s.runner.Pool()

	var o SalesOrder
	err := pool.QueryRow(ctx, `
		SELECT voucher_no, order_date::text, client_id, company_id, currency, status,
		       created_at, created_by, updated_at, updated_by
		FROM sales_order_headers
		WHERE voucher_no = $1
	`, voucherNo).Scan(
		&o.VoucherNo, &o.OrderDate, &o.ClientID, &o.CompanyID, &o.Currency, &o.Status,
		&o.CreatedAt, &o.CreatedBy, &o.UpdatedAt, &o.UpdatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "sales order", Ref: voucherNo}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", voucherNo, err)
	}

	lines, err := fetchOrderLines(ctx, pool, voucherNo)
	if err != nil {
		return nil, err
	}
	o.Lines = lines

	aggs, err := fetchAggregates(ctx, pool, voucherNo, "")
	if err != nil {
		return nil, err
	}
	o.Aggregates = aggs
	return &o, nil
}

func (s *orderService) NextVoucherPreview(ctx context.Context) (string, error) {
	year := time.Now().Year()
	n, err := s.seq.PeekNext(ctx, OrderSequenceScope(year))
	if err != nil {
		return "", err
	}
	return FormatVoucher(s.voucherPrefix, year, n), nil
}

// lockOpenHeader locks the order header row and returns its last-modified
// timestamp. An absent order, or one no longer Open, is NotFound for the
// requested mutation.
func (s *orderService) lockOpenHeader(ctx context.Context, tx pgx.Tx, voucherNo string) (time.Time, error) {
	var status OrderStatus
	var updatedAt time.Time
	err := tx.QueryRow(ctx,
		"SELECT status, updated_at FROM sales_order_headers WHERE voucher_no = $1 "+s.runner.ForUpdate(),
		voucherNo,
	).Scan(&status, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, &NotFoundError{Entity: "sales order", Ref: voucherNo}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to lock order %s: %w", voucherNo, err)
	}
	if status != OrderOpen {
		return time.Time{}, &NotFoundError{Entity: "open sales order", Ref: voucherNo}
	}
	return updatedAt, nil
}

func insertOrderLine(ctx context.Context, tx pgx.Tx, voucherNo string, l OrderLineInput) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO sales_order_lines (voucher_no, line_no, product_no, part_no, due_date, unit, qty, rate, discount_pct, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, voucherNo, l.LineNo, l.ProductNo, l.PartNo, l.DueDate, l.Unit,
		l.Qty, l.Rate, l.DiscountPct, lineAmount(l.Qty, l.Rate, l.DiscountPct),
	); err != nil {
		return fmt.Errorf("failed to insert line %d: %w", l.LineNo, err)
	}
	return nil
}

// checkShrinkFloor enforces that no product+part key the order still
// references drops below what has already been fulfilled:
// new ordered sum >= max(produced, delivered, stock) per key. Keys absent
// from the new line set shrink to zero and are checked the same way.
func checkShrinkFloor(lines []OrderLineInput, aggs []FulfillmentAggregate) error {
	newOrdered := make(map[aggKey]decimal.Decimal, len(lines))
	for _, l := range lines {
		k := aggKey{l.ProductNo, l.PartNo}
		newOrdered[k] = newOrdered[k].Add(l.Qty)
	}
	for _, a := range aggs {
		floor := decimal.Max(a.Produced, a.Delivered, a.Stock)
		if !floor.IsPositive() {
			continue
		}
		if newOrdered[aggKey{a.ProductNo, a.PartNo}].LessThan(floor) {
			return Invalidf("cannot reduce %s/%s below fulfilled quantity %s", a.ProductNo, a.PartNo, floor)
		}
	}
	return nil
}

// lockOrderLines reads all lines of an order under row lock, keyed by line
// number.
func lockOrderLines(ctx context.Context, tx pgx.Tx, voucherNo, lockClause string) (map[int]SalesOrderLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT voucher_no, line_no, product_no, part_no, due_date::text, unit, qty, rate, discount_pct, amount
		FROM sales_order_lines
		WHERE voucher_no = $1
		ORDER BY line_no `+lockClause,
		voucherNo)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	defer rows.Close()

	lines := make(map[int]SalesOrderLine)
	for rows.Next() {
		var l SalesOrderLine
		if err := rows.Scan(&l.VoucherNo, &l.LineNo, &l.ProductNo, &l.PartNo, &l.DueDate, &l.Unit,
			&l.Qty, &l.Rate, &l.DiscountPct, &l.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		lines[l.LineNo] = l
	}
	return lines, rows.Err()
}

func fetchOrderLines(ctx context.Context, q pgxQuerier, voucherNo string) ([]SalesOrderLine, error) {
	rows, err := q.Query(ctx, `
		SELECT voucher_no, line_no, product_no, part_no, due_date::text, unit, qty, rate, discount_pct, amount
		FROM sales_order_lines
		WHERE voucher_no = $1
		ORDER BY line_no
	`, voucherNo)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer rows.Close()

	var lines []SalesOrderLine
	for rows.Next() {
		var l SalesOrderLine
		if err := rows.Scan(&l.VoucherNo, &l.LineNo, &l.ProductNo, &l.PartNo, &l.DueDate, &l.Unit,
			&l.Qty, &l.Rate, &l.DiscountPct, &l.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
