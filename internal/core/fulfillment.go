package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fulfillment-ledger/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// FulfillmentService is the contract shared by the production and delivery
// sub-ledgers. Both post dated quantities against an open sales order and
// differ only in their capacity rule and date floor.
type FulfillmentService interface {
	Create(ctx context.Context, in FulfillmentInput) (*FulfillmentEntry, error)
	Update(ctx context.Context, in FulfillmentInput) (*FulfillmentEntry, error)
	// ValidateLines is a read-only dry run: one verdict per candidate posting,
	// using the same capacity and date rules as Create, never persisting.
	ValidateLines(ctx context.Context, voucherNo string, postings []PostingInput) ([]PostingCheck, error)
	Get(ctx context.Context, voucherNo string) (*FulfillmentEntry, error)
}

type fulfillmentKind int

const (
	kindProduction fulfillmentKind = iota
	kindDelivery
)

func (k fulfillmentKind) label() string {
	if k == kindProduction {
		return "production entry"
	}
	return "delivery entry"
}

func (k fulfillmentKind) entity() string {
	if k == kindProduction {
		return "production_entry"
	}
	return "delivery_entry"
}

func (k fulfillmentKind) headerTable() string {
	if k == kindProduction {
		return "production_headers"
	}
	return "delivery_headers"
}

func (k fulfillmentKind) lineTable() string {
	if k == kindProduction {
		return "production_lines"
	}
	return "delivery_lines"
}

// fulfillmentLedger is the posting engine behind both sub-ledgers. One header
// per order per kind; postings keyed by (product, part, date) with repeats
// summed. All validation happens against row-locked state inside the same
// transaction as the write.
type fulfillmentLedger struct {
	runner *db.Runner
	audit  AuditService
	kind   fulfillmentKind
}

// orderSnapshot is the locked state capacity checks run against.
type orderSnapshot struct {
	voucherNo string
	orderDate time.Time
	aggs      map[aggKey]FulfillmentAggregate
	// prodFloor maps each key to its earliest production posting date; the
	// delivery date floor. Loaded for the delivery ledger only.
	prodFloor map[aggKey]time.Time
}

func (s *fulfillmentLedger) Create(ctx context.Context, in FulfillmentInput) (*FulfillmentEntry, error) {
	if err := validateAllPostings(in.Postings); err != nil {
		return nil, err
	}

	err := s.runner.InTx(ctx, func(tx pgx.Tx) error {
		snap, err := s.snapshot(ctx, tx, in.VoucherNo, s.runner.ForUpdate())
		if err != nil {
			return err
		}
		if _, err := lockOrderLines(ctx, tx, in.VoucherNo, s.runner.ForUpdate()); err != nil {
			return err
		}

		var existing time.Time
		err = tx.QueryRow(ctx,
			"SELECT updated_at FROM "+s.kind.headerTable()+" WHERE voucher_no = $1 "+s.runner.ForUpdate(),
			in.VoucherNo,
		).Scan(&existing)
		if err == nil {
			return Conflictf("%s for %s already exists", s.kind.label(), in.VoucherNo)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check %s header: %w", s.kind.label(), err)
		}

		if err := firstError(s.checkPostings(snap, in.Postings, false)); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO "+s.kind.headerTable()+" (voucher_no, created_by, updated_by) VALUES ($1, $2, $2)",
			in.VoucherNo, in.Actor,
		); err != nil {
			if isUniqueViolation(err) {
				return Conflictf("%s for %s already exists", s.kind.label(), in.VoucherNo)
			}
			return fmt.Errorf("failed to insert %s header: %w", s.kind.label(), err)
		}

		merged, deltas := mergePostings(in.Postings)
		for _, p := range merged {
			if err := s.upsertLine(ctx, tx, in.VoucherNo, p); err != nil {
				return err
			}
		}
		if err := s.applyDeltas(ctx, tx, in.VoucherNo, deltas); err != nil {
			return err
		}
		if err := resyncAggregatesTx(ctx, tx, in.VoucherNo); err != nil {
			return err
		}

		return s.audit.RecordTx(ctx, tx, AuditRecord{
			Actor:      in.Actor,
			Entity:     s.kind.entity(),
			EntityID:   in.VoucherNo,
			Action:     "create",
			Details:    fmt.Sprintf("%d postings", len(in.Postings)),
			RemoteAddr: in.RemoteAddr,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, in.VoucherNo)
}

func (s *fulfillmentLedger) Update(ctx context.Context, in FulfillmentInput) (*FulfillmentEntry, error) {
	if err := validateAllPostings(in.Postings); err != nil {
		return nil, err
	}

	err := s.runner.InTx(ctx, func(tx pgx.Tx) error {
		snap, err := s.snapshot(ctx, tx, in.VoucherNo, s.runner.ForUpdate())
		if err != nil {
			return err
		}
		if _, err := lockOrderLines(ctx, tx, in.VoucherNo, s.runner.ForUpdate()); err != nil {
			return err
		}

		var updatedAt time.Time
		err = tx.QueryRow(ctx,
			"SELECT updated_at FROM "+s.kind.headerTable()+" WHERE voucher_no = $1 "+s.runner.ForUpdate(),
			in.VoucherNo,
		).Scan(&updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{Entity: s.kind.label(), Ref: in.VoucherNo}
		}
		if err != nil {
			return fmt.Errorf("failed to lock %s header: %w", s.kind.label(), err)
		}
		if err := EnsureUnchanged(updatedAt, in.ExpectedUpdatedAt); err != nil {
			return err
		}

		// Existing postings already count in the aggregate, and merge sums on
		// top of them, so the own-contribution subtraction nets out to a plain
		// delta check.
		if err := firstError(s.checkPostings(snap, in.Postings, false)); err != nil {
			return err
		}

		merged, deltas := mergePostings(in.Postings)
		for _, p := range merged {
			if err := s.upsertLine(ctx, tx, in.VoucherNo, p); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			"UPDATE "+s.kind.headerTable()+" SET updated_at = NOW(), updated_by = $2 WHERE voucher_no = $1",
			in.VoucherNo, in.Actor,
		); err != nil {
			return fmt.Errorf("failed to bump %s header: %w", s.kind.label(), err)
		}
		if err := s.applyDeltas(ctx, tx, in.VoucherNo, deltas); err != nil {
			return err
		}
		if err := resyncAggregatesTx(ctx, tx, in.VoucherNo); err != nil {
			return err
		}

		return s.audit.RecordTx(ctx, tx, AuditRecord{
			Actor:      in.Actor,
			Entity:     s.kind.entity(),
			EntityID:   in.VoucherNo,
			Action:     "update",
			Details:    fmt.Sprintf("%d postings", len(in.Postings)),
			RemoteAddr: in.RemoteAddr,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, in.VoucherNo)
}

func (s *fulfillmentLedger) ValidateLines(ctx context.Context, voucherNo string, postings []PostingInput) ([]PostingCheck, error) {
	snap, err := s.snapshot(ctx, s.runner.Pool(), voucherNo, "")
	if err != nil {
		return nil, err
	}

	errs := s.checkPostings(snap, postings, true)
	checks := make([]PostingCheck, len(postings))
	for i, e := range errs {
		if e != nil {
			msg := e.Error()
			checks[i].Error = &msg
		}
	}
	return checks, nil
}

func (s *fulfillmentLedger) Get(ctx context.Context, voucherNo string) (*FulfillmentEntry, error) {
	pool := s.runner.Pool()

	var e FulfillmentEntry
	err := pool.QueryRow(ctx,
		"SELECT voucher_no, created_at, created_by, updated_at, updated_by FROM "+s.kind.headerTable()+" WHERE voucher_no = $1",
		voucherNo,
	).Scan(&e.VoucherNo, &e.CreatedAt, &e.CreatedBy, &e.UpdatedAt, &e.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: s.kind.label(), Ref: voucherNo}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s header: %w", s.kind.label(), err)
	}

	rows, err := pool.Query(ctx, `
		SELECT product_no, part_no, posting_date::text, qty
		FROM `+s.kind.lineTable()+`
		WHERE voucher_no = $1
		ORDER BY product_no, part_no, posting_date
	`, voucherNo)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s postings: %w", s.kind.label(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var p FulfillmentPosting
		if err := rows.Scan(&p.ProductNo, &p.PartNo, &p.PostingDate, &p.Qty); err != nil {
			return nil, fmt.Errorf("failed to scan %s posting: %w", s.kind.label(), err)
		}
		e.Postings = append(e.Postings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &e, nil
}

// snapshot loads the order state capacity checks need: header status and
// date, the aggregate rows, and (for delivery) the earliest production date
// per key. lockClause is "" for dry runs.
func (s *fulfillmentLedger) snapshot(ctx context.Context, q pgxQuerier, voucherNo, lockClause string) (*orderSnapshot, error) {
	var orderDate string
	var status OrderStatus
	err := q.QueryRow(ctx,
		"SELECT order_date::text, status FROM sales_order_headers WHERE voucher_no = $1 "+lockClause,
		voucherNo,
	).Scan(&orderDate, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "sales order", Ref: voucherNo}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order %s: %w", voucherNo, err)
	}
	if status != OrderOpen {
		return nil, &NotFoundError{Entity: "open sales order", Ref: voucherNo}
	}

	snap := &orderSnapshot{voucherNo: voucherNo}
	if snap.orderDate, err = parseDate(orderDate); err != nil {
		return nil, fmt.Errorf("order %s has malformed order date %q: %w", voucherNo, orderDate, err)
	}

	aggs, err := fetchAggregates(ctx, q, voucherNo, lockClause)
	if err != nil {
		return nil, err
	}
	snap.aggs = aggregateMap(aggs)

	if s.kind == kindDelivery {
		snap.prodFloor = make(map[aggKey]time.Time)
		rows, err := q.Query(ctx, `
			SELECT product_no, part_no, MIN(posting_date)::text
			FROM production_lines
			WHERE voucher_no = $1
			GROUP BY product_no, part_no
		`, voucherNo)
		if err != nil {
			return nil, fmt.Errorf("failed to read production date floors: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var k aggKey
			var d string
			if err := rows.Scan(&k.productNo, &k.partNo, &d); err != nil {
				return nil, fmt.Errorf("failed to scan production date floor: %w", err)
			}
			floor, err := parseDate(d)
			if err != nil {
				return nil, fmt.Errorf("malformed production date %q: %w", d, err)
			}
			snap.prodFloor[k] = floor
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// checkPostings runs the capacity and date rules over the candidate list
// against a snapshot, returning one verdict per posting. Quantities
// accumulate per key across the list so a combined overshoot is caught on the
// first offending line. usePrev honors the previous-quantity hint so a line
// being edited does not count against itself.
func (s *fulfillmentLedger) checkPostings(snap *orderSnapshot, postings []PostingInput, usePrev bool) []error {
	errs := make([]error, len(postings))
	running := make(map[aggKey]decimal.Decimal)

	for i, p := range postings {
		pos := i + 1
		if err := validatePostingShape(pos, p); err != nil {
			errs[i] = err
			continue
		}

		k := aggKey{p.ProductNo, p.PartNo}
		agg, ok := snap.aggs[k]
		if !ok || !agg.Ordered.IsPositive() {
			errs[i] = InvalidLinef(pos, "order %s has no line for %s/%s", snap.voucherNo, p.ProductNo, p.PartNo)
			continue
		}

		delta := p.Qty
		if usePrev && p.PrevQty != nil {
			delta = p.Qty.Sub(*p.PrevQty)
		}

		postingDate, _ := parseDate(p.PostingDate)
		if err := s.checkOne(snap, k, agg, running[k], delta, postingDate, pos); err != nil {
			errs[i] = err
			continue
		}
		running[k] = running[k].Add(delta)
	}
	return errs
}

// checkOne applies the kind-specific capacity bound and date floor to one
// posting's delta, given what earlier postings in the same request already
// consumed for the key.
func (s *fulfillmentLedger) checkOne(snap *orderSnapshot, k aggKey, agg FulfillmentAggregate, prior, delta decimal.Decimal, postingDate time.Time, pos int) error {
	switch s.kind {
	case kindProduction:
		remaining := agg.Ordered.Sub(agg.Produced).Sub(prior)
		if delta.GreaterThan(remaining) {
			return InvalidLinef(pos, "qty %s for %s/%s exceeds remaining orderable quantity %s (ordered %s, produced %s)",
				delta, k.productNo, k.partNo, remaining, agg.Ordered, agg.Produced)
		}
		if postingDate.Before(snap.orderDate) {
			return InvalidLinef(pos, "posting date %s precedes order date %s",
				postingDate.Format(dateLayout), snap.orderDate.Format(dateLayout))
		}
	case kindDelivery:
		remaining := decimal.Min(agg.Produced.Sub(agg.Delivered), agg.Stock).Sub(prior)
		if delta.GreaterThan(remaining) {
			return InvalidLinef(pos, "qty %s for %s/%s exceeds deliverable quantity %s (produced %s, delivered %s, stock %s)",
				delta, k.productNo, k.partNo, remaining, agg.Produced, agg.Delivered, agg.Stock)
		}
		floor, produced := snap.prodFloor[k]
		if !produced {
			return InvalidLinef(pos, "no production posted for %s/%s", k.productNo, k.partNo)
		}
		if postingDate.Before(floor) {
			return InvalidLinef(pos, "delivery date %s precedes first production date %s",
				postingDate.Format(dateLayout), floor.Format(dateLayout))
		}
	}
	return nil
}

// applyDeltas is the conditional try-increment pass: each key's delta is
// applied to the aggregate only if the result stays within bounds, else the
// update is a no-op and the transaction fails with Conflict. Redundant with
// checkPostings on locked rows, and the trailing resync recomputes the row
// regardless; kept as a second line of defense.
func (s *fulfillmentLedger) applyDeltas(ctx context.Context, tx pgx.Tx, voucherNo string, deltas map[aggKey]decimal.Decimal) error {
	keys := make([]aggKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].productNo != keys[j].productNo {
			return keys[i].productNo < keys[j].productNo
		}
		return keys[i].partNo < keys[j].partNo
	})

	for _, k := range keys {
		var ok bool
		var err error
		if s.kind == kindProduction {
			ok, err = tryAdjustProducedTx(ctx, tx, voucherNo, k.productNo, k.partNo, deltas[k])
		} else {
			ok, err = tryAdjustDeliveredTx(ctx, tx, voucherNo, k.productNo, k.partNo, deltas[k])
		}
		if err != nil {
			return err
		}
		if !ok {
			return Conflictf("concurrent fulfillment exhausted capacity for %s/%s on %s", k.productNo, k.partNo, voucherNo)
		}
	}
	return nil
}

func (s *fulfillmentLedger) upsertLine(ctx context.Context, tx pgx.Tx, voucherNo string, p FulfillmentPosting) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO `+s.kind.lineTable()+` (voucher_no, product_no, part_no, posting_date, qty)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (voucher_no, product_no, part_no, posting_date)
		DO UPDATE SET qty = `+s.kind.lineTable()+`.qty + EXCLUDED.qty
	`, voucherNo, p.ProductNo, p.PartNo, p.PostingDate, p.Qty); err != nil {
		return fmt.Errorf("failed to upsert %s posting %s/%s@%s: %w", s.kind.label(), p.ProductNo, p.PartNo, p.PostingDate, err)
	}
	return nil
}

func validateAllPostings(postings []PostingInput) error {
	if len(postings) == 0 {
		return Invalidf("at least one posting is required")
	}
	for i, p := range postings {
		if err := validatePostingShape(i+1, p); err != nil {
			return err
		}
	}
	return nil
}

// mergePostings collapses repeated (product, part, date) keys by summing, and
// returns the per-(product, part) quantity deltas for the try-increment pass.
// Merged postings come back in key order for deterministic writes.
func mergePostings(postings []PostingInput) ([]FulfillmentPosting, map[aggKey]decimal.Decimal) {
	type lineKey struct {
		product, part, date string
	}
	sums := make(map[lineKey]decimal.Decimal)
	deltas := make(map[aggKey]decimal.Decimal)
	for _, p := range postings {
		lk := lineKey{p.ProductNo, p.PartNo, p.PostingDate}
		sums[lk] = sums[lk].Add(p.Qty)
		ak := aggKey{p.ProductNo, p.PartNo}
		deltas[ak] = deltas[ak].Add(p.Qty)
	}

	merged := make([]FulfillmentPosting, 0, len(sums))
	for lk, qty := range sums {
		merged = append(merged, FulfillmentPosting{
			ProductNo:   lk.product,
			PartNo:      lk.part,
			PostingDate: lk.date,
			Qty:         qty,
		})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].ProductNo != merged[j].ProductNo {
			return merged[i].ProductNo < merged[j].ProductNo
		}
		if merged[i].PartNo != merged[j].PartNo {
			return merged[i].PartNo < merged[j].PartNo
		}
		return merged[i].PostingDate < merged[j].PostingDate
	})
	return merged, deltas
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
