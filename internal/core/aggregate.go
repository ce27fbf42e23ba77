package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared
// query helpers.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// aggKey identifies one aggregate row within an order.
type aggKey struct {
	productNo string
	partNo    string
}

// sumByKey reads per-(product, part) quantity sums from one source table.
func sumByKey(ctx context.Context, q pgxQuerier, query, voucherNo string) (map[aggKey]decimal.Decimal, error) {
	rows, err := q.Query(ctx, query, voucherNo)
	if err != nil {
		return nil, fmt.Errorf("failed to sum source rows: %w", err)
	}
	defer rows.Close()

	sums := make(map[aggKey]decimal.Decimal)
	for rows.Next() {
		var k aggKey
		var qty decimal.Decimal
		if err := rows.Scan(&k.productNo, &k.partNo, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan source sum: %w", err)
		}
		sums[k] = qty
	}
	return sums, rows.Err()
}

// resyncAggregatesTx rebuilds the fulfillment aggregate for one order in full
// from its source rows: ordered from order lines, produced from production
// postings, delivered from delivery postings, stock = produced − delivered.
// This is the only code path that writes aggregate values wholesale; the
// conditional try-adjust below never runs outside a transaction that ends in
// a resync.
func resyncAggregatesTx(ctx context.Context, tx pgx.Tx, voucherNo string) error {
	ordered, err := sumByKey(ctx, tx,
		"SELECT product_no, part_no, COALESCE(SUM(qty), 0) FROM sales_order_lines WHERE voucher_no = $1 GROUP BY product_no, part_no",
		voucherNo)
	if err != nil {
		return err
	}
	produced, err := sumByKey(ctx, tx,
		"SELECT product_no, part_no, COALESCE(SUM(qty), 0) FROM production_lines WHERE voucher_no = $1 GROUP BY product_no, part_no",
		voucherNo)
	if err != nil {
		return err
	}
	delivered, err := sumByKey(ctx, tx,
		"SELECT product_no, part_no, COALESCE(SUM(qty), 0) FROM delivery_lines WHERE voucher_no = $1 GROUP BY product_no, part_no",
		voucherNo)
	if err != nil {
		return err
	}

	keys := make(map[aggKey]bool)
	for k := range ordered {
		keys[k] = true
	}
	for k := range produced {
		keys[k] = true
	}
	for k := range delivered {
		keys[k] = true
	}

	if _, err := tx.Exec(ctx, "DELETE FROM fulfillment_aggregates WHERE voucher_no = $1", voucherNo); err != nil {
		return fmt.Errorf("failed to clear aggregates for %s: %w", voucherNo, err)
	}

	sorted := make([]aggKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].productNo != sorted[j].productNo {
			return sorted[i].productNo < sorted[j].productNo
		}
		return sorted[i].partNo < sorted[j].partNo
	})

	for _, k := range sorted {
		p := produced[k]
		d := delivered[k]
		if _, err := tx.Exec(ctx, `
			INSERT INTO fulfillment_aggregates (voucher_no, product_no, part_no, ordered, produced, delivered, stock)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, voucherNo, k.productNo, k.partNo, ordered[k], p, d, p.Sub(d)); err != nil {
			return fmt.Errorf("failed to insert aggregate for %s/%s/%s: %w", voucherNo, k.productNo, k.partNo, err)
		}
	}
	return nil
}

// tryAdjustProducedTx applies a produced-quantity delta only if the result
// stays within the ordered bound; otherwise it is a no-op and reports false.
// Defense-in-depth alongside the pre-validated capacity check: the final
// resync recomputes the row either way.
func tryAdjustProducedTx(ctx context.Context, tx pgx.Tx, voucherNo, productNo, partNo string, delta decimal.Decimal) (bool, error) {
	ct, err := tx.Exec(ctx, `
		UPDATE fulfillment_aggregates
		SET produced = produced + $4, stock = stock + $4
		WHERE voucher_no = $1 AND product_no = $2 AND part_no = $3
		  AND produced + $4 <= ordered
		  AND produced + $4 >= delivered
	`, voucherNo, productNo, partNo, delta)
	if err != nil {
		return false, fmt.Errorf("failed conditional produced adjust for %s/%s/%s: %w", voucherNo, productNo, partNo, err)
	}
	return ct.RowsAffected() == 1, nil
}

// tryAdjustDeliveredTx is the delivery counterpart: the delta must keep
// delivered within produced and stock non-negative.
func tryAdjustDeliveredTx(ctx context.Context, tx pgx.Tx, voucherNo, productNo, partNo string, delta decimal.Decimal) (bool, error) {
	ct, err := tx.Exec(ctx, `
		UPDATE fulfillment_aggregates
		SET delivered = delivered + $4, stock = stock - $4
		WHERE voucher_no = $1 AND product_no = $2 AND part_no = $3
		  AND delivered + $4 <= produced
		  AND stock - $4 >= 0
	`, voucherNo, productNo, partNo, delta)
	if err != nil {
		return false, fmt.Errorf("failed conditional delivered adjust for %s/%s/%s: %w", voucherNo, productNo, partNo, err)
	}
	return ct.RowsAffected() == 1, nil
}

// fetchAggregates loads aggregate rows for one order, ordered by key.
// lockClause is "" for plain reads or the runner's FOR UPDATE clause.
func fetchAggregates(ctx context.Context, q pgxQuerier, voucherNo, lockClause string) ([]FulfillmentAggregate, error) {
	rows, err := q.Query(ctx, `
		SELECT voucher_no, product_no, part_no, ordered, produced, delivered, stock
		FROM fulfillment_aggregates
		WHERE voucher_no = $1
		ORDER BY product_no, part_no `+lockClause,
		voucherNo)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []FulfillmentAggregate
	for rows.Next() {
		var a FulfillmentAggregate
		if err := rows.Scan(&a.VoucherNo, &a.ProductNo, &a.PartNo, &a.Ordered, &a.Produced, &a.Delivered, &a.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func aggregateMap(aggs []FulfillmentAggregate) map[aggKey]FulfillmentAggregate {
	m := make(map[aggKey]FulfillmentAggregate, len(aggs))
	for _, a := range aggs {
		m[aggKey{a.ProductNo, a.PartNo}] = a
	}
	return m
}
