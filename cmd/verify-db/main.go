// verify-db audits the fulfillment invariants across the whole database:
// every aggregate row must satisfy produced <= ordered, delivered <= produced,
// and stock = produced - delivered, and every stored total must equal the sum
// re-derived from its source rows. Exits non-zero when any violation is found.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	violations := 0
	violations += checkBounds(ctx, pool)
	violations += checkDerivedTotals(ctx, pool)
	violations += checkOrphans(ctx, pool)

	if violations > 0 {
		log.Fatalf("FAILED: %d invariant violation(s)", violations)
	}
	log.Println("OK: all fulfillment invariants hold")
}

// checkBounds verifies the per-row inequalities on the aggregate table.
func checkBounds(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		SELECT voucher_no, product_no, part_no, ordered, produced, delivered, stock
		FROM fulfillment_aggregates
		WHERE produced > ordered
		   OR delivered > produced
		   OR stock <> produced - delivered
		   OR ordered < 0 OR produced < 0 OR delivered < 0 OR stock < 0
		ORDER BY voucher_no, product_no, part_no
	`)
	if err != nil {
		log.Fatalf("failed to query aggregate bounds: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var voucher, product, part string
		var ordered, produced, delivered, stock decimal.Decimal
		if err := rows.Scan(&voucher, &product, &part, &ordered, &produced, &delivered, &stock); err != nil {
			log.Fatalf("failed to scan aggregate row: %v", err)
		}
		fmt.Printf("BOUNDS %s %s/%s: ordered=%s produced=%s delivered=%s stock=%s\n",
			voucher, product, part, ordered, produced, delivered, stock)
		count++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("failed reading aggregate bounds: %v", err)
	}
	return count
}

// checkDerivedTotals re-derives ordered/produced/delivered from the source
// tables and compares against the stored aggregate, in both directions: a
// source key with no aggregate row is as wrong as a stale stored total.
func checkDerivedTotals(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		WITH src AS (
			SELECT voucher_no, product_no, part_no,
			       SUM(ordered) AS ordered, SUM(produced) AS produced, SUM(delivered) AS delivered
			FROM (
				SELECT voucher_no, product_no, part_no, qty AS ordered, 0 AS produced, 0 AS delivered
				FROM sales_order_lines
				UNION ALL
				SELECT voucher_no, product_no, part_no, 0, qty, 0 FROM production_lines
				UNION ALL
				SELECT voucher_no, product_no, part_no, 0, 0, qty FROM delivery_lines
			) u
			GROUP BY voucher_no, product_no, part_no
		)
		SELECT COALESCE(s.voucher_no, a.voucher_no),
		       COALESCE(s.product_no, a.product_no),
		       COALESCE(s.part_no, a.part_no),
		       COALESCE(s.ordered, 0), COALESCE(a.ordered, -1),
		       COALESCE(s.produced, 0), COALESCE(a.produced, -1),
		       COALESCE(s.delivered, 0), COALESCE(a.delivered, -1)
		FROM src s
		FULL OUTER JOIN fulfillment_aggregates a
		  ON a.voucher_no = s.voucher_no AND a.product_no = s.product_no AND a.part_no = s.part_no
		WHERE a.voucher_no IS NULL OR s.voucher_no IS NULL
		   OR s.ordered <> a.ordered OR s.produced <> a.produced OR s.delivered <> a.delivered
		ORDER BY 1, 2, 3
	`)
	if err != nil {
		log.Fatalf("failed to query derived totals: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var voucher, product, part string
		var srcOrdered, aggOrdered, srcProduced, aggProduced, srcDelivered, aggDelivered decimal.Decimal
		if err := rows.Scan(&voucher, &product, &part,
			&srcOrdered, &aggOrdered, &srcProduced, &aggProduced, &srcDelivered, &aggDelivered); err != nil {
			log.Fatalf("failed to scan derived totals: %v", err)
		}
		fmt.Printf("DRIFT %s %s/%s: ordered %s/%s produced %s/%s delivered %s/%s (derived/stored)\n",
			voucher, product, part, srcOrdered, aggOrdered, srcProduced, aggProduced, srcDelivered, aggDelivered)
		count++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("failed reading derived totals: %v", err)
	}
	return count
}

// checkOrphans finds fulfillment postings pointing at missing order headers.
func checkOrphans(ctx context.Context, pool *pgxpool.Pool) int {
	count := 0
	for _, table := range []string{"production_lines", "delivery_lines"} {
		rows, err := pool.Query(ctx, `
			SELECT DISTINCT l.voucher_no
			FROM `+table+` l
			LEFT JOIN sales_order_headers h ON h.voucher_no = l.voucher_no
			WHERE h.voucher_no IS NULL
			ORDER BY l.voucher_no
		`)
		if err != nil {
			log.Fatalf("failed to query %s orphans: %v", table, err)
		}
		for rows.Next() {
			var voucher string
			if err := rows.Scan(&voucher); err != nil {
				log.Fatalf("failed to scan %s orphan: %v", table, err)
			}
			fmt.Printf("ORPHAN %s: %s references a missing order\n", table, voucher)
			count++
		}
		if err := rows.Err(); err != nil {
			log.Fatalf("failed reading %s orphans: %v", table, err)
		}
		rows.Close()
	}
	return count
}
