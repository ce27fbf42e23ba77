package core

import "fulfillment-ledger/internal/db"

// NewProductionService builds the production sub-ledger: postings bounded by
// the ordered quantity per (product, part) key, dated no earlier than the
// order date.
func NewProductionService(runner *db.Runner, audit AuditService) FulfillmentService {
	return &fulfillmentLedger{runner: runner, audit: audit, kind: kindProduction}
}
