package core

import "fulfillment-ledger/internal/db"

// NewDeliveryService builds the delivery sub-ledger: postings bounded by
// produced quantity and available stock per (product, part) key, dated no
// earlier than the key's first production posting.
func NewDeliveryService(runner *db.Runner, audit AuditService) FulfillmentService {
	return &fulfillmentLedger{runner: runner, audit: audit, kind: kindDelivery}
}
