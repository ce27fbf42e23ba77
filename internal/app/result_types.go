package app

import "fulfillment-ledger/internal/core"

// OrderResult wraps a sales order for transport adapters. Replayed is true
// when the result was served from a completed idempotency record instead of
// performing new work.
type OrderResult struct {
	Order    *core.SalesOrder
	Replayed bool
}

type FulfillmentResult struct {
	Entry    *core.FulfillmentEntry
	Replayed bool
}

// NextNumberResult carries the best-effort voucher number preview.
type NextNumberResult struct {
	VoucherNo string
}

// ValidationResult is the dry-run verdict list, index-aligned with the
// submitted postings.
type ValidationResult struct {
	Checks []core.PostingCheck
}
