package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderCancelled OrderStatus = "CANCELLED"
)

// SalesOrder is an order header composed with its lines and the per-key
// fulfillment aggregate for display.
type SalesOrder struct {
	VoucherNo string      `json:"voucher_no"`
	OrderDate string      `json:"order_date"` // YYYY-MM-DD
	ClientID  int         `json:"client_id"`
	CompanyID int         `json:"company_id"`
	Currency  string      `json:"currency"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	CreatedBy string      `json:"created_by"`
	UpdatedAt time.Time   `json:"updated_at"`
	UpdatedBy string      `json:"updated_by"`

	Lines      []SalesOrderLine       `json:"lines"`
	Aggregates []FulfillmentAggregate `json:"aggregates"`
}

type SalesOrderLine struct {
	VoucherNo   string          `json:"voucher_no"`
	LineNo      int             `json:"line_no"`
	ProductNo   string          `json:"product_no"`
	PartNo      string          `json:"part_no"`
	DueDate     string          `json:"due_date"` // YYYY-MM-DD
	Unit        string          `json:"unit"`
	Qty         decimal.Decimal `json:"qty"`
	Rate        decimal.Decimal `json:"rate"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
	Amount      decimal.Decimal `json:"amount"` // qty × rate × (1 − discount%), 2 dp
}

// FulfillmentAggregate is the per-(order, product, part) running-totals row —
// the single source of truth for capacity checks. Stock is derived
// (produced − delivered) and recomputed on every resync, never patched
// incrementally from outside one.
type FulfillmentAggregate struct {
	VoucherNo string          `json:"voucher_no"`
	ProductNo string          `json:"product_no"`
	PartNo    string          `json:"part_no"`
	Ordered   decimal.Decimal `json:"ordered"`
	Produced  decimal.Decimal `json:"produced"`
	Delivered decimal.Decimal `json:"delivered"`
	Stock     decimal.Decimal `json:"stock"`
}

// FulfillmentEntry is a production or delivery header with its dated postings.
// There is at most one entry per kind per order.
type FulfillmentEntry struct {
	VoucherNo string    `json:"voucher_no"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`

	Postings []FulfillmentPosting `json:"postings"`
}

// FulfillmentPosting is a dated quantity posting keyed by
// (order, product, part, date); repeated keys are summed on merge.
type FulfillmentPosting struct {
	ProductNo   string          `json:"product_no"`
	PartNo      string          `json:"part_no"`
	PostingDate string          `json:"posting_date"` // YYYY-MM-DD
	Qty         decimal.Decimal `json:"qty"`
}

// ── Service inputs ───────────────────────────────────────────────────────────

type OrderLineInput struct {
	LineNo      int
	ProductNo   string
	PartNo      string
	DueDate     string
	Unit        string
	Qty         decimal.Decimal
	Rate        decimal.Decimal
	DiscountPct decimal.Decimal
}

type CreateOrderInput struct {
	VoucherNo  string // optional; blank means reserve one
	OrderDate  string
	ClientID   int
	CompanyID  int
	Currency   string
	Lines      []OrderLineInput
	Actor      string
	RemoteAddr string
}

type UpdateOrderInput struct {
	ExpectedUpdatedAt *time.Time
	Lines             []OrderLineInput
	Actor             string
	RemoteAddr        string
}

// PostingInput is one candidate posting. PrevQty is an optional hint used by
// dry-run validation when the client is editing an already-posted line: the
// capacity check subtracts it so the line does not count against itself.
type PostingInput struct {
	ProductNo   string
	PartNo      string
	PostingDate string
	Qty         decimal.Decimal
	PrevQty     *decimal.Decimal
}

type FulfillmentInput struct {
	VoucherNo         string
	ExpectedUpdatedAt *time.Time // update only
	Postings          []PostingInput
	Actor             string
	RemoteAddr        string
}

// PostingCheck is the dry-run validation verdict for one candidate posting.
// Error is nil when the posting would be accepted.
type PostingCheck struct {
	Error *string `json:"error"`
}
