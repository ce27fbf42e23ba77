package app

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLineRequest is one sales-order line as submitted by a client.
type OrderLineRequest struct {
	LineNo      int
	ProductNo   string
	PartNo      string
	DueDate     string // YYYY-MM-DD
	Unit        string
	Qty         decimal.Decimal
	Rate        decimal.Decimal
	DiscountPct decimal.Decimal
}

type CreateOrderRequest struct {
	IdempotencyKey string
	VoucherNo      string // optional; blank means allocate
	OrderDate      string // YYYY-MM-DD
	ClientID       int
	CompanyID      int
	Currency       string
	Lines          []OrderLineRequest

	Actor      string
	RemoteAddr string
}

type UpdateOrderRequest struct {
	ExpectedUpdatedAt *time.Time
	Lines             []OrderLineRequest

	Actor      string
	RemoteAddr string
}

type CancelOrderRequest struct {
	ExpectedUpdatedAt *time.Time

	Actor      string
	RemoteAddr string
}

// PostingRequest is one dated quantity posting as submitted by a client.
// PrevQty is only meaningful on validation dry runs.
type PostingRequest struct {
	ProductNo   string
	PartNo      string
	PostingDate string // YYYY-MM-DD
	Qty         decimal.Decimal
	PrevQty     *decimal.Decimal
}

type CreateFulfillmentRequest struct {
	IdempotencyKey string
	VoucherNo      string
	Postings       []PostingRequest

	Actor      string
	RemoteAddr string
}

type UpdateFulfillmentRequest struct {
	ExpectedUpdatedAt *time.Time
	Postings          []PostingRequest

	Actor      string
	RemoteAddr string
}

type ValidateFulfillmentRequest struct {
	Postings []PostingRequest

	Actor      string
	RemoteAddr string
}
