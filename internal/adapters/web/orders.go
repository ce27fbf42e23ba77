package web

import (
	"fmt"
	"net/http"

	"fulfillment-ledger/internal/app"

	"github.com/shopspring/decimal"
)

// orderLineBody is one line item as submitted on the wire. Quantities and
// money travel as strings to keep clients away from binary floats.
type orderLineBody struct {
	LineNo      int    `json:"line_no"`
	ProductNo   string `json:"product_no"`
	PartNo      string `json:"part_no"`
	DueDate     string `json:"due_date"`
	Unit        string `json:"unit"`
	Qty         string `json:"qty"`
	Rate        string `json:"rate"`
	DiscountPct string `json:"discount_pct"`
}

func parseOrderLines(w http.ResponseWriter, r *http.Request, body []orderLineBody) ([]app.OrderLineRequest, bool) {
	lines := make([]app.OrderLineRequest, 0, len(body))
	for i, l := range body {
		qty, err := decimal.NewFromString(l.Qty)
		if err != nil {
			writeError(w, r, fmt.Sprintf("line %d: invalid qty %q", i+1, l.Qty), "BAD_REQUEST", http.StatusBadRequest)
			return nil, false
		}
		rate, err := decimal.NewFromString(l.Rate)
		if err != nil {
			writeError(w, r, fmt.Sprintf("line %d: invalid rate %q", i+1, l.Rate), "BAD_REQUEST", http.StatusBadRequest)
			return nil, false
		}
		disc := decimal.Zero
		if l.DiscountPct != "" {
			if disc, err = decimal.NewFromString(l.DiscountPct); err != nil {
				writeError(w, r, fmt.Sprintf("line %d: invalid discount_pct %q", i+1, l.DiscountPct), "BAD_REQUEST", http.StatusBadRequest)
				return nil, false
			}
		}
		lines = append(lines, app.OrderLineRequest{
			LineNo:      l.LineNo,
			ProductNo:   l.ProductNo,
			PartNo:      l.PartNo,
			DueDate:     l.DueDate,
			Unit:        l.Unit,
			Qty:         qty,
			Rate:        rate,
			DiscountPct: disc,
		})
	}
	return lines, true
}

// createOrder handles POST /sales-orders.
// Body: { voucher_no?, order_date, client_id, company_id, currency, lines: [...] }
// Requires an Idempotency-Key header; a replayed key returns 200 with the
// original order instead of 201.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VoucherNo string          `json:"voucher_no"`
		OrderDate string          `json:"order_date"`
		ClientID  int             `json:"client_id"`
		CompanyID int             `json:"company_id"`
		Currency  string          `json:"currency"`
		Lines     []orderLineBody `json:"lines"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	lines, ok := parseOrderLines(w, r, body.Lines)
	if !ok {
		return
	}

	result, err := h.svc.CreateOrder(r.Context(), app.CreateOrderRequest{
		IdempotencyKey: idempotencyKey(r),
		VoucherNo:      body.VoucherNo,
		OrderDate:      body.OrderDate,
		ClientID:       body.ClientID,
		CompanyID:      body.CompanyID,
		Currency:       body.Currency,
		Lines:          lines,
		Actor:          requestActor(r),
		RemoteAddr:     r.RemoteAddr,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result.Order)
}

// getOrder handles GET /sales-orders/{voucher}.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.GetOrder(r.Context(), voucherParam(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Order)
}

// updateOrder handles PUT /sales-orders/{voucher}.
// Body: { expected_updated_at, lines: [...] }
func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExpectedUpdatedAt string          `json:"expected_updated_at"`
		Lines             []orderLineBody `json:"lines"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	expected, ok := parseExpectedTimestamp(w, r, body.ExpectedUpdatedAt)
	if !ok {
		return
	}
	lines, ok := parseOrderLines(w, r, body.Lines)
	if !ok {
		return
	}

	result, err := h.svc.UpdateOrder(r.Context(), voucherParam(r), app.UpdateOrderRequest{
		ExpectedUpdatedAt: expected,
		Lines:             lines,
		Actor:             requestActor(r),
		RemoteAddr:        r.RemoteAddr,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Order)
}

// cancelOrder handles POST /sales-orders/{voucher}/cancel.
// Body: { expected_updated_at }
func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExpectedUpdatedAt string `json:"expected_updated_at"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	expected, ok := parseExpectedTimestamp(w, r, body.ExpectedUpdatedAt)
	if !ok {
		return
	}

	result, err := h.svc.CancelOrder(r.Context(), voucherParam(r), app.CancelOrderRequest{
		ExpectedUpdatedAt: expected,
		Actor:             requestActor(r),
		RemoteAddr:        r.RemoteAddr,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Order)
}

// nextOrderNumber handles GET /sales-orders/next-number. Best-effort preview;
// never reserves.
func (h *Handler) nextOrderNumber(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.NextOrderNumber(r.Context(), requestActor(r), r.RemoteAddr)
	if err != nil {
		respondError(w, r, err)
		return
	}
	type response struct {
		VoucherNo string `json:"voucher_no"`
	}
	writeJSON(w, http.StatusOK, response{VoucherNo: result.VoucherNo})
}
