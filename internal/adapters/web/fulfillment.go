package web

import (
	"context"
	"fmt"
	"net/http"

	"fulfillment-ledger/internal/app"

	"github.com/shopspring/decimal"
)

// postingBody is one dated posting as submitted on the wire. prev_qty is
// only honored by the validation dry run.
type postingBody struct {
	ProductNo   string `json:"product_no"`
	PartNo      string `json:"part_no"`
	PostingDate string `json:"posting_date"`
	Qty         string `json:"qty"`
	PrevQty     string `json:"prev_qty"`
}

func parsePostings(w http.ResponseWriter, r *http.Request, body []postingBody) ([]app.PostingRequest, bool) {
	postings := make([]app.PostingRequest, 0, len(body))
	for i, p := range body {
		qty, err := decimal.NewFromString(p.Qty)
		if err != nil {
			writeError(w, r, fmt.Sprintf("line %d: invalid qty %q", i+1, p.Qty), "BAD_REQUEST", http.StatusBadRequest)
			return nil, false
		}
		var prev *decimal.Decimal
		if p.PrevQty != "" {
			d, err := decimal.NewFromString(p.PrevQty)
			if err != nil {
				writeError(w, r, fmt.Sprintf("line %d: invalid prev_qty %q", i+1, p.PrevQty), "BAD_REQUEST", http.StatusBadRequest)
				return nil, false
			}
			prev = &d
		}
		postings = append(postings, app.PostingRequest{
			ProductNo:   p.ProductNo,
			PartNo:      p.PartNo,
			PostingDate: p.PostingDate,
			Qty:         qty,
			PrevQty:     prev,
		})
	}
	return postings, true
}

// createFulfillment is the shared POST handler for both sub-ledgers.
// Body: { voucher_no, postings: [...] }. Requires an Idempotency-Key header;
// a replayed key returns 200 with the original entry instead of 201.
func (h *Handler) createFulfillment(w http.ResponseWriter, r *http.Request,
	create func(context.Context, app.CreateFulfillmentRequest) (*app.FulfillmentResult, error),
) {
	var body struct {
		VoucherNo string        `json:"voucher_no"`
		Postings  []postingBody `json:"postings"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	postings, ok := parsePostings(w, r, body.Postings)
	if !ok {
		return
	}

	result, err := create(r.Context(), app.CreateFulfillmentRequest{
		IdempotencyKey: idempotencyKey(r),
		VoucherNo:      body.VoucherNo,
		Postings:       postings,
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
	writeJSON(w, status, result.Entry)
}

// updateFulfillment is the shared PUT handler.
// Body: { expected_updated_at, postings: [...] }.
func (h *Handler) updateFulfillment(w http.ResponseWriter, r *http.Request,
	update func(context.Context, string, app.UpdateFulfillmentRequest) (*app.FulfillmentResult, error),
) {
	var body struct {
		ExpectedUpdatedAt string        `json:"expected_updated_at"`
		Postings          []postingBody `json:"postings"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	expected, ok := parseExpectedTimestamp(w, r, body.ExpectedUpdatedAt)
	if !ok {
		return
	}
	postings, ok := parsePostings(w, r, body.Postings)
	if !ok {
		return
	}

	result, err := update(r.Context(), voucherParam(r), app.UpdateFulfillmentRequest{
		ExpectedUpdatedAt: expected,
		Postings:          postings,
		Actor:             requestActor(r),
		RemoteAddr:        r.RemoteAddr,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Entry)
}

// validateFulfillment is the shared dry-run handler.
// Body: { voucher_no, postings: [...] }. Always 200 with one verdict per
// posting; never mutates.
func (h *Handler) validateFulfillment(w http.ResponseWriter, r *http.Request,
	validate func(context.Context, string, app.ValidateFulfillmentRequest) (*app.ValidationResult, error),
) {
	var body struct {
		VoucherNo string        `json:"voucher_no"`
		Postings  []postingBody `json:"postings"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	postings, ok := parsePostings(w, r, body.Postings)
	if !ok {
		return
	}

	result, err := validate(r.Context(), body.VoucherNo, app.ValidateFulfillmentRequest{
		Postings:   postings,
		Actor:      requestActor(r),
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Checks)
}

func (h *Handler) getFulfillment(w http.ResponseWriter, r *http.Request,
	get func(context.Context, string) (*app.FulfillmentResult, error),
) {
	result, err := get(r.Context(), voucherParam(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Entry)
}

// createProduction handles POST /production-entries.
func (h *Handler) createProduction(w http.ResponseWriter, r *http.Request) {
	h.createFulfillment(w, r, h.svc.CreateProduction)
}

// updateProduction handles PUT /production-entries/{voucher}.
func (h *Handler) updateProduction(w http.ResponseWriter, r *http.Request) {
	h.updateFulfillment(w, r, h.svc.UpdateProduction)
}

// validateProduction handles POST /production-entries/validate.
func (h *Handler) validateProduction(w http.ResponseWriter, r *http.Request) {
	h.validateFulfillment(w, r, h.svc.ValidateProduction)
}

// getProduction handles GET /production-entries/{voucher}.
func (h *Handler) getProduction(w http.ResponseWriter, r *http.Request) {
	h.getFulfillment(w, r, h.svc.GetProduction)
}

// createDelivery handles POST /delivery-entries.
func (h *Handler) createDelivery(w http.ResponseWriter, r *http.Request) {
	h.createFulfillment(w, r, h.svc.CreateDelivery)
}

// updateDelivery handles PUT /delivery-entries/{voucher}.
func (h *Handler) updateDelivery(w http.ResponseWriter, r *http.Request) {
	h.updateFulfillment(w, r, h.svc.UpdateDelivery)
}

// validateDelivery handles POST /delivery-entries/validate.
func (h *Handler) validateDelivery(w http.ResponseWriter, r *http.Request) {
	h.validateFulfillment(w, r, h.svc.ValidateDelivery)
}

// getDelivery handles GET /delivery-entries/{voucher}.
func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	h.getFulfillment(w, r, h.svc.GetDelivery)
}
