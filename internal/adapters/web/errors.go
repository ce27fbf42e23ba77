package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"

	"fulfillment-ledger/internal/core"
	"fulfillment-ledger/internal/db"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps domain errors to HTTP statuses. Validation failures and
// capacity breaches are 400, absent or wrong-status entities 404, state
// conflicts 409 (with Retry-After when the service knows how long to back
// off), exhausted sequence allocation 503. Anything unrecognized is a 500
// with a generic body; the detail goes to the log only.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *core.ValidationError
	if errors.As(err, &vErr) {
		writeError(w, r, vErr.Error(), "VALIDATION_ERROR", http.StatusBadRequest)
		return
	}

	var nfErr *core.NotFoundError
	if errors.As(err, &nfErr) {
		writeError(w, r, nfErr.Error(), "NOT_FOUND", http.StatusNotFound)
		return
	}

	var cErr *core.ConflictError
	if errors.As(err, &cErr) {
		if cErr.RetryAfter > 0 {
			secs := int(math.Ceil(cErr.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
		writeError(w, r, cErr.Error(), "CONFLICT", http.StatusConflict)
		return
	}

	if errors.Is(err, db.ErrLockConflict) {
		writeError(w, r, "record is locked by another request, retry shortly", "LOCK_CONFLICT", http.StatusConflict)
		return
	}

	if errors.Is(err, core.ErrSequenceExhausted) {
		writeError(w, r, "voucher number allocation is temporarily unavailable", "SEQUENCE_EXHAUSTED", http.StatusServiceUnavailable)
		return
	}

	log.Printf("internal error on %s %s: %v", r.Method, r.URL.Path, err)
	writeError(w, r, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
}
