package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"fulfillment-ledger/internal/app"

	"github.com/go-chi/chi/v5"
)

// Handler holds the ApplicationService and the chi router.
type Handler struct {
	svc    app.ApplicationService
	router chi.Router
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(svc app.ApplicationService, allowedOrigins string) http.Handler {
	h := &Handler{svc: svc}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recoverer)
	r.Use(CORS(allowedOrigins))
	r.Use(RequestBodyLimit(1 << 20)) // 1 MB

	r.Get("/api/health", h.health)

	r.Route("/sales-orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/next-number", h.nextOrderNumber)
		r.Get("/{voucher}", h.getOrder)
		r.Put("/{voucher}", h.updateOrder)
		r.Post("/{voucher}/cancel", h.cancelOrder)
	})

	r.Route("/production-entries", func(r chi.Router) {
		r.Post("/", h.createProduction)
		r.Post("/validate", h.validateProduction)
		r.Get("/{voucher}", h.getProduction)
		r.Put("/{voucher}", h.updateProduction)
	})

	r.Route("/delivery-entries", func(r chi.Router) {
		r.Post("/", h.createDelivery)
		r.Post("/validate", h.validateDelivery)
		r.Get("/{voucher}", h.getDelivery)
		r.Put("/{voucher}", h.updateDelivery)
	})

	h.router = r
	return r
}

// health reports service and storage status.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}
	if err := h.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// voucherParam extracts the {voucher} URL parameter.
func voucherParam(r *http.Request) string {
	return chi.URLParam(r, "voucher")
}

// requestActor identifies the caller for audit records. Authentication lives
// in front of this service; the gateway forwards the identity header.
func requestActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "api"
}

// idempotencyKey reads the Idempotency-Key header; presence and length are
// validated downstream.
func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// decodeJSON decodes the request body into v and returns false + writes an
// appropriate error response on failure. Returns HTTP 413 when the body
// exceeds the size limit set by RequestBodyLimit middleware; HTTP 400 for all
// other decode errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

// parseExpectedTimestamp parses the optimistic-concurrency timestamp carried
// in mutation bodies. Empty means the client sent none, which only matches
// records that have never been stamped.
func parseExpectedTimestamp(w http.ResponseWriter, r *http.Request, s string) (*time.Time, bool) {
	if s == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		writeError(w, r, "expected_updated_at must be an RFC 3339 timestamp", "BAD_REQUEST", http.StatusBadRequest)
		return nil, false
	}
	return &t, true
}
