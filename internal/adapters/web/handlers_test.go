package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fulfillment-ledger/internal/app"
	"fulfillment-ledger/internal/core"
	"fulfillment-ledger/internal/db"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubService lets each test script the application layer. Unset operations
// fail loudly.
type stubService struct {
	createOrder func(context.Context, app.CreateOrderRequest) (*app.OrderResult, error)
	getOrder    func(context.Context, string) (*app.OrderResult, error)
	updateOrder func(context.Context, string, app.UpdateOrderRequest) (*app.OrderResult, error)
	cancelOrder func(context.Context, string, app.CancelOrderRequest) (*app.OrderResult, error)
	nextNumber  func(context.Context, string, string) (*app.NextNumberResult, error)

	createProduction   func(context.Context, app.CreateFulfillmentRequest) (*app.FulfillmentResult, error)
	validateProduction func(context.Context, string, app.ValidateFulfillmentRequest) (*app.ValidationResult, error)
}

func (s *stubService) CreateOrder(ctx context.Context, req app.CreateOrderRequest) (*app.OrderResult, error) {
	return s.createOrder(ctx, req)
}

func (s *stubService) GetOrder(ctx context.Context, voucherNo string) (*app.OrderResult, error) {
	return s.getOrder(ctx, voucherNo)
}

func (s *stubService) UpdateOrder(ctx context.Context, voucherNo string, req app.UpdateOrderRequest) (*app.OrderResult, error) {
	return s.updateOrder(ctx, voucherNo, req)
}

func (s *stubService) CancelOrder(ctx context.Context, voucherNo string, req app.CancelOrderRequest) (*app.OrderResult, error) {
	return s.cancelOrder(ctx, voucherNo, req)
}

func (s *stubService) NextOrderNumber(ctx context.Context, actor, remoteAddr string) (*app.NextNumberResult, error) {
	return s.nextNumber(ctx, actor, remoteAddr)
}

func (s *stubService) CreateProduction(ctx context.Context, req app.CreateFulfillmentRequest) (*app.FulfillmentResult, error) {
	return s.createProduction(ctx, req)
}

func (s *stubService) UpdateProduction(context.Context, string, app.UpdateFulfillmentRequest) (*app.FulfillmentResult, error) {
	panic("not scripted")
}

func (s *stubService) ValidateProduction(ctx context.Context, voucherNo string, req app.ValidateFulfillmentRequest) (*app.ValidationResult, error) {
	return s.validateProduction(ctx, voucherNo, req)
}

func (s *stubService) GetProduction(context.Context, string) (*app.FulfillmentResult, error) {
	panic("not scripted")
}

func (s *stubService) CreateDelivery(context.Context, app.CreateFulfillmentRequest) (*app.FulfillmentResult, error) {
	panic("not scripted")
}

func (s *stubService) UpdateDelivery(context.Context, string, app.UpdateFulfillmentRequest) (*app.FulfillmentResult, error) {
	panic("not scripted")
}

func (s *stubService) ValidateDelivery(context.Context, string, app.ValidateFulfillmentRequest) (*app.ValidationResult, error) {
	panic("not scripted")
}

func (s *stubService) GetDelivery(context.Context, string) (*app.FulfillmentResult, error) {
	panic("not scripted")
}

func (s *stubService) Ping(context.Context) error { return nil }

func doRequest(t *testing.T, svc app.ApplicationService, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	handler := NewHandler(svc, "")
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const createOrderBody = `{
	"order_date": "2026-02-01",
	"client_id": 7,
	"company_id": 1,
	"currency": "INR",
	"lines": [{"line_no": 1, "product_no": "FG-100", "part_no": "P-1",
	           "due_date": "2026-03-01", "unit": "pcs", "qty": "10", "rate": "5"}]
}`

func TestCreateOrderReturns201(t *testing.T) {
	svc := &stubService{
		createOrder: func(_ context.Context, req app.CreateOrderRequest) (*app.OrderResult, error) {
			assert.Equal(t, "tok-1", req.IdempotencyKey)
			assert.Equal(t, "alice", req.Actor)
			require.Len(t, req.Lines, 1)
			assert.True(t, req.Lines[0].Qty.Equal(decimal.NewFromInt(10)))
			return &app.OrderResult{Order: &core.SalesOrder{VoucherNo: "SO-2026-000001", Status: core.OrderOpen}}, nil
		},
	}

	rec := doRequest(t, svc, http.MethodPost, "/sales-orders", createOrderBody, map[string]string{
		"Idempotency-Key": "tok-1",
		"X-Actor":         "alice",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var got core.SalesOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "SO-2026-000001", got.VoucherNo)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateOrderReplayReturns200(t *testing.T) {
	svc := &stubService{
		createOrder: func(context.Context, app.CreateOrderRequest) (*app.OrderResult, error) {
			return &app.OrderResult{Order: &core.SalesOrder{VoucherNo: "SO-2026-000001"}, Replayed: true}, nil
		},
	}

	rec := doRequest(t, svc, http.MethodPost, "/sales-orders", createOrderBody, map[string]string{"Idempotency-Key": "tok-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateOrderInvalidQtyReturns400(t *testing.T) {
	svc := &stubService{}
	body := strings.Replace(createOrderBody, `"qty": "10"`, `"qty": "ten"`, 1)
	rec := doRequest(t, svc, http.MethodPost, "/sales-orders", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid qty")
}

func TestCreateOrderMalformedJSONReturns400(t *testing.T) {
	rec := doRequest(t, &stubService{}, http.MethodPost, "/sales-orders", "{", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", core.Invalidf("qty must be positive"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not found", &core.NotFoundError{Entity: "sales order", Ref: "SO-1"}, http.StatusNotFound, "NOT_FOUND"},
		{"conflict", core.Conflictf("already exists"), http.StatusConflict, "CONFLICT"},
		{"lock conflict", db.ErrLockConflict, http.StatusConflict, "LOCK_CONFLICT"},
		{"sequence exhausted", core.ErrSequenceExhausted, http.StatusServiceUnavailable, "SEQUENCE_EXHAUSTED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				createOrder: func(context.Context, app.CreateOrderRequest) (*app.OrderResult, error) {
					return nil, tt.err
				},
			}
			rec := doRequest(t, svc, http.MethodPost, "/sales-orders", createOrderBody, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestConflictCarriesRetryAfterHeader(t *testing.T) {
	svc := &stubService{
		createOrder: func(context.Context, app.CreateOrderRequest) (*app.OrderResult, error) {
			return nil, &core.ConflictError{Msg: "in progress", RetryAfter: 1500 * time.Millisecond}
		},
	}
	rec := doRequest(t, svc, http.MethodPost, "/sales-orders", createOrderBody, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"), "duration rounds up to whole seconds")
}

func TestUpdateOrderParsesExpectedTimestamp(t *testing.T) {
	stamp := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubService{
		updateOrder: func(_ context.Context, voucherNo string, req app.UpdateOrderRequest) (*app.OrderResult, error) {
			assert.Equal(t, "SO-2026-000001", voucherNo)
			require.NotNil(t, req.ExpectedUpdatedAt)
			assert.True(t, stamp.Equal(*req.ExpectedUpdatedAt))
			return &app.OrderResult{Order: &core.SalesOrder{VoucherNo: voucherNo}}, nil
		},
	}

	body := `{
		"expected_updated_at": "2026-02-01T10:00:00Z",
		"lines": [{"line_no": 1, "product_no": "FG-100", "part_no": "P-1",
		           "due_date": "2026-03-01", "unit": "pcs", "qty": "12", "rate": "5"}]
	}`
	rec := doRequest(t, svc, http.MethodPut, "/sales-orders/SO-2026-000001", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, svc, http.MethodPut, "/sales-orders/SO-2026-000001",
		strings.Replace(body, "2026-02-01T10:00:00Z", "yesterday", 1), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNextOrderNumber(t *testing.T) {
	svc := &stubService{
		nextNumber: func(context.Context, string, string) (*app.NextNumberResult, error) {
			return &app.NextNumberResult{VoucherNo: "SO-2026-000042"}, nil
		},
	}
	rec := doRequest(t, svc, http.MethodGet, "/sales-orders/next-number", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SO-2026-000042")
}

func TestValidateProductionReturnsVerdicts(t *testing.T) {
	msg := "qty 5 for FG-100/P-1 exceeds remaining orderable quantity 4"
	svc := &stubService{
		validateProduction: func(_ context.Context, voucherNo string, req app.ValidateFulfillmentRequest) (*app.ValidationResult, error) {
			assert.Equal(t, "SO-2026-000001", voucherNo)
			require.Len(t, req.Postings, 2)
			return &app.ValidationResult{Checks: []core.PostingCheck{{}, {Error: &msg}}}, nil
		},
	}

	body := `{
		"voucher_no": "SO-2026-000001",
		"postings": [
			{"product_no": "FG-100", "part_no": "P-1", "posting_date": "2026-02-05", "qty": "4"},
			{"product_no": "FG-100", "part_no": "P-1", "posting_date": "2026-02-06", "qty": "5"}
		]
	}`
	rec := doRequest(t, svc, http.MethodPost, "/production-entries/validate", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var checks []core.PostingCheck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checks))
	require.Len(t, checks, 2)
	assert.Nil(t, checks[0].Error)
	require.NotNil(t, checks[1].Error)
	assert.Equal(t, msg, *checks[1].Error)
}

func TestHealthEndpoint(t *testing.T) {
	rec := doRequest(t, &stubService{}, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
