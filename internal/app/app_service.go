package app

import (
	"context"
	"fmt"
	"log"

	"fulfillment-ledger/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Idempotency record kinds. A token is bound to the kind of its first use;
// reusing it for a different resource kind is a conflict.
const (
	kindSalesOrder      = "sales_order"
	kindProductionEntry = "production_entry"
	kindDeliveryEntry   = "delivery_entry"
)

type appService struct {
	pool       *pgxpool.Pool
	orders     core.OrderService
	production core.FulfillmentService
	delivery   core.FulfillmentService
	idem       core.IdempotencyService
	audit      core.AuditService
}

// NewAppService constructs an appService that satisfies ApplicationService.
func NewAppService(
	pool *pgxpool.Pool,
	orders core.OrderService,
	production core.FulfillmentService,
	delivery core.FulfillmentService,
	idem core.IdempotencyService,
	audit core.AuditService,
) ApplicationService {
	return &appService{
		pool:       pool,
		orders:     orders,
		production: production,
		delivery:   delivery,
		idem:       idem,
		audit:      audit,
	}
}

func (s *appService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error) {
	claim, err := s.claim(ctx, req.IdempotencyKey, kindSalesOrder)
	if err != nil {
		return nil, err
	}
	if claim.State == core.ClaimReplay {
		order, err := s.orders.Get(ctx, claim.ResourceID)
		if err != nil {
			return nil, err
		}
		return &OrderResult{Order: order, Replayed: true}, nil
	}

	order, err := s.orders.Create(ctx, core.CreateOrderInput{
		VoucherNo:  req.VoucherNo,
		OrderDate:  req.OrderDate,
		ClientID:   req.ClientID,
		CompanyID:  req.CompanyID,
		Currency:   req.Currency,
		Lines:      orderLineInputs(req.Lines),
		Actor:      req.Actor,
		RemoteAddr: req.RemoteAddr,
	})
	if err != nil {
		return nil, err
	}
	s.complete(ctx, req.IdempotencyKey, order.VoucherNo)
	return &OrderResult{Order: order}, nil
}

func (s *appService) GetOrder(ctx context.Context, voucherNo string) (*OrderResult, error) {
	order, err := s.orders.Get(ctx, voucherNo)
	if err != nil {
		return nil, err
	}
	return &OrderResult{Order: order}, nil
}

func (s *appService) UpdateOrder(ctx context.Context, voucherNo string, req UpdateOrderRequest) (*OrderResult, error) {
	order, err := s.orders.Update(ctx, voucherNo, core.UpdateOrderInput{
		ExpectedUpdatedAt: req.ExpectedUpdatedAt,
		Lines:             orderLineInputs(req.Lines),
		Actor:             req.Actor,
		RemoteAddr:        req.RemoteAddr,
	})
	if err != nil {
		return nil, err
	}
	return &OrderResult{Order: order}, nil
}

func (s *appService) CancelOrder(ctx context.Context, voucherNo string, req CancelOrderRequest) (*OrderResult, error) {
	order, err := s.orders.Cancel(ctx, voucherNo, req.ExpectedUpdatedAt, req.Actor, req.RemoteAddr)
	if err != nil {
		return nil, err
	}
	return &OrderResult{Order: order}, nil
}

// NextOrderNumber is a read/telemetry action: its audit record commits
// independently of any business transaction.
func (s *appService) NextOrderNumber(ctx context.Context, actor, remoteAddr string) (*NextNumberResult, error) {
	voucherNo, err := s.orders.NextVoucherPreview(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, core.AuditRecord{
		Actor:      actor,
		Entity:     kindSalesOrder,
		EntityID:   voucherNo,
		Action:     "preview_next_number",
		RemoteAddr: remoteAddr,
	}); err != nil {
		log.Printf("audit preview_next_number failed: %v", err)
	}
	return &NextNumberResult{VoucherNo: voucherNo}, nil
}

func (s *appService) CreateProduction(ctx context.Context, req CreateFulfillmentRequest) (*FulfillmentResult, error) {
	return s.createFulfillment(ctx, s.production, kindProductionEntry, req)
}

func (s *appService) UpdateProduction(ctx context.Context, voucherNo string, req UpdateFulfillmentRequest) (*FulfillmentResult, error) {
	return s.updateFulfillment(ctx, s.production, voucherNo, req)
}

func (s *appService) ValidateProduction(ctx context.Context, voucherNo string, req ValidateFulfillmentRequest) (*ValidationResult, error) {
	return s.validateFulfillment(ctx, s.production, kindProductionEntry, voucherNo, req)
}

func (s *appService) GetProduction(ctx context.Context, voucherNo string) (*FulfillmentResult, error) {
	entry, err := s.production.Get(ctx, voucherNo)
	if err != nil {
		return nil, err
	}
	return &FulfillmentResult{Entry: entry}, nil
}

func (s *appService) CreateDelivery(ctx context.Context, req CreateFulfillmentRequest) (*FulfillmentResult, error) {
	return s.createFulfillment(ctx, s.delivery, kindDeliveryEntry, req)
}

func (s *appService) UpdateDelivery(ctx context.Context, voucherNo string, req UpdateFulfillmentRequest) (*FulfillmentResult, error) {
	return s.updateFulfillment(ctx, s.delivery, voucherNo, req)
}

func (s *appService) ValidateDelivery(ctx context.Context, voucherNo string, req ValidateFulfillmentRequest) (*ValidationResult, error) {
	return s.validateFulfillment(ctx, s.delivery, kindDeliveryEntry, voucherNo, req)
}

func (s *appService) GetDelivery(ctx context.Context, voucherNo string) (*FulfillmentResult, error) {
	entry, err := s.delivery.Get(ctx, voucherNo)
	if err != nil {
		return nil, err
	}
	return &FulfillmentResult{Entry: entry}, nil
}

func (s *appService) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *appService) createFulfillment(ctx context.Context, svc core.FulfillmentService, kind string, req CreateFulfillmentRequest) (*FulfillmentResult, error) {
	claim, err := s.claim(ctx, req.IdempotencyKey, kind)
	if err != nil {
		return nil, err
	}
	if claim.State == core.ClaimReplay {
		entry, err := svc.Get(ctx, claim.ResourceID)
		if err != nil {
			return nil, err
		}
		return &FulfillmentResult{Entry: entry, Replayed: true}, nil
	}

	entry, err := svc.Create(ctx, core.FulfillmentInput{
		VoucherNo:  req.VoucherNo,
		Postings:   postingInputs(req.Postings),
		Actor:      req.Actor,
		RemoteAddr: req.RemoteAddr,
	})
	if err != nil {
		return nil, err
	}
	s.complete(ctx, req.IdempotencyKey, entry.VoucherNo)
	return &FulfillmentResult{Entry: entry}, nil
}

func (s *appService) updateFulfillment(ctx context.Context, svc core.FulfillmentService, voucherNo string, req UpdateFulfillmentRequest) (*FulfillmentResult, error) {
	entry, err := svc.Update(ctx, core.FulfillmentInput{
		VoucherNo:         voucherNo,
		ExpectedUpdatedAt: req.ExpectedUpdatedAt,
		Postings:          postingInputs(req.Postings),
		Actor:             req.Actor,
		RemoteAddr:        req.RemoteAddr,
	})
	if err != nil {
		return nil, err
	}
	return &FulfillmentResult{Entry: entry}, nil
}

// validateFulfillment is a read/telemetry action like NextOrderNumber: the
// dry run mutates nothing, so its audit record commits independently.
func (s *appService) validateFulfillment(ctx context.Context, svc core.FulfillmentService, kind, voucherNo string, req ValidateFulfillmentRequest) (*ValidationResult, error) {
	checks, err := svc.ValidateLines(ctx, voucherNo, postingInputs(req.Postings))
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, core.AuditRecord{
		Actor:      req.Actor,
		Entity:     kind,
		EntityID:   voucherNo,
		Action:     "validate_lines",
		Details:    fmt.Sprintf("%d postings", len(req.Postings)),
		RemoteAddr: req.RemoteAddr,
	}); err != nil {
		log.Printf("audit validate_lines failed: %v", err)
	}
	return &ValidationResult{Checks: checks}, nil
}

// claim validates the token and resolves it to a claim outcome. An in-flight
// token short-circuits to Conflict here so no business work starts.
func (s *appService) claim(ctx context.Context, token, kind string) (core.ClaimResult, error) {
	if err := core.ValidateToken(token); err != nil {
		return core.ClaimResult{}, err
	}
	claim, err := s.idem.Claim(ctx, token, kind)
	if err != nil {
		return core.ClaimResult{}, err
	}
	if claim.State == core.ClaimInProgress {
		return core.ClaimResult{}, &core.ConflictError{
			Msg:        "a request with this idempotency key is already in progress",
			RetryAfter: claim.RetryAfter,
		}
	}
	return claim, nil
}

// complete marks the token done. The business transaction has already
// committed; a failure here leaves the record pending until it expires. For a
// client-supplied voucher a post-expiry retry is rejected by the voucher
// uniqueness guard, but with a server-allocated voucher the retried Create
// reserves a fresh number and a duplicate order can result. Operators should
// treat completion failures in this log as worth investigating.
func (s *appService) complete(ctx context.Context, token, resourceID string) {
	if err := s.idem.Complete(ctx, token, resourceID); err != nil {
		log.Printf("failed to complete idempotency token for %s: %v", resourceID, err)
	}
}

func orderLineInputs(lines []OrderLineRequest) []core.OrderLineInput {
	out := make([]core.OrderLineInput, len(lines))
	for i, l := range lines {
		out[i] = core.OrderLineInput{
			LineNo:      l.LineNo,
			ProductNo:   l.ProductNo,
			PartNo:      l.PartNo,
			DueDate:     l.DueDate,
			Unit:        l.Unit,
			Qty:         l.Qty,
			Rate:        l.Rate,
			DiscountPct: l.DiscountPct,
		}
	}
	return out
}

func postingInputs(postings []PostingRequest) []core.PostingInput {
	out := make([]core.PostingInput, len(postings))
	for i, p := range postings {
		out[i] = core.PostingInput{
			ProductNo:   p.ProductNo,
			PartNo:      p.PartNo,
			PostingDate: p.PostingDate,
			Qty:         p.Qty,
			PrevQty:     p.PrevQty,
		}
	}
	return out
}
