package app

import "context"

// ApplicationService is the single interface all transport adapters call. It
// decouples presentation from business logic and owns the cross-cutting
// request flow: idempotency claim → business operation → completion, plus
// audit for non-transactional read actions. Implementations must contain no
// display logic of any kind.
type ApplicationService interface {
	// CreateOrder creates a sales order exactly once per idempotency key.
	// A replayed key returns the originally created order without side effects.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error)

	// GetOrder returns one sales order with its lines and fulfillment
	// aggregate rows.
	GetOrder(ctx context.Context, voucherNo string) (*OrderResult, error)

	// UpdateOrder replaces the order's line set, guarded by the optimistic
	// timestamp carried in the request.
	UpdateOrder(ctx context.Context, voucherNo string, req UpdateOrderRequest) (*OrderResult, error)

	// CancelOrder marks an open order cancelled. Orders with any fulfillment
	// posted cannot be cancelled.
	CancelOrder(ctx context.Context, voucherNo string, req CancelOrderRequest) (*OrderResult, error)

	// NextOrderNumber previews the next voucher number without reserving it.
	NextOrderNumber(ctx context.Context, actor, remoteAddr string) (*NextNumberResult, error)

	// CreateProduction posts production quantities against an open order,
	// exactly once per idempotency key.
	CreateProduction(ctx context.Context, req CreateFulfillmentRequest) (*FulfillmentResult, error)

	// UpdateProduction merges additional postings into an existing production
	// entry, guarded by the optimistic timestamp.
	UpdateProduction(ctx context.Context, voucherNo string, req UpdateFulfillmentRequest) (*FulfillmentResult, error)

	// ValidateProduction dry-runs candidate production postings and returns
	// one verdict per posting. Never mutates.
	ValidateProduction(ctx context.Context, voucherNo string, req ValidateFulfillmentRequest) (*ValidationResult, error)

	// GetProduction returns the production entry for an order.
	GetProduction(ctx context.Context, voucherNo string) (*FulfillmentResult, error)

	// CreateDelivery, UpdateDelivery, ValidateDelivery, and GetDelivery are
	// the delivery counterparts of the production operations above.
	CreateDelivery(ctx context.Context, req CreateFulfillmentRequest) (*FulfillmentResult, error)
	UpdateDelivery(ctx context.Context, voucherNo string, req UpdateFulfillmentRequest) (*FulfillmentResult, error)
	ValidateDelivery(ctx context.Context, voucherNo string, req ValidateFulfillmentRequest) (*ValidationResult, error)
	GetDelivery(ctx context.Context, voucherNo string) (*FulfillmentResult, error)

	// Ping reports storage reachability for the health endpoint.
	Ping(ctx context.Context) error
}
