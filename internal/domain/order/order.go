package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/soda-storefront/internal/domain/auth"
)

// Status is the payment state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Order is the aggregate root of a purchase.
type Order struct {
	ID                string
	UserID            string
	BranchID          string
	BranchName        string
	Items             []Item
	TotalAmount       decimal.Decimal
	PaymentStatus     Status
	ReceiptNumber     string
	CheckoutRequestID string
	PhoneNumber       string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OwnedBy reports whether the identity placed the order.
func (o *Order) OwnedBy(id auth.Identity) bool {
	return id.UserID != "" && id.UserID == o.UserID
}

// Item is a line of an order with the product snapshot taken at intake.
type Item struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Brand       string          `json:"brand"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// Source tells how a settlement was triggered.
type Source string

const (
	SourceCallback Source = "callback"
	SourceManual   Source = "manual"
)

// Settles reports whether a settlement from s may complete an order in
// status st. Provider confirmations only settle pending orders; manual
// completion also accepts failed ones.
func (s Source) Settles(st Status) bool {
	switch st {
	case StatusPending:
		return true
	case StatusFailed:
		return s == SourceManual
	default:
		return false
	}
}

// TransactionSuccess is the status recorded on settled transactions.
const TransactionSuccess = "success"

// Transaction is the audit record written once per completed order.
type Transaction struct {
	ID                string
	OrderID           string
	ReceiptNumber     string
	PhoneNumber       string
	Amount            decimal.Decimal
	CheckoutRequestID string
	Status            string
	Source            Source
	CreatedAt         time.Time
}

// Settlement carries everything needed to complete an order.
type Settlement struct {
	OrderID           string
	ReceiptNumber     string
	PhoneNumber       string
	Amount            decimal.Decimal
	CheckoutRequestID string
	Source            Source
	At                time.Time
}

// StockAdjustment is the outcome of one line's decrement during settlement.
type StockAdjustment struct {
	ProductID string
	BranchID  string
	Requested int
	Applied   int
	// Missing is set when the branch has no record for the product.
	Missing bool
}

// Shortfall is the part of the request that stock could not cover.
func (a StockAdjustment) Shortfall() int {
	return a.Requested - a.Applied
}

// SettleResult describes a settlement attempt.
type SettleResult struct {
	Order       *Order
	Transaction *Transaction
	// Adjustments has one entry per order line, in line order.
	Adjustments []StockAdjustment
	// Skipped is set when the order's status does not accept the
	// settlement source; nothing was mutated and Order carries the status.
	Skipped bool
	// AlreadyCompleted narrows Skipped to an order completed before this
	// attempt.
	AlreadyCompleted bool
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	UserID string
}

// Repository persists orders together with their stock holds and
// transactions.
type Repository interface {
	// Create stores a pending order and holds stock for each line until
	// holdUntil. It re-checks availability under lock and returns
	// *apperr.InsufficientStockError without storing anything when a line
	// cannot be covered.
	Create(ctx context.Context, o *Order, holdUntil time.Time) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*Order, error)
	// List returns matching orders newest first with BranchName filled.
	List(ctx context.Context, f ListFilter) ([]Order, error)
	AttachCheckout(ctx context.Context, id, checkoutRequestID string, at time.Time) error
	// MarkFailed moves a pending order to failed and releases its holds. It
	// reports false when the order was not pending.
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	// Settle atomically completes an order: one guarded decrement per line
	// that never drives stock below zero, hold release, status change and a
	// single transaction record. An order whose status the settlement source
	// may not complete (see Source.Settles) is left untouched and reported
	// through SettleResult.Skipped.
	Settle(ctx context.Context, s Settlement) (*SettleResult, error)
	ProductHasOrders(ctx context.Context, productID string) (bool, error)
	BranchHasOrders(ctx context.Context, branchID string) (bool, error)
}

// CachedStatus is the cache entry used to answer status polls.
type CachedStatus struct {
	Status    Status    `json:"status"`
	UserID    string    `json:"user_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache stores recent order statuses for polling clients.
type StatusCache interface {
	GetStatus(ctx context.Context, orderID string) (*CachedStatus, bool, error)
	SetStatus(ctx context.Context, orderID string, st CachedStatus) error
}

// CallbackLog remembers provider references whose notifications were
// already processed.
type CallbackLog interface {
	Seen(ctx context.Context, checkoutRequestID string) (bool, error)
	MarkSeen(ctx context.Context, checkoutRequestID string) error
}
