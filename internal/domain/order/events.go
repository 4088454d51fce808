package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a domain event.
type EventType string

const (
	EventOrderPlaced      EventType = "OrderPlaced"
	EventPaymentCompleted EventType = "PaymentCompleted"
	EventPaymentFailed    EventType = "PaymentFailed"
)

// Event is a state change published after it is stored.
type Event struct {
	Type       EventType
	OrderID    string
	OccurredAt time.Time
	Payload    any
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

// OrderPlacedPayload is the payload of EventOrderPlaced.
type OrderPlacedPayload struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	BranchID    string          `json:"branch_id"`
	Items       []Item          `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// PaymentCompletedPayload is the payload of EventPaymentCompleted.
type PaymentCompletedPayload struct {
	OrderID           string          `json:"order_id"`
	ReceiptNumber     string          `json:"receipt_number"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	PhoneNumber       string          `json:"phone_number"`
	Amount            decimal.Decimal `json:"amount"`
	Source            Source          `json:"source"`
}

// PaymentFailedPayload is the payload of EventPaymentFailed.
type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
