package domain

import "time"

type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReview marks an order that cannot be settled automatically,
	// e.g. a payment approved after its reservations already expired.
	OrderStatusReview OrderStatus = "review"
)

// Order is owned by the checkout service; this core only moves its status
// in response to payment events and reservation expiry.
type Order struct {
	ID           string
	Status       OrderStatus
	SubmittedAt  time.Time
	PaidAt       *time.Time
	CancelledAt  *time.Time
	CancelReason string
}

type OrderItem struct {
	ID        string
	OrderID   string
	VariantID string
	Quantity  int
}
