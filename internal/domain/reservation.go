package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusConsumed  ReservationStatus = "consumed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// Reasons recorded when a reservation leaves the active status.
const (
	ReasonOrderPaid         = "order_paid"
	ReasonExpired           = "expired"
	ReasonInsufficientStock = "insufficient_stock"
	ReasonPaymentRejected   = "payment_rejected"
	ReasonStockExpired      = "stock_expired"
)

// StockReservation holds a quantity of a variant for one order item until
// payment confirms or the reservation times out. Rows are never deleted;
// terminal statuses keep the audit trail.
type StockReservation struct {
	ID                string
	OrderID           string
	OrderItemID       string
	VariantID         string
	Quantity          int
	Status            ReservationStatus
	ReactivationCount int
	ExpiresAt         time.Time
	ConsumedAt        *time.Time
	ReleasedAt        *time.Time
	Reason            string
	CreatedAt         time.Time
}

// Expired reports whether the reservation's deadline has passed at now.
func (r StockReservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
