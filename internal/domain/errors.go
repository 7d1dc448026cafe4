package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrDuplicateEvent       = errors.New("duplicate webhook event")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationNotActive = errors.New("reservation is not active")
	ErrStaleTransition      = errors.New("stale transition")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderStateConflict   = errors.New("order is not in a reservable state")
	ErrVariantNotFound      = errors.New("variant not found")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrEventKeyRequired     = errors.New("event key required")
	ErrEventNotFound        = errors.New("webhook event not found")
	ErrEventNotRetryable    = errors.New("webhook event is not in failed status")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidID            = errors.New("invalid id")
	ErrReservationExists    = errors.New("active reservation already exists for order item")
)

// InsufficientStockError identifies which order item could not be reserved,
// so checkout can report the precise failure to the customer.
type InsufficientStockError struct {
	OrderItemID string
	VariantID   string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf(
		"insufficient stock for variant %s (item %s): requested %d, available %d",
		e.VariantID, e.OrderItemID, e.Requested, e.Available,
	)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
