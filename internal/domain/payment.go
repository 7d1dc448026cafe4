package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Payment mirrors the provider-side charge for an order. The reconciler
// settles pending payments alongside the order status they belong to.
type Payment struct {
	ID             string
	OrderID        string
	Provider       string
	Status         PaymentStatus
	Amount         decimal.Decimal
	Currency       string
	ProviderStatus string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
