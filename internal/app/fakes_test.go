package app

import (
	"context"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
)

// fakeStore is an in-memory stand-in for the Postgres repositories, shared
// by the ledger, sweeper and reconciler tests. Guarded transitions mimic the
// rows-affected semantics of the real UPDATE statements.
type fakeStore struct {
	variants     map[string]domain.ProductVariant
	orders       map[string]domain.Order
	items        []domain.OrderItem
	reservations []domain.StockReservation
	payments     []domain.Payment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		variants: make(map[string]domain.ProductVariant),
		orders:   make(map[string]domain.Order),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) GetOrderForUpdate(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (f *fakeStore) GetVariantForUpdate(_ context.Context, variantID string) (domain.ProductVariant, error) {
	variant, ok := f.variants[variantID]
	if !ok {
		return domain.ProductVariant{}, domain.ErrVariantNotFound
	}
	return variant, nil
}

func (f *fakeStore) SumActiveReservations(_ context.Context, variantID string, now time.Time) (int, error) {
	total := 0
	for _, r := range f.reservations {
		if r.VariantID != variantID || r.Status != domain.ReservationStatusActive {
			continue
		}
		if !r.ExpiresAt.After(now) {
			continue
		}
		total += r.Quantity
	}
	return total, nil
}

func (f *fakeStore) FindActiveByOrderItem(_ context.Context, orderItemID string) (*domain.StockReservation, error) {
	for i := range f.reservations {
		r := f.reservations[i]
		if r.OrderItemID == orderItemID && r.Status == domain.ReservationStatusActive {
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetLatestByOrderItem(_ context.Context, orderItemID string) (*domain.StockReservation, error) {
	for i := len(f.reservations) - 1; i >= 0; i-- {
		if f.reservations[i].OrderItemID == orderItemID {
			r := f.reservations[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListByOrder(_ context.Context, orderID string) ([]domain.StockReservation, error) {
	var out []domain.StockReservation
	for _, r := range f.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateReservation(_ context.Context, r domain.StockReservation) error {
	for _, existing := range f.reservations {
		if existing.OrderItemID == r.OrderItemID && existing.Status == domain.ReservationStatusActive {
			return domain.ErrReservationExists
		}
	}
	f.reservations = append(f.reservations, r)
	return nil
}

func (f *fakeStore) MarkConsumed(_ context.Context, orderItemID string, now time.Time) (bool, error) {
	for i := range f.reservations {
		r := &f.reservations[i]
		if r.OrderItemID == orderItemID && r.Status == domain.ReservationStatusActive {
			consumedAt := now
			r.Status = domain.ReservationStatusConsumed
			r.ConsumedAt = &consumedAt
			r.Reason = domain.ReasonOrderPaid
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) MarkReleased(_ context.Context, orderItemID, reason string, now time.Time) (bool, error) {
	for i := range f.reservations {
		r := &f.reservations[i]
		if r.OrderItemID == orderItemID && r.Status == domain.ReservationStatusActive {
			releasedAt := now
			r.Status = domain.ReservationStatusReleased
			r.ReleasedAt = &releasedAt
			r.Reason = reason
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) DecrementOnHand(_ context.Context, variantID string, quantity int) (bool, error) {
	variant, ok := f.variants[variantID]
	if !ok || variant.OnHand < quantity {
		return false, nil
	}
	variant.OnHand -= quantity
	f.variants[variantID] = variant
	return true, nil
}

func (f *fakeStore) ListExpiredIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	for _, r := range f.reservations {
		if r.Status != domain.ReservationStatusActive || r.ExpiresAt.After(now) {
			continue
		}
		ids = append(ids, r.ID)
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (f *fakeStore) GetExpiredForUpdate(_ context.Context, id string, now time.Time) (*domain.StockReservation, error) {
	for i := range f.reservations {
		r := f.reservations[i]
		if r.ID != id {
			continue
		}
		if r.Status != domain.ReservationStatusActive || r.ExpiresAt.After(now) {
			return nil, nil
		}
		return &r, nil
	}
	return nil, nil
}

func (f *fakeStore) Reactivate(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	for i := range f.reservations {
		r := &f.reservations[i]
		if r.ID == id && r.Status == domain.ReservationStatusActive && r.ReactivationCount == 0 {
			r.ReactivationCount = 1
			r.ExpiresAt = expiresAt
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CancelByID(_ context.Context, id, reason string, now time.Time) (bool, error) {
	for i := range f.reservations {
		r := &f.reservations[i]
		if r.ID == id && r.Status == domain.ReservationStatusActive {
			releasedAt := now
			r.Status = domain.ReservationStatusCancelled
			r.ReleasedAt = &releasedAt
			r.Reason = reason
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CountActiveByOrder(_ context.Context, orderID string) (int, error) {
	count := 0
	for _, r := range f.reservations {
		if r.OrderID == orderID && r.Status == domain.ReservationStatusActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) ListOrderItems(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	var out []domain.OrderItem
	for _, item := range f.items {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateOrderStatus(_ context.Context, orderID string, from, to domain.OrderStatus, reason string, now time.Time) (bool, error) {
	order, ok := f.orders[orderID]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	switch to {
	case domain.OrderStatusPaid:
		paidAt := now
		order.PaidAt = &paidAt
	case domain.OrderStatusCancelled:
		cancelledAt := now
		order.CancelledAt = &cancelledAt
		order.CancelReason = reason
	case domain.OrderStatusReview:
		order.CancelReason = reason
	}
	f.orders[orderID] = order
	return true, nil
}

func (f *fakeStore) SettlePendingPayments(_ context.Context, orderID string, to domain.PaymentStatus, providerStatus string, now time.Time) (int, error) {
	settled := 0
	for i := range f.payments {
		p := &f.payments[i]
		if p.OrderID != orderID || p.Status != domain.PaymentStatusPending {
			continue
		}
		p.Status = to
		p.ProviderStatus = providerStatus
		p.UpdatedAt = now
		settled++
	}
	return settled, nil
}

func (f *fakeStore) reservationByID(id string) *domain.StockReservation {
	for i := range f.reservations {
		if f.reservations[i].ID == id {
			return &f.reservations[i]
		}
	}
	return nil
}
