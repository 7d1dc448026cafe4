package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/clock"
	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
	"github.com/MatinCapisano/PatitasBigotes/internal/metrics"
	"go.uber.org/zap"
)

func TestLedgerService_ReserveOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 42 * time.Hour

	makeSvc := func(store *fakeStore) *LedgerService {
		return NewLedgerService(store, clock.NewFixed(now), zap.NewNop(), metrics.NewNop(), WithReservationTTL(ttl))
	}

	t.Run("reserves every item of the order", func(t *testing.T) {
		store := newFakeStore()
		store.orders["order-1"] = domain.Order{ID: "order-1", Status: domain.OrderStatusSubmitted}
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 10, Active: true}
		store.variants["variant-2"] = domain.ProductVariant{ID: "variant-2", OnHand: 5, Active: true}
		svc := makeSvc(store)

		reservations, err := svc.ReserveOrder(context.Background(), ReserveOrderInput{
			OrderID: "order-1",
			Items: []ReserveItem{
				{OrderItemID: "item-1", VariantID: "variant-1", Quantity: 3},
				{OrderItemID: "item-2", VariantID: "variant-2", Quantity: 5},
			},
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(reservations) != 2 {
			t.Fatalf("expected 2 reservations, got %d", len(reservations))
		}
		for _, r := range reservations {
			if r.ID == "" {
				t.Fatalf("expected reservation ID to be set")
			}
			if r.Status != domain.ReservationStatusActive {
				t.Fatalf("expected status %s, got %s", domain.ReservationStatusActive, r.Status)
			}
			if !r.ExpiresAt.Equal(now.Add(ttl)) {
				t.Fatalf("expected expires_at %v, got %v", now.Add(ttl), r.ExpiresAt)
			}
			if r.ReactivationCount != 0 {
				t.Fatalf("expected reactivation_count 0, got %d", r.ReactivationCount)
			}
		}
		if len(store.reservations) != 2 {
			t.Fatalf("expected 2 reservations in store, got %d", len(store.reservations))
		}
	})

	t.Run("insufficient stock carries the shortfall", func(t *testing.T) {
		store := newFakeStore()
		store.orders["order-1"] = domain.Order{ID: "order-1", Status: domain.OrderStatusSubmitted}
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 10, Active: true}
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-9", OrderItemID: "item-9", VariantID: "variant-1", Quantity: 8, Status: domain.ReservationStatusActive, ExpiresAt: now.Add(time.Hour)},
		}
		svc := makeSvc(store)

		_, err := svc.ReserveOrder(context.Background(), ReserveOrderInput{
			OrderID: "order-1",
			Items:   []ReserveItem{{OrderItemID: "item-1", VariantID: "variant-1", Quantity: 5}},
		})
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got %v", err)
		}
		var stockErr *domain.InsufficientStockError
		if !errors.As(err, &stockErr) {
			t.Fatalf("expected InsufficientStockError, got %T", err)
		}
		if stockErr.Requested != 5 || stockErr.Available != 2 {
			t.Fatalf("expected requested 5 available 2, got %d/%d", stockErr.Requested, stockErr.Available)
		}
	})

	t.Run("expired reservations free capacity", func(t *testing.T) {
		store := newFakeStore()
		store.orders["order-1"] = domain.Order{ID: "order-1", Status: domain.OrderStatusSubmitted}
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 10, Active: true}
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-9", OrderItemID: "item-9", VariantID: "variant-1", Quantity: 8, Status: domain.ReservationStatusActive, ExpiresAt: now.Add(-time.Minute)},
		}
		svc := makeSvc(store)

		reservations, err := svc.ReserveOrder(context.Background(), ReserveOrderInput{
			OrderID: "order-1",
			Items:   []ReserveItem{{OrderItemID: "item-1", VariantID: "variant-1", Quantity: 10}},
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if reservations[0].Quantity != 10 {
			t.Fatalf("expected quantity 10, got %d", reservations[0].Quantity)
		}
	})

	t.Run("retry returns the existing active reservation", func(t *testing.T) {
		existing := domain.StockReservation{
			ID:          "res-1",
			OrderID:     "order-1",
			OrderItemID: "item-1",
			VariantID:   "variant-1",
			Quantity:    3,
			Status:      domain.ReservationStatusActive,
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
		}
		store := newFakeStore()
		store.orders["order-1"] = domain.Order{ID: "order-1", Status: domain.OrderStatusSubmitted}
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 3, Active: true}
		store.reservations = []domain.StockReservation{existing}
		svc := makeSvc(store)

		reservations, err := svc.ReserveOrder(context.Background(), ReserveOrderInput{
			OrderID: "order-1",
			Items:   []ReserveItem{{OrderItemID: "item-1", VariantID: "variant-1", Quantity: 3}},
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if reservations[0].ID != existing.ID {
			t.Fatalf("expected existing reservation %s, got %s", existing.ID, reservations[0].ID)
		}
		if len(store.reservations) != 1 {
			t.Fatalf("expected store unchanged, got %d reservations", len(store.reservations))
		}
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		svc := makeSvc(newFakeStore())

		_, err := svc.ReserveOrder(context.Background(), ReserveOrderInput{
			OrderID: "order-1",
			Items:   []ReserveItem{{OrderItemID: "item-1", VariantID: "variant-1", Quantity: 0}},
		})
		if !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Fatalf("expected ErrInvalidQuantity, got %v", err)
		}
	})

	t.Run("rejects order that is not submitted", func(t *testing.T) {
		store := newFakeStore()
		store.orders["order-1"] = domain.Order{ID: "order-1", Status: domain.OrderStatusCancelled}
		svc := makeSvc(store)

		_, err := svc.ReserveOrder(context.Background(), ReserveOrderInput{
			OrderID: "order-1",
			Items:   []ReserveItem{{OrderItemID: "item-1", VariantID: "variant-1", Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrOrderStateConflict) {
			t.Fatalf("expected ErrOrderStateConflict, got %v", err)
		}
	})

	t.Run("rejects inactive variant", func(t *testing.T) {
		store := newFakeStore()
		store.orders["order-1"] = domain.Order{ID: "order-1", Status: domain.OrderStatusSubmitted}
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 10, Active: false}
		svc := makeSvc(store)

		_, err := svc.ReserveOrder(context.Background(), ReserveOrderInput{
			OrderID: "order-1",
			Items:   []ReserveItem{{OrderItemID: "item-1", VariantID: "variant-1", Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrVariantNotFound) {
			t.Fatalf("expected ErrVariantNotFound, got %v", err)
		}
	})
}

func TestLedgerService_Consume(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	makeSvc := func(store *fakeStore) *LedgerService {
		return NewLedgerService(store, clock.NewFixed(now), zap.NewNop(), metrics.NewNop())
	}

	t.Run("consumes and decrements on-hand stock", func(t *testing.T) {
		store := newFakeStore()
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 10, Active: true}
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-1", OrderItemID: "item-1", VariantID: "variant-1", Quantity: 4, Status: domain.ReservationStatusActive, ExpiresAt: now.Add(time.Hour)},
		}
		svc := makeSvc(store)

		if err := svc.Consume(context.Background(), "item-1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		r := store.reservationByID("res-1")
		if r.Status != domain.ReservationStatusConsumed {
			t.Fatalf("expected status consumed, got %s", r.Status)
		}
		if r.Reason != domain.ReasonOrderPaid {
			t.Fatalf("expected reason %s, got %s", domain.ReasonOrderPaid, r.Reason)
		}
		if r.ConsumedAt == nil || !r.ConsumedAt.Equal(now) {
			t.Fatalf("expected consumed_at %v, got %v", now, r.ConsumedAt)
		}
		if got := store.variants["variant-1"].OnHand; got != 6 {
			t.Fatalf("expected on_hand 6, got %d", got)
		}
	})

	t.Run("second consume is a no-op", func(t *testing.T) {
		store := newFakeStore()
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 10, Active: true}
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-1", OrderItemID: "item-1", VariantID: "variant-1", Quantity: 4, Status: domain.ReservationStatusActive, ExpiresAt: now.Add(time.Hour)},
		}
		svc := makeSvc(store)

		if err := svc.Consume(context.Background(), "item-1"); err != nil {
			t.Fatalf("first consume: %v", err)
		}
		if err := svc.Consume(context.Background(), "item-1"); err != nil {
			t.Fatalf("second consume: %v", err)
		}
		if got := store.variants["variant-1"].OnHand; got != 6 {
			t.Fatalf("expected on_hand decremented once to 6, got %d", got)
		}
	})

	t.Run("released reservation is not consumable", func(t *testing.T) {
		store := newFakeStore()
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-1", OrderItemID: "item-1", VariantID: "variant-1", Quantity: 4, Status: domain.ReservationStatusReleased, ExpiresAt: now.Add(time.Hour)},
		}
		svc := makeSvc(store)

		err := svc.Consume(context.Background(), "item-1")
		if !errors.Is(err, domain.ErrReservationNotActive) {
			t.Fatalf("expected ErrReservationNotActive, got %v", err)
		}
	})

	t.Run("unknown item returns not found", func(t *testing.T) {
		svc := makeSvc(newFakeStore())

		err := svc.Consume(context.Background(), "item-missing")
		if !errors.Is(err, domain.ErrReservationNotFound) {
			t.Fatalf("expected ErrReservationNotFound, got %v", err)
		}
	})

	t.Run("fails when on-hand is below the reserved quantity", func(t *testing.T) {
		store := newFakeStore()
		store.variants["variant-1"] = domain.ProductVariant{ID: "variant-1", OnHand: 2, Active: true}
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-1", OrderItemID: "item-1", VariantID: "variant-1", Quantity: 4, Status: domain.ReservationStatusActive, ExpiresAt: now.Add(time.Hour)},
		}
		svc := makeSvc(store)

		err := svc.Consume(context.Background(), "item-1")
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got %v", err)
		}
	})
}

func TestLedgerService_Release(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	makeSvc := func(store *fakeStore) *LedgerService {
		return NewLedgerService(store, clock.NewFixed(now), zap.NewNop(), metrics.NewNop())
	}

	t.Run("releases an active reservation with the reason", func(t *testing.T) {
		store := newFakeStore()
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-1", OrderItemID: "item-1", VariantID: "variant-1", Quantity: 4, Status: domain.ReservationStatusActive, ExpiresAt: now.Add(time.Hour)},
		}
		svc := makeSvc(store)

		if err := svc.Release(context.Background(), "item-1", domain.ReasonPaymentRejected); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		r := store.reservationByID("res-1")
		if r.Status != domain.ReservationStatusReleased {
			t.Fatalf("expected status released, got %s", r.Status)
		}
		if r.Reason != domain.ReasonPaymentRejected {
			t.Fatalf("expected reason %s, got %s", domain.ReasonPaymentRejected, r.Reason)
		}
		if r.ReleasedAt == nil || !r.ReleasedAt.Equal(now) {
			t.Fatalf("expected released_at %v, got %v", now, r.ReleasedAt)
		}
	})

	t.Run("release of a terminal reservation is a no-op", func(t *testing.T) {
		store := newFakeStore()
		store.reservations = []domain.StockReservation{
			{ID: "res-1", OrderID: "order-1", OrderItemID: "item-1", VariantID: "variant-1", Quantity: 4, Status: domain.ReservationStatusConsumed},
		}
		svc := makeSvc(store)

		if err := svc.Release(context.Background(), "item-1", domain.ReasonPaymentRejected); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := store.reservationByID("res-1").Status; got != domain.ReservationStatusConsumed {
			t.Fatalf("expected status untouched, got %s", got)
		}
	})

	t.Run("unknown item returns not found", func(t *testing.T) {
		svc := makeSvc(newFakeStore())

		err := svc.Release(context.Background(), "item-missing", domain.ReasonPaymentRejected)
		if !errors.Is(err, domain.ErrReservationNotFound) {
			t.Fatalf("expected ErrReservationNotFound, got %v", err)
		}
	})
}
