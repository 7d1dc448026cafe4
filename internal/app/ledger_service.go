package app

import (
	"context"
	"errors"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/clock"
	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
	"github.com/MatinCapisano/PatitasBigotes/internal/metrics"
	"go.uber.org/zap"
)

type LedgerRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	GetVariantForUpdate(ctx context.Context, variantID string) (domain.ProductVariant, error)
	SumActiveReservations(ctx context.Context, variantID string, now time.Time) (int, error)
	FindActiveByOrderItem(ctx context.Context, orderItemID string) (*domain.StockReservation, error)
	GetLatestByOrderItem(ctx context.Context, orderItemID string) (*domain.StockReservation, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.StockReservation, error)
	CreateReservation(ctx context.Context, r domain.StockReservation) error
	MarkConsumed(ctx context.Context, orderItemID string, now time.Time) (bool, error)
	MarkReleased(ctx context.Context, orderItemID, reason string, now time.Time) (bool, error)
	DecrementOnHand(ctx context.Context, variantID string, quantity int) (bool, error)
}

// LedgerService owns the stock reservation lifecycle: creation at checkout,
// consumption on payment, release on rejection or cancellation. Every
// transition is a status-guarded write so concurrent racers lose cleanly.
type LedgerService struct {
	repo    LedgerRepository
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	ttl     time.Duration
}

const defaultReservationTTL = 42 * time.Hour

func NewLedgerService(repo LedgerRepository, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, opts ...LedgerOption) *LedgerService {
	svc := &LedgerService{
		repo:    repo,
		clock:   clk,
		log:     log,
		metrics: m,
		ttl:     defaultReservationTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type LedgerOption func(*LedgerService)

// WithReservationTTL overrides how long a new reservation holds stock.
func WithReservationTTL(d time.Duration) LedgerOption {
	return func(s *LedgerService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

type ReserveItem struct {
	OrderItemID string
	VariantID   string
	Quantity    int
}

type ReserveOrderInput struct {
	OrderID string
	Items   []ReserveItem
}

// ReserveOrder reserves stock for every item of a submitted order inside one
// transaction: either all items get an active reservation or none do. Items
// that already hold an active reservation are returned as-is, so checkout
// retries are idempotent.
func (s *LedgerService) ReserveOrder(ctx context.Context, in ReserveOrderInput) ([]domain.StockReservation, error) {
	if len(in.Items) == 0 {
		return nil, domain.ErrOrderStateConflict
	}
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
	}

	now := s.clock.Now()
	result := make([]domain.StockReservation, 0, len(in.Items))

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, in.OrderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusSubmitted {
			return domain.ErrOrderStateConflict
		}

		for _, item := range in.Items {
			existing, err := s.repo.FindActiveByOrderItem(txCtx, item.OrderItemID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = append(result, *existing)
				continue
			}

			reservation, err := s.reserveItem(txCtx, in.OrderID, item, now)
			if err != nil {
				return err
			}
			result = append(result, reservation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// reserveItem checks availability and inserts one active reservation. The
// variant row is locked first, so the availability read and the insert are
// serialized against concurrent checkouts for the same variant.
func (s *LedgerService) reserveItem(ctx context.Context, orderID string, item ReserveItem, now time.Time) (domain.StockReservation, error) {
	variant, err := s.repo.GetVariantForUpdate(ctx, item.VariantID)
	if err != nil {
		return domain.StockReservation{}, err
	}
	if !variant.Active {
		return domain.StockReservation{}, domain.ErrVariantNotFound
	}

	reserved, err := s.repo.SumActiveReservations(ctx, item.VariantID, now)
	if err != nil {
		return domain.StockReservation{}, err
	}
	available := variant.OnHand - reserved
	if item.Quantity > available {
		return domain.StockReservation{}, &domain.InsufficientStockError{
			OrderItemID: item.OrderItemID,
			VariantID:   item.VariantID,
			Requested:   item.Quantity,
			Available:   available,
		}
	}

	reservation := domain.StockReservation{
		ID:          newID(),
		OrderID:     orderID,
		OrderItemID: item.OrderItemID,
		VariantID:   item.VariantID,
		Quantity:    item.Quantity,
		Status:      domain.ReservationStatusActive,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}

	if err := s.repo.CreateReservation(ctx, reservation); err != nil {
		// The partial unique index is the backstop for two checkouts racing
		// on the same item; the loser adopts the winner's row.
		if errors.Is(err, domain.ErrReservationExists) {
			existing, findErr := s.repo.FindActiveByOrderItem(ctx, item.OrderItemID)
			if findErr != nil {
				return domain.StockReservation{}, findErr
			}
			if existing != nil {
				return *existing, nil
			}
			return domain.StockReservation{}, err
		}
		return domain.StockReservation{}, err
	}

	s.metrics.ReservationsCreated.Inc()
	s.log.Info("reservation created",
		zap.String("reservation_id", reservation.ID),
		zap.String("order_id", orderID),
		zap.String("order_item_id", item.OrderItemID),
		zap.String("variant_id", item.VariantID),
		zap.Int("quantity", item.Quantity),
		zap.Time("expires_at", reservation.ExpiresAt),
	)
	return reservation, nil
}

// Consume transitions the item's active reservation to consumed and moves
// the held quantity out of on-hand stock. Calling it again for an already
// consumed reservation is a no-op. A released or cancelled reservation
// returns ErrReservationNotActive so the caller can decide the order's fate.
func (s *LedgerService) Consume(ctx context.Context, orderItemID string) error {
	now := s.clock.Now()

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		reservation, err := s.repo.FindActiveByOrderItem(txCtx, orderItemID)
		if err != nil {
			return err
		}
		if reservation == nil {
			latest, err := s.repo.GetLatestByOrderItem(txCtx, orderItemID)
			if err != nil {
				return err
			}
			if latest == nil {
				return domain.ErrReservationNotFound
			}
			if latest.Status == domain.ReservationStatusConsumed {
				return nil
			}
			return domain.ErrReservationNotActive
		}

		ok, err := s.repo.DecrementOnHand(txCtx, reservation.VariantID, reservation.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.InsufficientStockError{
				OrderItemID: orderItemID,
				VariantID:   reservation.VariantID,
				Requested:   reservation.Quantity,
			}
		}

		ok, err = s.repo.MarkConsumed(txCtx, orderItemID, now)
		if err != nil {
			return err
		}
		if !ok {
			// The row moved between our read and the guarded write.
			s.metrics.StaleTransitions.WithLabelValues("consume").Inc()
			return domain.ErrStaleTransition
		}

		s.metrics.ReservationsConsumed.Inc()
		s.log.Info("reservation consumed",
			zap.String("reservation_id", reservation.ID),
			zap.String("order_item_id", orderItemID),
		)
		return nil
	})
}

// Release transitions active -> released with the given reason. It is
// idempotent: an item whose reservation already reached a terminal status is
// left untouched and logged at low severity.
func (s *LedgerService) Release(ctx context.Context, orderItemID, reason string) error {
	now := s.clock.Now()

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.MarkReleased(txCtx, orderItemID, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			latest, err := s.repo.GetLatestByOrderItem(txCtx, orderItemID)
			if err != nil {
				return err
			}
			if latest == nil {
				return domain.ErrReservationNotFound
			}
			s.metrics.StaleTransitions.WithLabelValues("release").Inc()
			s.log.Debug("release skipped, reservation not active",
				zap.String("order_item_id", orderItemID),
				zap.String("status", string(latest.Status)),
			)
			return nil
		}

		s.metrics.ReservationsReleased.WithLabelValues(reason).Inc()
		s.log.Info("reservation released",
			zap.String("order_item_id", orderItemID),
			zap.String("reason", reason),
		)
		return nil
	})
}

// ListForOrder returns the order's full reservation history, newest last.
func (s *LedgerService) ListForOrder(ctx context.Context, orderID string) ([]domain.StockReservation, error) {
	return s.repo.ListByOrder(ctx, orderID)
}
