package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/clock"
	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
	"github.com/MatinCapisano/PatitasBigotes/internal/metrics"
	"go.uber.org/zap"
)

type ReconcilerRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string, now time.Time) (bool, error)
	ListOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	SettlePendingPayments(ctx context.Context, orderID string, to domain.PaymentStatus, providerStatus string, now time.Time) (int, error)
}

// Notification is the provider-agnostic shape of a payment webhook body.
// ID is the provider's stable identifier for the logical notification.
type Notification struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

// EventKey builds the provider-scoped idempotency key for a notification.
func (n Notification) EventKey() string {
	return n.Type + ":" + n.ID
}

// Notification types understood by the reconciler.
const (
	EventPaymentApproved  = "payment.approved"
	EventPaymentRejected  = "payment.rejected"
	EventPaymentCancelled = "payment.cancelled"
)

// ProcessOutcome reports what a deduplicated notification did. Processed is
// false for benign no-ops (unsupported type, unknown order); Reason says why.
type ProcessOutcome struct {
	Processed bool
	Reason    string
}

// ReconcilerService translates deduplicated payment events and sweeper
// outcomes into order-status transitions and ledger calls.
type ReconcilerService struct {
	repo    ReconcilerRepository
	ledger  *LedgerService
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewReconcilerService(repo ReconcilerRepository, ledger *LedgerService, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *ReconcilerService {
	return &ReconcilerService{
		repo:    repo,
		ledger:  ledger,
		clock:   clk,
		log:     log,
		metrics: m,
	}
}

// ProcessNotification parses and dispatches one deduplicated provider
// notification. Unknown event types and unknown orders are no-ops, not
// errors: the event is consumed so the provider stops retrying it.
func (s *ReconcilerService) ProcessNotification(ctx context.Context, provider string, payload []byte) (ProcessOutcome, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return ProcessOutcome{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.OrderID == "" {
		return ProcessOutcome{Reason: "missing_order_id"}, nil
	}

	log := s.log.With(
		zap.String("provider", provider),
		zap.String("order_id", n.OrderID),
		zap.String("event_type", n.Type),
	)

	switch n.Type {
	case EventPaymentApproved:
		outcome, err := s.applyPaymentApproved(ctx, n.OrderID)
		if err != nil {
			return ProcessOutcome{}, err
		}
		log.Info("payment approval reconciled", zap.Bool("processed", outcome.Processed), zap.String("reason", outcome.Reason))
		return outcome, nil
	case EventPaymentRejected, EventPaymentCancelled:
		outcome, err := s.applyPaymentRejected(ctx, n.OrderID)
		if err != nil {
			return ProcessOutcome{}, err
		}
		log.Info("payment rejection reconciled", zap.Bool("processed", outcome.Processed), zap.String("reason", outcome.Reason))
		return outcome, nil
	default:
		log.Info("unsupported notification type skipped")
		return ProcessOutcome{Reason: "unsupported_event"}, nil
	}
}

// applyPaymentApproved consumes every item's reservation and marks the order
// paid. If any item is no longer honorable (reservation released, cancelled
// or missing), the order goes to manual review instead; nothing is consumed
// and nothing is refunded automatically.
func (s *ReconcilerService) applyPaymentApproved(ctx context.Context, orderID string) (ProcessOutcome, error) {
	now := s.clock.Now()
	var outcome ProcessOutcome

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				outcome = ProcessOutcome{Reason: "order_not_found"}
				return nil
			}
			return err
		}

		switch order.Status {
		case domain.OrderStatusPaid:
			// A redelivery that slipped past the inbox with a fresh key.
			outcome = ProcessOutcome{Reason: "already_paid"}
			return nil
		case domain.OrderStatusReview:
			outcome = ProcessOutcome{Reason: "under_review"}
			return nil
		case domain.OrderStatusCancelled:
			return s.flagForReview(txCtx, orderID, domain.OrderStatusCancelled, now, &outcome)
		}

		items, err := s.repo.ListOrderItems(txCtx, orderID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			outcome = ProcessOutcome{Reason: "order_has_no_items"}
			return nil
		}

		honorable, err := s.orderHonorable(txCtx, orderID, items)
		if err != nil {
			return err
		}
		if !honorable {
			return s.flagForReview(txCtx, orderID, domain.OrderStatusSubmitted, now, &outcome)
		}

		for _, item := range items {
			if err := s.ledger.Consume(txCtx, item.ID); err != nil {
				return fmt.Errorf("consume item %s: %w", item.ID, err)
			}
		}

		ok, err := s.repo.UpdateOrderStatus(txCtx, orderID, domain.OrderStatusSubmitted, domain.OrderStatusPaid, "", now)
		if err != nil {
			return err
		}
		if !ok {
			s.metrics.StaleTransitions.WithLabelValues("order_paid").Inc()
			return domain.ErrStaleTransition
		}

		if _, err := s.repo.SettlePendingPayments(txCtx, orderID, domain.PaymentStatusApproved, "payment_approved", now); err != nil {
			return err
		}

		outcome = ProcessOutcome{Processed: true}
		return nil
	})
	if err != nil {
		return ProcessOutcome{}, err
	}
	return outcome, nil
}

// orderHonorable reports whether every item still holds an active or
// consumed reservation. Statuses are read at decision time, never cached:
// reservations mutate independently of the order row.
func (s *ReconcilerService) orderHonorable(ctx context.Context, orderID string, items []domain.OrderItem) (bool, error) {
	reservations, err := s.ledger.ListForOrder(ctx, orderID)
	if err != nil {
		return false, err
	}

	viable := make(map[string]bool, len(items))
	for _, r := range reservations {
		if r.Status == domain.ReservationStatusActive || r.Status == domain.ReservationStatusConsumed {
			viable[r.OrderItemID] = true
		}
	}
	for _, item := range items {
		if !viable[item.ID] {
			return false, nil
		}
	}
	return true, nil
}

func (s *ReconcilerService) flagForReview(ctx context.Context, orderID string, from domain.OrderStatus, now time.Time, outcome *ProcessOutcome) error {
	ok, err := s.repo.UpdateOrderStatus(ctx, orderID, from, domain.OrderStatusReview, "payment_after_reservation_lapse", now)
	if err != nil {
		return err
	}
	if ok {
		s.metrics.OrdersFlaggedForReview.Inc()
		s.log.Warn("order flagged for manual review",
			zap.String("order_id", orderID),
			zap.String("previous_status", string(from)),
		)
	}
	*outcome = ProcessOutcome{Processed: true, Reason: "flagged_for_review"}
	return nil
}

// applyPaymentRejected releases every item's reservation and cancels the
// order. Safe to replay: releases are no-ops on terminal reservations and
// the order transition is status-guarded.
func (s *ReconcilerService) applyPaymentRejected(ctx context.Context, orderID string) (ProcessOutcome, error) {
	now := s.clock.Now()
	var outcome ProcessOutcome

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				outcome = ProcessOutcome{Reason: "order_not_found"}
				return nil
			}
			return err
		}
		if order.Status != domain.OrderStatusSubmitted {
			outcome = ProcessOutcome{Reason: "order_not_open"}
			return nil
		}

		items, err := s.repo.ListOrderItems(txCtx, orderID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := s.ledger.Release(txCtx, item.ID, domain.ReasonPaymentRejected); err != nil {
				if errors.Is(err, domain.ErrReservationNotFound) {
					continue
				}
				return fmt.Errorf("release item %s: %w", item.ID, err)
			}
		}

		ok, err := s.repo.UpdateOrderStatus(txCtx, orderID, domain.OrderStatusSubmitted, domain.OrderStatusCancelled, domain.ReasonPaymentRejected, now)
		if err != nil {
			return err
		}
		if !ok {
			s.metrics.StaleTransitions.WithLabelValues("order_cancelled").Inc()
			outcome = ProcessOutcome{Reason: "order_not_open"}
			return nil
		}

		if _, err := s.repo.SettlePendingPayments(txCtx, orderID, domain.PaymentStatusRejected, "payment_rejected", now); err != nil {
			return err
		}

		outcome = ProcessOutcome{Processed: true}
		return nil
	})
	if err != nil {
		return ProcessOutcome{}, err
	}
	return outcome, nil
}

// CancelOrderForExpiredStock is invoked by the sweeper once an order has no
// viable reservation left. The guarded transition makes repeated sweeps and
// concurrent sweepers converge on a single cancellation.
func (s *ReconcilerService) CancelOrderForExpiredStock(ctx context.Context, orderID string) error {
	now := s.clock.Now()

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.UpdateOrderStatus(txCtx, orderID, domain.OrderStatusSubmitted, domain.OrderStatusCancelled, domain.ReasonStockExpired, now)
		if err != nil {
			return err
		}
		if !ok {
			s.metrics.StaleTransitions.WithLabelValues("order_cancelled").Inc()
			s.log.Debug("order cancellation skipped, not submitted", zap.String("order_id", orderID))
			return nil
		}

		cancelled, err := s.repo.SettlePendingPayments(txCtx, orderID, domain.PaymentStatusCancelled, "order_cancelled_reservation_expired", now)
		if err != nil {
			return err
		}

		s.log.Info("order cancelled for expired stock",
			zap.String("order_id", orderID),
			zap.Int("payments_cancelled", cancelled),
		)
		return nil
	})
}
