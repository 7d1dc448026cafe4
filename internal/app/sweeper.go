package app

import (
	"context"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/clock"
	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
	"github.com/MatinCapisano/PatitasBigotes/internal/metrics"
	"go.uber.org/zap"
)

type SweeperRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	GetExpiredForUpdate(ctx context.Context, id string, now time.Time) (*domain.StockReservation, error)
	GetVariantForUpdate(ctx context.Context, variantID string) (domain.ProductVariant, error)
	SumActiveReservations(ctx context.Context, variantID string, now time.Time) (int, error)
	Reactivate(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	CancelByID(ctx context.Context, id, reason string, now time.Time) (bool, error)
	CountActiveByOrder(ctx context.Context, orderID string) (int, error)
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Scanned         int
	Reactivated     int
	Cancelled       int
	OrdersCancelled int
	Skipped         int
}

// Sweeper resolves reservations whose deadline has passed: one 12-hour
// extension when the variant still has free stock, otherwise a terminal
// cancellation, cascading to the parent order once no item remains viable.
// Each reservation is handled in its own transaction with status-guarded
// writes, so repeated sweeps and concurrent sweeper instances are safe.
type Sweeper struct {
	repo       SweeperRepository
	reconciler *ReconcilerService
	inbox      *InboxService
	clock      clock.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics

	interval        time.Duration
	batchSize       int
	reactivationTTL time.Duration
	stuckThreshold  time.Duration
}

type SweeperConfig struct {
	Interval        time.Duration
	BatchSize       int
	ReactivationTTL time.Duration
	StuckThreshold  time.Duration
}

func NewSweeper(repo SweeperRepository, reconciler *ReconcilerService, inbox *InboxService, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ReactivationTTL <= 0 {
		cfg.ReactivationTTL = 12 * time.Hour
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 30 * time.Minute
	}
	return &Sweeper{
		repo:            repo,
		reconciler:      reconciler,
		inbox:           inbox,
		clock:           clk,
		log:             log,
		metrics:         m,
		interval:        cfg.Interval,
		batchSize:       cfg.BatchSize,
		reactivationTTL: cfg.ReactivationTTL,
		stuckThreshold:  cfg.StuckThreshold,
	}
}

// Run polls on a fixed interval until the context is cancelled. The
// expiration trigger is time itself, so this is a plain scheduled loop, not
// an event-driven callback.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error("sweep pass failed", zap.Error(err))
				continue
			}
			if stats.Scanned > 0 {
				s.log.Info("sweep pass completed",
					zap.Int("scanned", stats.Scanned),
					zap.Int("reactivated", stats.Reactivated),
					zap.Int("cancelled", stats.Cancelled),
					zap.Int("orders_cancelled", stats.OrdersCancelled),
					zap.Int("skipped", stats.Skipped),
				)
			}
			if s.inbox != nil {
				if _, err := s.inbox.SurfaceStuck(ctx, s.stuckThreshold); err != nil {
					s.log.Error("stuck webhook event check failed", zap.Error(err))
				}
			}
		}
	}
}

// SweepOnce resolves one batch of expired reservations.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	now := s.clock.Now()
	var stats SweepStats

	ids, err := s.repo.ListExpiredIDs(ctx, now, s.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(ids)

	for _, id := range ids {
		if err := s.sweepReservation(ctx, id, now, &stats); err != nil {
			// One bad row must not starve the rest of the batch.
			s.log.Error("failed to sweep reservation",
				zap.String("reservation_id", id),
				zap.Error(err),
			)
		}
	}

	s.metrics.SweeperSweeps.Inc()
	return stats, nil
}

func (s *Sweeper) sweepReservation(ctx context.Context, id string, now time.Time, stats *SweepStats) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		reservation, err := s.repo.GetExpiredForUpdate(txCtx, id, now)
		if err != nil {
			return err
		}
		if reservation == nil {
			// A consume, release, or another sweeper got here first.
			stats.Skipped++
			s.metrics.StaleTransitions.WithLabelValues("sweep").Inc()
			s.log.Debug("expired reservation already resolved", zap.String("reservation_id", id))
			return nil
		}

		if reservation.ReactivationCount == 0 {
			available, err := s.availableStock(txCtx, reservation.VariantID, now)
			if err != nil {
				return err
			}
			if available >= reservation.Quantity {
				return s.reactivate(txCtx, *reservation, now, stats)
			}
			return s.cancel(txCtx, *reservation, domain.ReasonInsufficientStock, now, stats)
		}

		// The single extension was already spent.
		return s.cancel(txCtx, *reservation, domain.ReasonExpired, now, stats)
	})
}

func (s *Sweeper) availableStock(ctx context.Context, variantID string, now time.Time) (int, error) {
	variant, err := s.repo.GetVariantForUpdate(ctx, variantID)
	if err != nil {
		return 0, err
	}
	reserved, err := s.repo.SumActiveReservations(ctx, variantID, now)
	if err != nil {
		return 0, err
	}
	return variant.OnHand - reserved, nil
}

func (s *Sweeper) reactivate(ctx context.Context, reservation domain.StockReservation, now time.Time, stats *SweepStats) error {
	expiresAt := now.Add(s.reactivationTTL)
	ok, err := s.repo.Reactivate(ctx, reservation.ID, expiresAt)
	if err != nil {
		return err
	}
	if !ok {
		stats.Skipped++
		s.metrics.StaleTransitions.WithLabelValues("reactivate").Inc()
		return nil
	}

	stats.Reactivated++
	s.metrics.ReservationsReactivated.Inc()
	s.log.Info("reservation reactivated",
		zap.String("reservation_id", reservation.ID),
		zap.String("order_id", reservation.OrderID),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

func (s *Sweeper) cancel(ctx context.Context, reservation domain.StockReservation, reason string, now time.Time, stats *SweepStats) error {
	ok, err := s.repo.CancelByID(ctx, reservation.ID, reason, now)
	if err != nil {
		return err
	}
	if !ok {
		stats.Skipped++
		s.metrics.StaleTransitions.WithLabelValues("sweep").Inc()
		return nil
	}

	stats.Cancelled++
	s.metrics.ReservationsReleased.WithLabelValues(reason).Inc()
	s.log.Info("reservation cancelled",
		zap.String("reservation_id", reservation.ID),
		zap.String("order_id", reservation.OrderID),
		zap.String("reason", reason),
	)

	remaining, err := s.repo.CountActiveByOrder(ctx, reservation.OrderID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	if err := s.reconciler.CancelOrderForExpiredStock(ctx, reservation.OrderID); err != nil {
		return err
	}
	stats.OrdersCancelled++
	return nil
}
