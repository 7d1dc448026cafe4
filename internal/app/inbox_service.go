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

type InboxRepository interface {
	InsertEvent(ctx context.Context, event domain.WebhookEvent) error
	MarkProcessed(ctx context.Context, provider, eventKey string, now time.Time) error
	MarkFailed(ctx context.Context, provider, eventKey, lastError string, now time.Time) error
	GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error)
	ListEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error)
	Requeue(ctx context.Context, id string) (bool, error)
	CountStuckProcessing(ctx context.Context, olderThan time.Time) (int, error)
}

// InboxService is the dedupe gate in front of all webhook-triggered business
// logic. Accept is a single unique-constraint-guarded insert: whichever
// delivery lands the row runs the work, every other delivery of the same
// (provider, event_key) is a Duplicate and must produce no business effect.
type InboxService struct {
	repo    InboxRepository
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewInboxService(repo InboxRepository, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *InboxService {
	return &InboxService{
		repo:    repo,
		clock:   clk,
		log:     log,
		metrics: m,
	}
}

// Accept records the event with status processing. It returns
// domain.ErrDuplicateEvent when the key has been seen before; the caller
// must still answer the provider with a success response in that case.
func (s *InboxService) Accept(ctx context.Context, provider, eventKey string, payload []byte) (domain.WebhookEvent, error) {
	if eventKey == "" {
		return domain.WebhookEvent{}, domain.ErrEventKeyRequired
	}

	event := domain.WebhookEvent{
		ID:         newID(),
		Provider:   provider,
		EventKey:   eventKey,
		Status:     domain.WebhookEventStatusProcessing,
		Payload:    payload,
		ReceivedAt: s.clock.Now(),
	}

	if err := s.repo.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			s.metrics.WebhookEvents.WithLabelValues(provider, "duplicate").Inc()
			s.log.Info("duplicate webhook event skipped",
				zap.String("provider", provider),
				zap.String("event_key", eventKey),
			)
		}
		return domain.WebhookEvent{}, err
	}

	s.metrics.WebhookEvents.WithLabelValues(provider, "accepted").Inc()
	s.log.Info("webhook event accepted",
		zap.String("provider", provider),
		zap.String("event_key", eventKey),
	)
	return event, nil
}

func (s *InboxService) MarkProcessed(ctx context.Context, provider, eventKey string) error {
	return s.repo.MarkProcessed(ctx, provider, eventKey, s.clock.Now())
}

func (s *InboxService) MarkFailed(ctx context.Context, provider, eventKey string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.log.Error("webhook event processing failed",
		zap.String("provider", provider),
		zap.String("event_key", eventKey),
		zap.Error(cause),
	)
	return s.repo.MarkFailed(ctx, provider, eventKey, msg, s.clock.Now())
}

// ListEvents returns recent inbox rows for the admin surface. A zero status
// lists all statuses.
func (s *InboxService) ListEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListEvents(ctx, status, limit)
}

// Requeue moves a failed event back to processing and returns it so the
// caller can re-run reconciliation. Only failed events are eligible; the
// guard keeps a concurrent retry from dispatching the same event twice.
func (s *InboxService) Requeue(ctx context.Context, id string) (domain.WebhookEvent, error) {
	ok, err := s.repo.Requeue(ctx, id)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	if !ok {
		event, err := s.repo.GetEvent(ctx, id)
		if err != nil {
			return domain.WebhookEvent{}, err
		}
		if event == nil {
			return domain.WebhookEvent{}, domain.ErrEventNotFound
		}
		return domain.WebhookEvent{}, domain.ErrEventNotRetryable
	}

	event, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	if event == nil {
		return domain.WebhookEvent{}, domain.ErrEventNotFound
	}
	s.log.Info("webhook event requeued",
		zap.String("provider", event.Provider),
		zap.String("event_key", event.EventKey),
	)
	return *event, nil
}

// SurfaceStuck reports events sitting in processing longer than threshold.
// They are alerted on, never retried blindly: the first attempt's side
// effects may already have landed.
func (s *InboxService) SurfaceStuck(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-threshold)
	count, err := s.repo.CountStuckProcessing(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.StuckWebhookEvents.Set(float64(count))
	if count > 0 {
		s.log.Warn("webhook events stuck in processing",
			zap.Int("count", count),
			zap.Duration("threshold", threshold),
		)
	}
	return count, nil
}
