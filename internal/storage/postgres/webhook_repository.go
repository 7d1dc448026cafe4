package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookRepository persists the inbox. The unique index on
// (provider, event_key) is the dedupe mechanism: the insert either lands or
// reports domain.ErrDuplicateEvent, no check-then-act window.
type WebhookRepository struct {
	q querier
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{q: querier{pool: pool}}
}

const webhookColumns = `id, provider, event_key, status, payload, received_at, processed_at, COALESCE(last_error, '')`

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var status string
	err := row.Scan(&e.ID, &e.Provider, &e.EventKey, &status, &e.Payload, &e.ReceivedAt, &e.ProcessedAt, &e.LastError)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	e.Status = domain.WebhookEventStatus(status)
	return e, nil
}

func (r *WebhookRepository) InsertEvent(ctx context.Context, event domain.WebhookEvent) error {
	const stmt = `
INSERT INTO webhook_events (id, provider, event_key, status, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.q.exec(ctx, stmt,
		event.ID,
		event.Provider,
		event.EventKey,
		event.Status,
		event.Payload,
		event.ReceivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateEvent
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (r *WebhookRepository) MarkProcessed(ctx context.Context, provider, eventKey string, now time.Time) error {
	const stmt = `
UPDATE webhook_events
SET status = 'processed', processed_at = $3, last_error = NULL
WHERE provider = $1 AND event_key = $2 AND status = 'processing'`

	tag, err := r.q.exec(ctx, stmt, provider, eventKey, now)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (r *WebhookRepository) MarkFailed(ctx context.Context, provider, eventKey, lastError string, now time.Time) error {
	const stmt = `
UPDATE webhook_events
SET status = 'failed', processed_at = $3, last_error = $4
WHERE provider = $1 AND event_key = $2 AND status = 'processing'`

	tag, err := r.q.exec(ctx, stmt, provider, eventKey, now, lastError)
	if err != nil {
		return fmt.Errorf("mark webhook event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (r *WebhookRepository) GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_events WHERE id = $1`, webhookColumns)

	event, err := scanWebhookEvent(r.q.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return &event, nil
}

func (r *WebhookRepository) ListEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM webhook_events
WHERE ($1 = '' OR status = $1)
ORDER BY received_at DESC
LIMIT $2`, webhookColumns)

	rows, err := r.q.query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	return out, nil
}

// Requeue moves failed -> processing so the event can be re-dispatched. The
// status guard keeps two concurrent retries from both running it.
func (r *WebhookRepository) Requeue(ctx context.Context, id string) (bool, error) {
	const stmt = `
UPDATE webhook_events
SET status = 'processing', processed_at = NULL, last_error = NULL
WHERE id = $1 AND status = 'failed'`

	tag, err := r.q.exec(ctx, stmt, id)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("requeue webhook event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *WebhookRepository) CountStuckProcessing(ctx context.Context, olderThan time.Time) (int, error) {
	const query = `
SELECT COUNT(*)
FROM webhook_events
WHERE status = 'processing' AND received_at < $1`

	var count int
	if err := r.q.queryRow(ctx, query, olderThan).Scan(&count); err != nil {
		return 0, fmt.Errorf("count stuck webhook events: %w", err)
	}
	return count, nil
}
