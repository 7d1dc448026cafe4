package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepository gives the reconciler its view of orders, items and
// payments. Order rows are owned by checkout; this repository only moves
// status through guarded transitions and settles pending payments.
type OrderRepository struct {
	q querier
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{q: querier{pool: pool}}
}

func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.q.pool, fn)
}

func (r *OrderRepository) GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	const query = `
SELECT id, status, submitted_at, paid_at, cancelled_at, COALESCE(cancel_reason, '')
FROM orders
WHERE id = $1
FOR UPDATE`

	var o domain.Order
	var status string
	err := r.q.queryRow(ctx, query, orderID).
		Scan(&o.ID, &status, &o.SubmittedAt, &o.PaidAt, &o.CancelledAt, &o.CancelReason)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Order{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// UpdateOrderStatus performs the status-guarded order transition. paid_at
// and cancelled_at are set by the transition that reaches the status, never
// overwritten afterwards.
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, reason string, now time.Time) (bool, error) {
	const stmt = `
UPDATE orders
SET status = $3,
    paid_at = CASE WHEN $3 = 'paid' THEN $4 ELSE paid_at END,
    cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END,
    cancel_reason = CASE WHEN $5 = '' THEN cancel_reason ELSE $5 END
WHERE id = $1 AND status = $2`

	tag, err := r.q.exec(ctx, stmt, orderID, from, to, now, reason)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *OrderRepository) ListOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	const query = `
SELECT id, order_id, variant_id, quantity
FROM order_items
WHERE order_id = $1
ORDER BY id ASC`

	rows, err := r.q.query(ctx, query, orderID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.VariantID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	return out, nil
}

// SettlePendingPayments moves every pending payment of the order to the
// given terminal status, recording the provider-facing explanation.
func (r *OrderRepository) SettlePendingPayments(ctx context.Context, orderID string, to domain.PaymentStatus, providerStatus string, now time.Time) (int, error) {
	const stmt = `
UPDATE payments
SET status = $2, provider_status = $3, updated_at = $4
WHERE order_id = $1 AND status = 'pending'`

	tag, err := r.q.exec(ctx, stmt, orderID, to, providerStatus, now)
	if err != nil {
		return 0, fmt.Errorf("settle pending payments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
