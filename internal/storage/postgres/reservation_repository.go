package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReservationRepository backs both the ledger service and the sweeper. All
// state transitions are single UPDATE statements guarded by the expected
// prior status; the affected-row count tells the caller whether it won.
type ReservationRepository struct {
	q querier
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{q: querier{pool: pool}}
}

func (r *ReservationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.q.pool, fn)
}

const reservationColumns = `id, order_id, order_item_id, variant_id, quantity, status,
reactivation_count, expires_at, consumed_at, released_at, COALESCE(reason, ''), created_at`

func scanReservation(row pgx.Row) (domain.StockReservation, error) {
	var res domain.StockReservation
	var status string
	err := row.Scan(
		&res.ID, &res.OrderID, &res.OrderItemID, &res.VariantID, &res.Quantity, &status,
		&res.ReactivationCount, &res.ExpiresAt, &res.ConsumedAt, &res.ReleasedAt, &res.Reason, &res.CreatedAt,
	)
	if err != nil {
		return domain.StockReservation{}, err
	}
	res.Status = domain.ReservationStatus(status)
	return res, nil
}

func (r *ReservationRepository) GetVariantForUpdate(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	const query = `SELECT id, sku, on_hand, active FROM product_variants WHERE id = $1 FOR UPDATE`

	var v domain.ProductVariant
	err := r.q.queryRow(ctx, query, variantID).Scan(&v.ID, &v.SKU, &v.OnHand, &v.Active)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ProductVariant{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.ProductVariant{}, domain.ErrVariantNotFound
		}
		return domain.ProductVariant{}, fmt.Errorf("get variant: %w", err)
	}
	return v, nil
}

func (r *ReservationRepository) GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
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

// SumActiveReservations totals the quantity currently held for a variant.
// Rows past their deadline are excluded: they no longer defend stock, the
// sweeper will resolve them.
func (r *ReservationRepository) SumActiveReservations(ctx context.Context, variantID string, now time.Time) (int, error) {
	const query = `
SELECT COALESCE(SUM(quantity), 0)
FROM stock_reservations
WHERE variant_id = $1 AND status = 'active' AND expires_at > $2`

	var total int
	if err := r.q.queryRow(ctx, query, variantID, now).Scan(&total); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return total, nil
}

func (r *ReservationRepository) FindActiveByOrderItem(ctx context.Context, orderItemID string) (*domain.StockReservation, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM stock_reservations
WHERE order_item_id = $1 AND status = 'active'
FOR UPDATE`, reservationColumns)

	res, err := scanReservation(r.q.queryRow(ctx, query, orderItemID))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find active reservation: %w", err)
	}
	return &res, nil
}

func (r *ReservationRepository) GetLatestByOrderItem(ctx context.Context, orderItemID string) (*domain.StockReservation, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM stock_reservations
WHERE order_item_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`, reservationColumns)

	res, err := scanReservation(r.q.queryRow(ctx, query, orderItemID))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest reservation: %w", err)
	}
	return &res, nil
}

func (r *ReservationRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.StockReservation, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM stock_reservations
WHERE order_id = $1
ORDER BY created_at ASC, id ASC`, reservationColumns)

	rows, err := r.q.query(ctx, query, orderID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.StockReservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

func (r *ReservationRepository) CreateReservation(ctx context.Context, res domain.StockReservation) error {
	const stmt = `
INSERT INTO stock_reservations
	(id, order_id, order_item_id, variant_id, quantity, status, reactivation_count, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.q.exec(ctx, stmt,
		res.ID,
		res.OrderID,
		res.OrderItemID,
		res.VariantID,
		res.Quantity,
		res.Status,
		res.ReactivationCount,
		res.ExpiresAt,
		res.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrReservationExists
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepository) MarkConsumed(ctx context.Context, orderItemID string, now time.Time) (bool, error) {
	const stmt = `
UPDATE stock_reservations
SET status = 'consumed', consumed_at = $2, reason = 'order_paid'
WHERE order_item_id = $1 AND status = 'active'`

	tag, err := r.q.exec(ctx, stmt, orderItemID, now)
	if err != nil {
		return false, fmt.Errorf("mark consumed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ReservationRepository) MarkReleased(ctx context.Context, orderItemID, reason string, now time.Time) (bool, error) {
	const stmt = `
UPDATE stock_reservations
SET status = 'released', released_at = $2, reason = $3
WHERE order_item_id = $1 AND status = 'active'`

	tag, err := r.q.exec(ctx, stmt, orderItemID, now, reason)
	if err != nil {
		return false, fmt.Errorf("mark released: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DecrementOnHand moves consumed quantity out of on-hand stock. The
// on_hand >= quantity predicate keeps the no-oversell invariant even if a
// reservation somehow outlived its backing stock.
func (r *ReservationRepository) DecrementOnHand(ctx context.Context, variantID string, quantity int) (bool, error) {
	const stmt = `
UPDATE product_variants
SET on_hand = on_hand - $2
WHERE id = $1 AND on_hand >= $2`

	tag, err := r.q.exec(ctx, stmt, variantID, quantity)
	if err != nil {
		return false, fmt.Errorf("decrement on-hand stock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiredIDs returns reservations due for sweeping. SKIP LOCKED lets
// concurrent sweeper instances partition the batch instead of blocking on
// each other.
func (r *ReservationRepository) ListExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
SELECT id
FROM stock_reservations
WHERE status = 'active' AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

	rows, err := r.q.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	return ids, nil
}

// GetExpiredForUpdate re-reads a reservation under lock, returning nil when
// it is no longer active and expired (a consume or another sweep won).
func (r *ReservationRepository) GetExpiredForUpdate(ctx context.Context, id string, now time.Time) (*domain.StockReservation, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM stock_reservations
WHERE id = $1 AND status = 'active' AND expires_at <= $2
FOR UPDATE`, reservationColumns)

	res, err := scanReservation(r.q.queryRow(ctx, query, id, now))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get expired reservation: %w", err)
	}
	return &res, nil
}

func (r *ReservationRepository) Reactivate(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	const stmt = `
UPDATE stock_reservations
SET expires_at = $2, reactivation_count = reactivation_count + 1
WHERE id = $1 AND status = 'active' AND reactivation_count = 0`

	tag, err := r.q.exec(ctx, stmt, id, expiresAt)
	if err != nil {
		return false, fmt.Errorf("reactivate reservation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ReservationRepository) CancelByID(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	const stmt = `
UPDATE stock_reservations
SET status = 'cancelled', released_at = $2, reason = $3
WHERE id = $1 AND status = 'active'`

	tag, err := r.q.exec(ctx, stmt, id, now, reason)
	if err != nil {
		return false, fmt.Errorf("cancel reservation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ReservationRepository) CountActiveByOrder(ctx context.Context, orderID string) (int, error) {
	const query = `
SELECT COUNT(*)
FROM stock_reservations
WHERE order_id = $1 AND status = 'active'`

	var count int
	if err := r.q.queryRow(ctx, query, orderID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active reservations: %w", err)
	}
	return count, nil
}
