package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) error {
	const stmt = `
INSERT INTO orders (id, shop_id, session_id, hold_id, deposit, payment_intent_id, flagged_for_review, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.exec(ctx, stmt,
		order.ID,
		order.ShopID,
		order.SessionID,
		order.HoldID,
		order.Deposit,
		order.PaymentIntentID,
		order.FlaggedForReview,
		order.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderExists
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetOrderByHoldID(ctx context.Context, holdID string) (*domain.Order, error) {
	return r.getOrder(ctx, `hold_id = $1`, holdID)
}

func (r *OrderRepository) GetOrderByPaymentIntent(ctx context.Context, shopID, paymentIntentID string) (*domain.Order, error) {
	return r.getOrder(ctx, `shop_id = $1 AND payment_intent_id = $2`, shopID, paymentIntentID)
}

func (r *OrderRepository) GetOrderBySession(ctx context.Context, shopID, sessionID string) (*domain.Order, error) {
	return r.getOrder(ctx, `shop_id = $1 AND session_id = $2`, shopID, sessionID)
}

// MarkRefunded records the refund timestamp once; a second call reports
// false so refund side effects are not repeated.
func (r *OrderRepository) MarkRefunded(ctx context.Context, shopID, orderID string, at time.Time) (bool, error) {
	const stmt = `
UPDATE orders
SET refunded_at = $3
WHERE id = $1 AND shop_id = $2 AND refunded_at IS NULL`

	tag, err := r.exec(ctx, stmt, orderID, shopID, at)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("mark order refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderRepository) getOrder(ctx context.Context, where string, args ...any) (*domain.Order, error) {
	query := `
SELECT id, shop_id, session_id, hold_id, deposit, payment_intent_id, flagged_for_review, refunded_at, created_at
FROM orders
WHERE ` + where

	var o domain.Order
	err := r.queryRow(ctx, query, args...).Scan(
		&o.ID, &o.ShopID, &o.SessionID, &o.HoldID, &o.Deposit,
		&o.PaymentIntentID, &o.FlaggedForReview, &o.RefundedAt, &o.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (r *OrderRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *OrderRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
