package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type HoldRepository struct {
	pool *pgxpool.Pool
}

func NewHoldRepository(pool *pgxpool.Pool) *HoldRepository {
	return &HoldRepository{pool: pool}
}

func (r *HoldRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *HoldRepository) CreateHold(ctx context.Context, hold domain.Hold) error {
	const holdStmt = `
INSERT INTO inventory_holds (id, shop_id, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.exec(ctx, holdStmt, hold.ID, hold.ShopID, hold.Status, hold.CreatedAt, hold.ExpiresAt); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create hold: %w", err)
	}

	const lineStmt = `
INSERT INTO inventory_hold_items (hold_id, position, sku, variant_key, variant_attributes, quantity)
VALUES ($1, $2, $3, $4, $5, $6)`

	for i, line := range hold.Lines {
		attrs, err := json.Marshal(attrsOrEmpty(line.VariantAttributes))
		if err != nil {
			return fmt.Errorf("encode variant attributes: %w", err)
		}
		if _, err := r.exec(ctx, lineStmt, hold.ID, i, line.SKU, line.VariantKey, attrs, line.Quantity); err != nil {
			return fmt.Errorf("create hold line %d: %w", i, err)
		}
	}
	return nil
}

func (r *HoldRepository) GetHold(ctx context.Context, shopID, holdID string) (domain.Hold, error) {
	const query = `
SELECT id, shop_id, status, created_at, expires_at, committed_at, released_at, release_reason, order_ref
FROM inventory_holds
WHERE id = $1 AND shop_id = $2`

	var h domain.Hold
	err := r.queryRow(ctx, query, holdID, shopID).Scan(
		&h.ID, &h.ShopID, &h.Status, &h.CreatedAt, &h.ExpiresAt,
		&h.CommittedAt, &h.ReleasedAt, &h.ReleaseReason, &h.OrderRef,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Hold{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Hold{}, domain.ErrHoldNotFound
		}
		return domain.Hold{}, fmt.Errorf("get hold: %w", err)
	}

	lines, err := r.GetHoldLines(ctx, holdID)
	if err != nil {
		return domain.Hold{}, err
	}
	h.Lines = lines
	return h, nil
}

func (r *HoldRepository) GetHoldLines(ctx context.Context, holdID string) ([]domain.HoldLine, error) {
	const query = `
SELECT sku, variant_key, variant_attributes, quantity
FROM inventory_hold_items
WHERE hold_id = $1
ORDER BY position`

	rows, err := r.query(ctx, query, holdID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("get hold lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.HoldLine
	for rows.Next() {
		var line domain.HoldLine
		var attrs []byte
		if err := rows.Scan(&line.SKU, &line.VariantKey, &attrs, &line.Quantity); err != nil {
			return nil, fmt.Errorf("scan hold line: %w", err)
		}
		if err := json.Unmarshal(attrs, &line.VariantAttributes); err != nil {
			return nil, fmt.Errorf("decode variant attributes: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// MarkCommitted performs the conditional active -> committed transition.
// It reports false when the hold was no longer active, without error.
func (r *HoldRepository) MarkCommitted(ctx context.Context, shopID, holdID, orderRef string, at time.Time) (bool, error) {
	const stmt = `
UPDATE inventory_holds
SET status = 'committed', committed_at = $3, order_ref = $4
WHERE id = $1 AND shop_id = $2 AND status = 'active'`

	tag, err := r.exec(ctx, stmt, holdID, shopID, at, orderRef)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("commit hold: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReleased performs the conditional active -> released transition.
func (r *HoldRepository) MarkReleased(ctx context.Context, shopID, holdID, reason string, at time.Time) (bool, error) {
	const stmt = `
UPDATE inventory_holds
SET status = 'released', released_at = $3, release_reason = $4
WHERE id = $1 AND shop_id = $2 AND status = 'active'`

	tag, err := r.exec(ctx, stmt, holdID, shopID, at, reason)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("release hold: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpired returns up to limit active holds whose TTL elapsed at or
// before now, oldest first.
func (r *HoldRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	const query = `
SELECT id, shop_id, status, created_at, expires_at
FROM inventory_holds
WHERE status = 'active' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()

	var holds []domain.Hold
	for rows.Next() {
		var h domain.Hold
		if err := rows.Scan(&h.ID, &h.ShopID, &h.Status, &h.CreatedAt, &h.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan expired hold: %w", err)
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// AllocationsForShop sums line quantities over active and committed holds,
// grouped by SKU and variant key.
func (r *HoldRepository) AllocationsForShop(ctx context.Context, shopID string) ([]domain.Allocation, error) {
	const query = `
SELECT i.sku, i.variant_key, COALESCE(SUM(i.quantity), 0)
FROM inventory_hold_items i
JOIN inventory_holds h ON h.id = i.hold_id
WHERE h.shop_id = $1 AND h.status IN ('active', 'committed')
GROUP BY i.sku, i.variant_key
ORDER BY i.sku, i.variant_key`

	rows, err := r.query(ctx, query, shopID)
	if err != nil {
		return nil, fmt.Errorf("allocations for shop: %w", err)
	}
	defer rows.Close()

	var allocs []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		if err := rows.Scan(&a.SKU, &a.VariantKey, &a.AllocatedQuantity); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (r *HoldRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *HoldRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *HoldRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
