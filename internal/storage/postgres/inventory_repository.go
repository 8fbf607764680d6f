package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type InventoryRepository struct {
	pool *pgxpool.Pool
}

func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

func (r *InventoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *InventoryRepository) GetItem(ctx context.Context, shopID, sku, variantKey string) (domain.InventoryItem, error) {
	const query = `
SELECT shop_id, sku, variant_key, variant_attributes, quantity
FROM inventory_items
WHERE shop_id = $1 AND sku = $2 AND variant_key = $3`

	var item domain.InventoryItem
	var attrs []byte
	err := r.queryRow(ctx, query, shopID, sku, variantKey).
		Scan(&item.ShopID, &item.SKU, &item.VariantKey, &attrs, &item.Quantity)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.InventoryItem{}, domain.ErrItemNotFound
		}
		return domain.InventoryItem{}, fmt.Errorf("get inventory item: %w", err)
	}
	if err := json.Unmarshal(attrs, &item.VariantAttributes); err != nil {
		return domain.InventoryItem{}, fmt.Errorf("decode variant attributes: %w", err)
	}
	return item, nil
}

func (r *InventoryRepository) ListItems(ctx context.Context, shopID string) ([]domain.InventoryItem, error) {
	const query = `
SELECT shop_id, sku, variant_key, variant_attributes, quantity
FROM inventory_items
WHERE shop_id = $1
ORDER BY sku, variant_key`

	rows, err := r.query(ctx, query, shopID)
	if err != nil {
		return nil, fmt.Errorf("list inventory items: %w", err)
	}
	defer rows.Close()

	var items []domain.InventoryItem
	for rows.Next() {
		var item domain.InventoryItem
		var attrs []byte
		if err := rows.Scan(&item.ShopID, &item.SKU, &item.VariantKey, &attrs, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan inventory item: %w", err)
		}
		if err := json.Unmarshal(attrs, &item.VariantAttributes); err != nil {
			return nil, fmt.Errorf("decode variant attributes: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *InventoryRepository) UpsertItem(ctx context.Context, item domain.InventoryItem) error {
	const stmt = `
INSERT INTO inventory_items (shop_id, sku, variant_key, variant_attributes, quantity, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (shop_id, sku, variant_key)
DO UPDATE SET variant_attributes = EXCLUDED.variant_attributes,
	quantity = EXCLUDED.quantity,
	updated_at = NOW()`

	attrs, err := json.Marshal(attrsOrEmpty(item.VariantAttributes))
	if err != nil {
		return fmt.Errorf("encode variant attributes: %w", err)
	}
	if _, err := r.exec(ctx, stmt, item.ShopID, item.SKU, item.VariantKey, attrs, item.Quantity); err != nil {
		if isCheckViolation(err) {
			return domain.ErrInvalidQuantity
		}
		return fmt.Errorf("upsert inventory item: %w", err)
	}
	return nil
}

// AdjustQuantity applies a signed delta to available quantity. The quantity
// guard rejects adjustments that would take the count below zero.
func (r *InventoryRepository) AdjustQuantity(ctx context.Context, shopID, sku, variantKey string, delta int) (domain.InventoryItem, error) {
	const stmt = `
UPDATE inventory_items
SET quantity = quantity + $4, updated_at = NOW()
WHERE shop_id = $1 AND sku = $2 AND variant_key = $3 AND quantity + $4 >= 0
RETURNING shop_id, sku, variant_key, variant_attributes, quantity`

	var item domain.InventoryItem
	var attrs []byte
	err := r.queryRow(ctx, stmt, shopID, sku, variantKey, delta).
		Scan(&item.ShopID, &item.SKU, &item.VariantKey, &attrs, &item.Quantity)
	if err != nil {
		if err == pgx.ErrNoRows {
			exists, existsErr := r.itemExists(ctx, shopID, sku, variantKey)
			if existsErr != nil {
				return domain.InventoryItem{}, existsErr
			}
			if !exists {
				return domain.InventoryItem{}, domain.ErrItemNotFound
			}
			return domain.InventoryItem{}, domain.ErrInvalidQuantity
		}
		return domain.InventoryItem{}, fmt.Errorf("adjust %s/%s: %w", sku, variantKey, err)
	}
	if err := json.Unmarshal(attrs, &item.VariantAttributes); err != nil {
		return domain.InventoryItem{}, fmt.Errorf("decode variant attributes: %w", err)
	}
	return item, nil
}

// ReserveLines decrements available quantity for every line. Callers must
// run it inside WithTx so a failed line rolls back the earlier decrements.
func (r *InventoryRepository) ReserveLines(ctx context.Context, shopID string, lines []domain.HoldLine) error {
	const stmt = `
UPDATE inventory_items
SET quantity = quantity - $4, updated_at = NOW()
WHERE shop_id = $1 AND sku = $2 AND variant_key = $3 AND quantity >= $4`

	for _, line := range lines {
		tag, err := r.exec(ctx, stmt, shopID, line.SKU, line.VariantKey, line.Quantity)
		if err != nil {
			return fmt.Errorf("reserve %s/%s: %w", line.SKU, line.VariantKey, err)
		}
		if tag.RowsAffected() == 0 {
			exists, err := r.itemExists(ctx, shopID, line.SKU, line.VariantKey)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrItemNotFound
			}
			return domain.ErrInsufficientStock
		}
	}
	return nil
}

// RestoreLines returns previously reserved quantity to available stock.
// Idempotency is provided by the caller's hold status transition, never by
// re-checking quantities here.
func (r *InventoryRepository) RestoreLines(ctx context.Context, shopID string, lines []domain.HoldLine) error {
	const stmt = `
UPDATE inventory_items
SET quantity = quantity + $4, updated_at = NOW()
WHERE shop_id = $1 AND sku = $2 AND variant_key = $3`

	for _, line := range lines {
		tag, err := r.exec(ctx, stmt, shopID, line.SKU, line.VariantKey, line.Quantity)
		if err != nil {
			return fmt.Errorf("restore %s/%s: %w", line.SKU, line.VariantKey, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrItemNotFound
		}
	}
	return nil
}

func (r *InventoryRepository) itemExists(ctx context.Context, shopID, sku, variantKey string) (bool, error) {
	var exists bool
	err := r.queryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM inventory_items WHERE shop_id = $1 AND sku = $2 AND variant_key = $3)`,
		shopID, sku, variantKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check inventory item: %w", err)
	}
	return exists, nil
}

func attrsOrEmpty(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}

func (r *InventoryRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *InventoryRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *InventoryRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
