package app

import (
	"context"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type InventoryRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetItem(ctx context.Context, shopID, sku, variantKey string) (domain.InventoryItem, error)
	ListItems(ctx context.Context, shopID string) ([]domain.InventoryItem, error)
	UpsertItem(ctx context.Context, item domain.InventoryItem) error
	AdjustQuantity(ctx context.Context, shopID, sku, variantKey string, delta int) (domain.InventoryItem, error)
	ReserveLines(ctx context.Context, shopID string, lines []domain.HoldLine) error
	RestoreLines(ctx context.Context, shopID string, lines []domain.HoldLine) error
}

// InventoryService exposes the read and restocking surface of the inventory
// store. Reservation and restore run through the hold lifecycle, never here.
type InventoryService struct {
	repo InventoryRepository
}

func NewInventoryService(repo InventoryRepository) *InventoryService {
	return &InventoryService{repo: repo}
}

type UpsertItemInput struct {
	ShopID            string
	SKU               string
	VariantAttributes map[string]string
	Quantity          int
}

// UpsertItem sets the absolute available quantity for a SKU/variant. This is
// the external restocking operation; it does not touch holds.
func (s *InventoryService) UpsertItem(ctx context.Context, in UpsertItemInput) (domain.InventoryItem, error) {
	if in.ShopID == "" || in.SKU == "" {
		return domain.InventoryItem{}, domain.ErrInvalidID
	}
	if in.Quantity < 0 {
		return domain.InventoryItem{}, domain.ErrInvalidQuantity
	}

	item := domain.InventoryItem{
		ShopID:            in.ShopID,
		SKU:               in.SKU,
		VariantKey:        domain.VariantKeyFor(in.VariantAttributes),
		VariantAttributes: in.VariantAttributes,
		Quantity:          in.Quantity,
	}
	if err := s.repo.UpsertItem(ctx, item); err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

// AdjustQuantity applies a signed restock delta. The store rejects deltas
// that would push the available count negative.
func (s *InventoryService) AdjustQuantity(ctx context.Context, shopID, sku string, attrs map[string]string, delta int) (domain.InventoryItem, error) {
	if shopID == "" || sku == "" {
		return domain.InventoryItem{}, domain.ErrInvalidID
	}
	if delta == 0 {
		return domain.InventoryItem{}, domain.ErrInvalidQuantity
	}
	return s.repo.AdjustQuantity(ctx, shopID, sku, domain.VariantKeyFor(attrs), delta)
}

func (s *InventoryService) GetItem(ctx context.Context, shopID, sku, variantKey string) (domain.InventoryItem, error) {
	if shopID == "" || sku == "" {
		return domain.InventoryItem{}, domain.ErrInvalidID
	}
	return s.repo.GetItem(ctx, shopID, sku, variantKey)
}

func (s *InventoryService) ListItems(ctx context.Context, shopID string) ([]domain.InventoryItem, error) {
	if shopID == "" {
		return nil, domain.ErrInvalidID
	}
	return s.repo.ListItems(ctx, shopID)
}
