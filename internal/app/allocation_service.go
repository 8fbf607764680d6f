package app

import (
	"context"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type AllocationRepository interface {
	AllocationsForShop(ctx context.Context, shopID string) ([]domain.Allocation, error)
}

// AllocationService reports the quantity currently bound to active and
// committed holds per SKU/variant. Read-only; released holds contribute
// nothing.
type AllocationService struct {
	repo AllocationRepository
}

func NewAllocationService(repo AllocationRepository) *AllocationService {
	return &AllocationService{repo: repo}
}

func (s *AllocationService) AllocationsForShop(ctx context.Context, shopID string) ([]domain.Allocation, error) {
	if shopID == "" {
		return nil, domain.ErrInvalidID
	}
	return s.repo.AllocationsForShop(ctx, shopID)
}
