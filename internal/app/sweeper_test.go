package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PeterCowling/base-shop-sub075/internal/clock"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
	"github.com/PeterCowling/base-shop-sub075/internal/storage/memory"
)

type stubHoldReleaser struct {
	releaseErr error
	hold       domain.Hold
	getErr     error
}

func (s *stubHoldReleaser) ReleaseHold(context.Context, string, string, string) error {
	return s.releaseErr
}

func (s *stubHoldReleaser) GetHold(context.Context, string, string) (domain.Hold, error) {
	return s.hold, s.getErr
}

func TestSweeper_RunOnce(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	later := start.Add(11 * time.Minute)

	setup := func(t *testing.T) (*memory.Store, *HoldService) {
		store := memory.NewStore()
		require.NoError(t, store.UpsertItem(context.Background(),
			domain.InventoryItem{ShopID: "shop-1", SKU: "tee", Quantity: 20}))
		svc := NewHoldService(store, store, store, clock.NewFixed(start), zap.NewNop())
		return store, svc
	}

	createHold := func(t *testing.T, svc *HoldService, qty int) domain.Hold {
		hold, err := svc.CreateHold(context.Background(), CreateHoldInput{
			ShopID: "shop-1",
			Lines:  []CreateHoldLine{{SKU: "tee", Quantity: qty}},
		})
		require.NoError(t, err)
		return hold
	}

	// The sweeper and the releasing service run with a clock past every
	// hold's expiry; holds are created at start with the default TTL.
	newSweeper := func(store *memory.Store) (*Sweeper, *HoldService) {
		svc := NewHoldService(store, store, store, clock.NewFixed(later), zap.NewNop())
		return NewSweeper(store, svc, clock.NewFixed(later), zap.NewNop(), time.Second, 100), svc
	}

	t.Run("releases expired holds and restores stock", func(t *testing.T) {
		store, svc := setup(t)
		expired := createHold(t, svc, 3)
		committed := createHold(t, svc, 2)
		require.NoError(t, svc.CommitHold(context.Background(), "shop-1", committed.ID, "order-1"))

		sweeper, _ := newSweeper(store)
		result, err := sweeper.RunOnce(context.Background())
		require.NoError(t, err)

		require.Equal(t, 1, result.Scanned)
		require.Equal(t, 1, result.Released)
		require.Equal(t, 0, result.Failed)

		got, err := store.GetHold(context.Background(), "shop-1", expired.ID)
		require.NoError(t, err)
		require.Equal(t, domain.HoldStatusReleased, got.Status)
		require.Equal(t, domain.ReleaseReasonExpired, got.ReleaseReason)

		item, err := store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 18, item.Quantity)
	})

	t.Run("does not touch unexpired holds", func(t *testing.T) {
		store, svc := setup(t)
		hold := createHold(t, svc, 3)

		sweeper := NewSweeper(store, svc, clock.NewFixed(start), zap.NewNop(), time.Second, 100)
		result, err := sweeper.RunOnce(context.Background())
		require.NoError(t, err)

		require.Equal(t, 0, result.Scanned)
		got, err := store.GetHold(context.Background(), "shop-1", hold.ID)
		require.NoError(t, err)
		require.Equal(t, domain.HoldStatusActive, got.Status)
	})

	t.Run("classifies lost races by the current hold status", func(t *testing.T) {
		store, svc := setup(t)
		createHold(t, svc, 3)

		releaser := &stubHoldReleaser{
			releaseErr: domain.ErrHoldNotActive,
			hold:       domain.Hold{Status: domain.HoldStatusCommitted},
		}
		sweeper := NewSweeper(store, releaser, clock.NewFixed(later), zap.NewNop(), time.Second, 100)
		result, err := sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.SkippedCommitted)
		require.Equal(t, 0, result.AlreadyReleased)
		require.Equal(t, 0, result.Failed)

		releaser.hold = domain.Hold{Status: domain.HoldStatusReleased}
		result, err = sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.AlreadyReleased)
		require.Equal(t, 0, result.SkippedCommitted)
		require.Equal(t, 0, result.Failed)
	})

	t.Run("lookup failure after a lost race counts as failed", func(t *testing.T) {
		store, svc := setup(t)
		createHold(t, svc, 3)

		releaser := &stubHoldReleaser{
			releaseErr: domain.ErrHoldNotActive,
			getErr:     errors.New("connection reset"),
		}
		sweeper := NewSweeper(store, releaser, clock.NewFixed(later), zap.NewNop(), time.Second, 100)
		result, err := sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Failed)
		require.Equal(t, 0, result.AlreadyReleased)
		require.Equal(t, 0, result.SkippedCommitted)
	})

	t.Run("second sweep is a no-op", func(t *testing.T) {
		store, svc := setup(t)
		createHold(t, svc, 3)

		sweeper, _ := newSweeper(store)
		first, err := sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, first.Released)

		second, err := sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, second.Scanned)
		require.Equal(t, 0, second.Released)

		item, err := store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 20, item.Quantity)
	})
}
