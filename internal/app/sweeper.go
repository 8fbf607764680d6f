package app

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/PeterCowling/base-shop-sub075/internal/clock"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

var (
	sweepScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_sweeper_scanned_total",
		Help: "Expired holds selected for release.",
	})
	sweepReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_sweeper_released_total",
		Help: "Holds released by the sweeper.",
	})
	sweepAlreadyReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_sweeper_already_released_total",
		Help: "Holds released elsewhere between scan and release.",
	})
	sweepSkippedCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_sweeper_skipped_committed_total",
		Help: "Holds committed between scan and release; left untouched.",
	})
	sweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_sweeper_failures_total",
		Help: "Unexpected per-hold release errors; retried next cycle.",
	})
)

// HoldReleaser is the slice of the hold manager the sweeper drives. The
// sweeper only ever releases; it never commits.
type HoldReleaser interface {
	ReleaseHold(ctx context.Context, shopID, holdID, reason string) error
	GetHold(ctx context.Context, shopID, holdID string) (domain.Hold, error)
}

type ExpiredHoldLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error)
}

// Sweeper reclaims holds whose TTL elapsed without a provider event. Losing
// a race against a concurrent commit or release is expected and benign.
type Sweeper struct {
	holds    ExpiredHoldLister
	releaser HoldReleaser
	clock    clock.Clock
	logger   *zap.Logger
	interval time.Duration
	batch    int
}

type SweepResult struct {
	Scanned          int
	Released         int
	AlreadyReleased  int
	SkippedCommitted int
	Failed           int
}

func NewSweeper(holds ExpiredHoldLister, releaser HoldReleaser, clk clock.Clock, logger *zap.Logger, interval time.Duration, batch int) *Sweeper {
	return &Sweeper{
		holds:    holds,
		releaser: releaser,
		clock:    clk,
		logger:   logger,
		interval: interval,
		batch:    batch,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("expiry sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("batch", s.batch),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.logger.Error("sweep cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce releases one batch of expired holds. A failure on one hold never
// blocks the rest of the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	expired, err := s.holds.ListExpired(ctx, now, s.batch)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	res.Scanned = len(expired)
	sweepScanned.Add(float64(len(expired)))

	for _, hold := range expired {
		err := s.releaser.ReleaseHold(ctx, hold.ShopID, hold.ID, domain.ReleaseReasonExpired)
		switch {
		case err == nil:
			res.Released++
			sweepReleased.Add(1)
		case errors.Is(err, domain.ErrHoldNotActive):
			// Lost the race; find out to whom.
			current, getErr := s.releaser.GetHold(ctx, hold.ShopID, hold.ID)
			switch {
			case getErr != nil:
				res.Failed++
				sweepFailures.Add(1)
				s.logger.Error("failed to classify contended hold",
					zap.Error(getErr),
					zap.String("shop_id", hold.ShopID),
					zap.String("hold_id", hold.ID),
				)
			case current.Status == domain.HoldStatusReleased:
				res.AlreadyReleased++
				sweepAlreadyReleased.Add(1)
			default:
				res.SkippedCommitted++
				sweepSkippedCommitted.Add(1)
			}
		case errors.Is(err, domain.ErrHoldNotFound):
			res.AlreadyReleased++
			sweepAlreadyReleased.Add(1)
		default:
			res.Failed++
			sweepFailures.Add(1)
			s.logger.Error("failed to release expired hold",
				zap.Error(err),
				zap.String("shop_id", hold.ShopID),
				zap.String("hold_id", hold.ID),
			)
		}
	}

	if res.Released > 0 || res.Failed > 0 {
		s.logger.Info("sweep cycle finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("released", res.Released),
			zap.Int("already_released", res.AlreadyReleased),
			zap.Int("skipped_committed", res.SkippedCommitted),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}
