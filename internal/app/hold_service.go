package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/PeterCowling/base-shop-sub075/internal/clock"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type HoldRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateHold(ctx context.Context, hold domain.Hold) error
	GetHold(ctx context.Context, shopID, holdID string) (domain.Hold, error)
	GetHoldLines(ctx context.Context, holdID string) ([]domain.HoldLine, error)
	MarkCommitted(ctx context.Context, shopID, holdID, orderRef string, at time.Time) (bool, error)
	MarkReleased(ctx context.Context, shopID, holdID, reason string, at time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error)
}

// StockMover is the slice of the inventory store the hold lifecycle needs.
type StockMover interface {
	ReserveLines(ctx context.Context, shopID string, lines []domain.HoldLine) error
	RestoreLines(ctx context.Context, shopID string, lines []domain.HoldLine) error
}

type OutboxWriter interface {
	InsertEvent(ctx context.Context, ev domain.OutboxEvent) error
}

// HoldService owns the hold lifecycle: reserve-and-create, and the two
// mutually exclusive terminal transitions. Commit and release are guarded by
// the same conditional status update, so exactly one of them ever wins.
type HoldService struct {
	holds      HoldRepository
	stock      StockMover
	outbox     OutboxWriter
	clock      clock.Clock
	logger     *zap.Logger
	minTTL     time.Duration
	defaultTTL time.Duration
}

const (
	defaultHoldTTL = 10 * time.Minute
	minimumHoldTTL = 30 * time.Second
)

func NewHoldService(holds HoldRepository, stock StockMover, outbox OutboxWriter, clk clock.Clock, logger *zap.Logger, opts ...HoldServiceOption) *HoldService {
	svc := &HoldService{
		holds:      holds,
		stock:      stock,
		outbox:     outbox,
		clock:      clk,
		logger:     logger,
		minTTL:     minimumHoldTTL,
		defaultTTL: defaultHoldTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type HoldServiceOption func(*HoldService)

// WithMinTTL raises the TTL floor for new holds. Values below the built-in
// 30 second minimum are ignored.
func WithMinTTL(d time.Duration) HoldServiceOption {
	return func(s *HoldService) {
		if d > minimumHoldTTL {
			s.minTTL = d
		}
	}
}

// WithDefaultTTL overrides the TTL applied when the caller supplies none.
func WithDefaultTTL(d time.Duration) HoldServiceOption {
	return func(s *HoldService) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

type CreateHoldLine struct {
	SKU               string
	VariantAttributes map[string]string
	Quantity          int
}

type CreateHoldInput struct {
	ShopID string
	Lines  []CreateHoldLine
	// TTL bounds the reservation; zero selects the service default.
	TTL time.Duration
}

// CreateHold reserves stock for every line and persists the hold in one
// transaction. Either all lines are decremented or none are.
func (s *HoldService) CreateHold(ctx context.Context, in CreateHoldInput) (domain.Hold, error) {
	if in.ShopID == "" {
		return domain.Hold{}, domain.ErrInvalidID
	}
	if len(in.Lines) == 0 {
		return domain.Hold{}, domain.ErrEmptyLineItems
	}

	ttl := in.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < s.minTTL {
		return domain.Hold{}, domain.ErrInvalidTTL
	}

	lines := make([]domain.HoldLine, 0, len(in.Lines))
	for _, line := range in.Lines {
		if line.SKU == "" {
			return domain.Hold{}, domain.ErrInvalidID
		}
		if line.Quantity <= 0 {
			return domain.Hold{}, domain.ErrInvalidQuantity
		}
		lines = append(lines, domain.HoldLine{
			SKU:               line.SKU,
			VariantKey:        domain.VariantKeyFor(line.VariantAttributes),
			VariantAttributes: line.VariantAttributes,
			Quantity:          line.Quantity,
		})
	}
	// Canonical row-lock order so concurrent holds over the same SKUs
	// cannot deadlock each other.
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].SKU != lines[j].SKU {
			return lines[i].SKU < lines[j].SKU
		}
		return lines[i].VariantKey < lines[j].VariantKey
	})

	now := s.clock.Now()
	hold := domain.Hold{
		ID:        newUUID(),
		ShopID:    in.ShopID,
		Lines:     lines,
		Status:    domain.HoldStatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err := s.holds.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.stock.ReserveLines(txCtx, in.ShopID, lines); err != nil {
			return err
		}
		return s.holds.CreateHold(txCtx, hold)
	})
	if err != nil {
		return domain.Hold{}, err
	}

	s.logger.Info("hold created",
		zap.String("shop_id", hold.ShopID),
		zap.String("hold_id", hold.ID),
		zap.Int("lines", len(hold.Lines)),
		zap.Time("expires_at", hold.ExpiresAt),
	)
	return hold, nil
}

func (s *HoldService) GetHold(ctx context.Context, shopID, holdID string) (domain.Hold, error) {
	return s.holds.GetHold(ctx, shopID, holdID)
}

// CommitHold makes the hold permanent. Stock stays decremented; only the
// status changes. Returns ErrHoldNotActive when the hold already reached a
// terminal state, leaving classification to the caller.
func (s *HoldService) CommitHold(ctx context.Context, shopID, holdID, orderRef string) error {
	won, err := s.holds.MarkCommitted(ctx, shopID, holdID, orderRef, s.clock.Now())
	if err != nil {
		return err
	}
	if won {
		return nil
	}
	if _, err := s.holds.GetHold(ctx, shopID, holdID); err != nil {
		return err
	}
	return domain.ErrHoldNotActive
}

// ReleaseHold returns the hold's reserved quantities to available stock.
// Safe to race against CommitHold: the conditional transition decides the
// winner and the loser observes ErrHoldNotActive.
func (s *HoldService) ReleaseHold(ctx context.Context, shopID, holdID, reason string) error {
	now := s.clock.Now()

	err := s.holds.WithTx(ctx, func(txCtx context.Context) error {
		won, err := s.holds.MarkReleased(txCtx, shopID, holdID, reason, now)
		if err != nil {
			return err
		}
		if !won {
			if _, err := s.holds.GetHold(txCtx, shopID, holdID); err != nil {
				return err
			}
			return domain.ErrHoldNotActive
		}

		lines, err := s.holds.GetHoldLines(txCtx, holdID)
		if err != nil {
			return err
		}
		if err := s.stock.RestoreLines(txCtx, shopID, lines); err != nil {
			return err
		}
		return s.stageReleasedEvent(txCtx, shopID, holdID, reason, lines, now)
	})
	if err != nil {
		return err
	}

	s.logger.Info("hold released",
		zap.String("shop_id", shopID),
		zap.String("hold_id", holdID),
		zap.String("reason", reason),
	)
	return nil
}

type holdReleasedPayload struct {
	HoldID string         `json:"hold_id"`
	ShopID string         `json:"shop_id"`
	Reason string         `json:"reason"`
	Lines  []releasedLine `json:"lines"`
}

type releasedLine struct {
	SKU        string `json:"sku"`
	VariantKey string `json:"variant_key"`
	Quantity   int    `json:"quantity"`
}

func (s *HoldService) stageReleasedEvent(ctx context.Context, shopID, holdID, reason string, lines []domain.HoldLine, at time.Time) error {
	payload := holdReleasedPayload{
		HoldID: holdID,
		ShopID: shopID,
		Reason: reason,
	}
	for _, line := range lines {
		payload.Lines = append(payload.Lines, releasedLine{
			SKU:        line.SKU,
			VariantKey: line.VariantKey,
			Quantity:   line.Quantity,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode released payload: %w", err)
	}
	return s.outbox.InsertEvent(ctx, domain.OutboxEvent{
		EventID:     newUUID(),
		Topic:       domain.TopicHoldReleased,
		AggregateID: holdID,
		Payload:     body,
		CreatedAt:   at,
	})
}
