package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PeterCowling/base-shop-sub075/internal/clock"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type EventLedger interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimEvent(ctx context.Context, ev domain.WebhookEvent, now time.Time) (bool, *domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string, outcome domain.EventOutcome, now time.Time) error
	MarkFailed(ctx context.Context, eventID string, outcome domain.EventOutcome, now time.Time) error
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrderByHoldID(ctx context.Context, holdID string) (*domain.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, shopID, paymentIntentID string) (*domain.Order, error)
	MarkRefunded(ctx context.Context, shopID, orderID string, at time.Time) (bool, error)
}

// RefundClient issues the outbound monetary refund. Retries are the
// provider's redelivery, not ours.
type RefundClient interface {
	CreateRefund(ctx context.Context, paymentIntentID string, amount int) error
}

// FulfillmentConfig tunes event handling behavior.
type FulfillmentConfig struct {
	// RiskReviewThreshold flags orders whose risk score meets or exceeds it.
	RiskReviewThreshold int
	// RefundRestocksStock returns refunded quantities to available stock
	// (shop coverage switch).
	RefundRestocksStock bool
}

// FulfillmentService consumes payment-provider events and drives hold
// transitions through the webhook event ledger. Each event ID produces side
// effects at most once; redeliveries replay the stored outcome.
type FulfillmentService struct {
	ledger EventLedger
	holds  *HoldService
	orders OrderRepository
	stock  StockMover
	outbox OutboxWriter
	refund RefundClient
	clock  clock.Clock
	logger *zap.Logger
	cfg    FulfillmentConfig
}

func NewFulfillmentService(
	ledger EventLedger,
	holds *HoldService,
	orders OrderRepository,
	stock StockMover,
	outbox OutboxWriter,
	refund RefundClient,
	clk clock.Clock,
	logger *zap.Logger,
	cfg FulfillmentConfig,
) *FulfillmentService {
	return &FulfillmentService{
		ledger: ledger,
		holds:  holds,
		orders: orders,
		stock:  stock,
		outbox: outbox,
		refund: refund,
		clock:  clk,
		logger: logger,
		cfg:    cfg,
	}
}

type ProcessResult struct {
	Outcome domain.EventOutcome
	// Duplicate marks a redelivery whose outcome was replayed from the
	// ledger without side effects.
	Duplicate bool
}

// ProcessEvent applies one provider event. The claim is committed before
// dispatch so concurrent deliveries of the same ID cannot both proceed;
// dispatch and the processed mark share one transaction so a crash leaves
// either no side effects or a fully recorded event.
func (s *FulfillmentService) ProcessEvent(ctx context.Context, ev domain.WebhookEvent) (ProcessResult, error) {
	if ev.ID == "" || ev.ShopID == "" || ev.Type == "" {
		return ProcessResult{}, domain.ErrUnrecoverableEvent
	}

	now := s.clock.Now()
	claimed, existing, err := s.ledger.ClaimEvent(ctx, ev, now)
	if err != nil {
		return ProcessResult{}, err
	}
	if !claimed {
		switch existing.Status {
		case domain.WebhookStatusProcessed:
			return ProcessResult{Outcome: existing.Outcome, Duplicate: true}, nil
		default:
			return ProcessResult{}, domain.ErrEventInFlight
		}
	}

	var outcome domain.EventOutcome
	dispatchErr := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		outcome, err = s.dispatch(txCtx, ev)
		if err != nil {
			return err
		}
		return s.ledger.MarkProcessed(txCtx, ev.ID, outcome, s.clock.Now())
	})
	if dispatchErr != nil {
		failure := domain.EventOutcome{Result: "error", Detail: dispatchErr.Error()}
		if markErr := s.ledger.MarkFailed(ctx, ev.ID, failure, s.clock.Now()); markErr != nil {
			s.logger.Error("failed to mark event failed",
				zap.Error(markErr),
				zap.String("event_id", ev.ID),
			)
		}
		s.logger.Error("event dispatch failed",
			zap.Error(dispatchErr),
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
		)
		return ProcessResult{}, dispatchErr
	}

	s.logger.Info("event processed",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("result", outcome.Result),
	)
	return ProcessResult{Outcome: outcome}, nil
}

func (s *FulfillmentService) dispatch(ctx context.Context, ev domain.WebhookEvent) (domain.EventOutcome, error) {
	switch ev.Type {
	case domain.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, ev)
	case domain.EventPaymentFailed, domain.EventCheckoutExpired:
		return s.handlePaymentFailed(ctx, ev)
	case domain.EventRefundCreated:
		return s.handleRefund(ctx, ev)
	default:
		return domain.EventOutcome{}, fmt.Errorf("%w: unknown type %q", domain.ErrUnrecoverableEvent, ev.Type)
	}
}

func (s *FulfillmentService) handlePaymentSucceeded(ctx context.Context, ev domain.WebhookEvent) (domain.EventOutcome, error) {
	if ev.HoldID == "" || ev.SessionID == "" {
		return domain.EventOutcome{}, fmt.Errorf("%w: payment succeeded without hold or session", domain.ErrUnrecoverableEvent)
	}

	orderID := newUUID()
	err := s.holds.CommitHold(ctx, ev.ShopID, ev.HoldID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrHoldNotActive):
			return s.resolveCommittedConflict(ctx, ev)
		case errors.Is(err, domain.ErrHoldNotFound):
			return domain.EventOutcome{}, fmt.Errorf("%w: hold %s not found", domain.ErrUnrecoverableEvent, ev.HoldID)
		default:
			return domain.EventOutcome{}, err
		}
	}

	order := domain.Order{
		ID:               orderID,
		ShopID:           ev.ShopID,
		SessionID:        ev.SessionID,
		HoldID:           ev.HoldID,
		Deposit:          ev.Deposit,
		PaymentIntentID:  ev.PaymentIntentID,
		FlaggedForReview: ev.RiskScore >= s.cfg.RiskReviewThreshold,
		CreatedAt:        s.clock.Now(),
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return domain.EventOutcome{}, err
	}
	if order.FlaggedForReview {
		s.logger.Warn("order flagged for manual review",
			zap.String("order_id", order.ID),
			zap.String("shop_id", order.ShopID),
			zap.Int("risk_score", ev.RiskScore),
		)
	}
	if err := s.stageCommittedEvent(ctx, order); err != nil {
		return domain.EventOutcome{}, err
	}
	return domain.EventOutcome{
		Result:  domain.OutcomeCommitted,
		OrderID: order.ID,
		HoldID:  ev.HoldID,
	}, nil
}

// resolveCommittedConflict classifies a payment success that lost the
// transition race: a previous delivery already committed (replay the order),
// or the hold expired before payment arrived.
func (s *FulfillmentService) resolveCommittedConflict(ctx context.Context, ev domain.WebhookEvent) (domain.EventOutcome, error) {
	hold, err := s.holds.GetHold(ctx, ev.ShopID, ev.HoldID)
	if err != nil {
		return domain.EventOutcome{}, err
	}

	if hold.Status == domain.HoldStatusCommitted {
		order, err := s.orders.GetOrderByHoldID(ctx, ev.HoldID)
		if err != nil {
			return domain.EventOutcome{}, err
		}
		if order == nil {
			return domain.EventOutcome{}, fmt.Errorf("hold %s committed but order missing", ev.HoldID)
		}
		return domain.EventOutcome{
			Result:  domain.OutcomeCommitted,
			OrderID: order.ID,
			HoldID:  ev.HoldID,
		}, nil
	}

	// Payment after expiry: the stock is gone. Record the conflict rather
	// than failing, so the provider stops redelivering a lost race.
	s.logger.Error("payment succeeded for released hold",
		zap.String("event_id", ev.ID),
		zap.String("hold_id", ev.HoldID),
		zap.String("shop_id", ev.ShopID),
		zap.String("release_reason", hold.ReleaseReason),
	)
	return domain.EventOutcome{
		Result: domain.OutcomeHoldReleased,
		HoldID: ev.HoldID,
		Detail: "hold released before payment completed",
	}, nil
}

func (s *FulfillmentService) handlePaymentFailed(ctx context.Context, ev domain.WebhookEvent) (domain.EventOutcome, error) {
	if ev.HoldID == "" {
		return domain.EventOutcome{}, fmt.Errorf("%w: %s without hold", domain.ErrUnrecoverableEvent, ev.Type)
	}

	err := s.holds.ReleaseHold(ctx, ev.ShopID, ev.HoldID, domain.ReleaseReasonPaymentFailed)
	switch {
	case err == nil:
		return domain.EventOutcome{Result: domain.OutcomeReleased, HoldID: ev.HoldID}, nil
	case errors.Is(err, domain.ErrHoldNotActive):
		// Already resolved by the sweeper or an earlier delivery.
		return domain.EventOutcome{Result: domain.OutcomeNoop, HoldID: ev.HoldID}, nil
	case errors.Is(err, domain.ErrHoldNotFound):
		return domain.EventOutcome{}, fmt.Errorf("%w: hold %s not found", domain.ErrUnrecoverableEvent, ev.HoldID)
	default:
		return domain.EventOutcome{}, err
	}
}

func (s *FulfillmentService) handleRefund(ctx context.Context, ev domain.WebhookEvent) (domain.EventOutcome, error) {
	if ev.PaymentIntentID == "" {
		return domain.EventOutcome{}, fmt.Errorf("%w: refund without payment intent", domain.ErrUnrecoverableEvent)
	}

	order, err := s.orders.GetOrderByPaymentIntent(ctx, ev.ShopID, ev.PaymentIntentID)
	if err != nil {
		return domain.EventOutcome{}, err
	}
	if order == nil {
		return domain.EventOutcome{}, fmt.Errorf("%w: no order for payment intent %s", domain.ErrUnrecoverableEvent, ev.PaymentIntentID)
	}

	won, err := s.orders.MarkRefunded(ctx, ev.ShopID, order.ID, s.clock.Now())
	if err != nil {
		return domain.EventOutcome{}, err
	}
	if !won {
		return domain.EventOutcome{Result: domain.OutcomeRefunded, OrderID: order.ID}, nil
	}

	if err := s.refund.CreateRefund(ctx, ev.PaymentIntentID, order.Deposit); err != nil {
		return domain.EventOutcome{}, err
	}

	restocked := false
	if s.cfg.RefundRestocksStock {
		lines, err := s.holds.holds.GetHoldLines(ctx, order.HoldID)
		if err != nil {
			return domain.EventOutcome{}, err
		}
		if err := s.stock.RestoreLines(ctx, ev.ShopID, lines); err != nil {
			return domain.EventOutcome{}, err
		}
		if err := s.holds.stageReleasedEvent(ctx, ev.ShopID, order.HoldID, domain.ReleaseReasonRefundRestock, lines, s.clock.Now()); err != nil {
			return domain.EventOutcome{}, err
		}
		restocked = true
	}

	return domain.EventOutcome{
		Result:  domain.OutcomeRefunded,
		OrderID: order.ID,
		HoldID:  order.HoldID,
		Restock: restocked,
	}, nil
}

type orderCommittedPayload struct {
	OrderID          string `json:"order_id"`
	ShopID           string `json:"shop_id"`
	SessionID        string `json:"session_id"`
	HoldID           string `json:"hold_id"`
	PaymentIntentID  string `json:"payment_intent_id"`
	Deposit          int    `json:"deposit"`
	FlaggedForReview bool   `json:"flagged_for_review"`
}

func (s *FulfillmentService) stageCommittedEvent(ctx context.Context, order domain.Order) error {
	body, err := json.Marshal(orderCommittedPayload{
		OrderID:          order.ID,
		ShopID:           order.ShopID,
		SessionID:        order.SessionID,
		HoldID:           order.HoldID,
		PaymentIntentID:  order.PaymentIntentID,
		Deposit:          order.Deposit,
		FlaggedForReview: order.FlaggedForReview,
	})
	if err != nil {
		return fmt.Errorf("encode committed payload: %w", err)
	}
	return s.outbox.InsertEvent(ctx, domain.OutboxEvent{
		EventID:     newUUID(),
		Topic:       domain.TopicOrderCommitted,
		AggregateID: order.ID,
		Payload:     body,
		CreatedAt:   order.CreatedAt,
	})
}
