package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PeterCowling/base-shop-sub075/internal/clock"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
	"github.com/PeterCowling/base-shop-sub075/internal/storage/memory"
)

type fakeRefundClient struct {
	mu    sync.Mutex
	calls []refundCall
	err   error
}

type refundCall struct {
	paymentIntentID string
	amount          int
}

func (f *fakeRefundClient) CreateRefund(_ context.Context, paymentIntentID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, refundCall{paymentIntentID: paymentIntentID, amount: amount})
	return nil
}

func (f *fakeRefundClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fulfillmentFixture struct {
	store  *memory.Store
	holds  *HoldService
	svc    *FulfillmentService
	refund *fakeRefundClient
}

func newFulfillmentFixture(t *testing.T, now time.Time, cfg FulfillmentConfig) *fulfillmentFixture {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.UpsertItem(context.Background(),
		domain.InventoryItem{ShopID: "shop-1", SKU: "tee", Quantity: 10}))

	clk := clock.NewFixed(now)
	holds := NewHoldService(store, store, store, clk, zap.NewNop())
	refund := &fakeRefundClient{}
	svc := NewFulfillmentService(store, holds, store, store, store, refund, clk, zap.NewNop(), cfg)
	return &fulfillmentFixture{store: store, holds: holds, svc: svc, refund: refund}
}

func (f *fulfillmentFixture) createHold(t *testing.T, qty int) domain.Hold {
	t.Helper()
	hold, err := f.holds.CreateHold(context.Background(), CreateHoldInput{
		ShopID: "shop-1",
		Lines:  []CreateHoldLine{{SKU: "tee", Quantity: qty}},
	})
	require.NoError(t, err)
	return hold
}

func TestFulfillmentService_PaymentSucceeded(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("commits hold and creates order", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{RiskReviewThreshold: 75})
		hold := fx.createHold(t, 3)

		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID:              "evt-1",
			ShopID:          "shop-1",
			Type:            domain.EventPaymentSucceeded,
			HoldID:          hold.ID,
			SessionID:       "sess-1",
			PaymentIntentID: "pi-1",
			Deposit:         500,
		})
		require.NoError(t, err)
		require.False(t, result.Duplicate)
		require.Equal(t, domain.OutcomeCommitted, result.Outcome.Result)
		require.NotEmpty(t, result.Outcome.OrderID)

		got, err := fx.store.GetHold(context.Background(), "shop-1", hold.ID)
		require.NoError(t, err)
		require.Equal(t, domain.HoldStatusCommitted, got.Status)
		require.Equal(t, result.Outcome.OrderID, got.OrderRef)

		order, err := fx.store.GetOrderByHoldID(context.Background(), hold.ID)
		require.NoError(t, err)
		require.NotNil(t, order)
		require.Equal(t, "sess-1", order.SessionID)
		require.Equal(t, 500, order.Deposit)
		require.False(t, order.FlaggedForReview)

		// Stock stays decremented after commit.
		item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 7, item.Quantity)

		events := fx.store.OutboxEvents()
		require.Len(t, events, 1)
		require.Equal(t, domain.TopicOrderCommitted, events[0].Topic)
		require.Equal(t, order.ID, events[0].AggregateID)
	})

	t.Run("redelivery replays the outcome without a second order", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{RiskReviewThreshold: 75})
		hold := fx.createHold(t, 3)

		ev := domain.WebhookEvent{
			ID:        "evt-1",
			ShopID:    "shop-1",
			Type:      domain.EventPaymentSucceeded,
			HoldID:    hold.ID,
			SessionID: "sess-1",
		}
		first, err := fx.svc.ProcessEvent(context.Background(), ev)
		require.NoError(t, err)

		second, err := fx.svc.ProcessEvent(context.Background(), ev)
		require.NoError(t, err)
		require.True(t, second.Duplicate)
		require.Equal(t, first.Outcome, second.Outcome)

		require.Len(t, fx.store.OutboxEvents(), 1)
	})

	t.Run("second success event for the same hold replays the order", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{RiskReviewThreshold: 75})
		hold := fx.createHold(t, 3)

		first, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: hold.ID, SessionID: "sess-1",
		})
		require.NoError(t, err)

		second, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-2", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: hold.ID, SessionID: "sess-1",
		})
		require.NoError(t, err)
		require.False(t, second.Duplicate)
		require.Equal(t, domain.OutcomeCommitted, second.Outcome.Result)
		require.Equal(t, first.Outcome.OrderID, second.Outcome.OrderID)
	})

	t.Run("payment after release records the lost race", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{RiskReviewThreshold: 75})
		hold := fx.createHold(t, 3)
		require.NoError(t, fx.holds.ReleaseHold(context.Background(), "shop-1", hold.ID, domain.ReleaseReasonExpired))

		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: hold.ID, SessionID: "sess-1",
		})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeHoldReleased, result.Outcome.Result)

		order, err := fx.store.GetOrderByHoldID(context.Background(), hold.ID)
		require.NoError(t, err)
		require.Nil(t, order)

		// Stock stays restored; the lost payment never re-reserves.
		item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 10, item.Quantity)
	})

	t.Run("flags orders at the risk threshold", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{RiskReviewThreshold: 75})
		hold := fx.createHold(t, 1)

		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: hold.ID, SessionID: "sess-1", RiskScore: 75,
		})
		require.NoError(t, err)

		order, err := fx.store.GetOrderByHoldID(context.Background(), hold.ID)
		require.NoError(t, err)
		require.NotNil(t, order)
		require.True(t, order.FlaggedForReview)
	})

	t.Run("failed order creation rolls the commit back", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})
		holdA := fx.createHold(t, 2)
		holdB := fx.createHold(t, 3)

		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: holdA.ID, SessionID: "sess-1", PaymentIntentID: "pi-1",
		})
		require.NoError(t, err)

		// Same session, different hold: the order insert fails after the
		// commit transition already won inside the transaction.
		_, err = fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-2", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: holdB.ID, SessionID: "sess-1", PaymentIntentID: "pi-2",
		})
		require.ErrorIs(t, err, domain.ErrOrderExists)

		// The losing commit must not survive the failed transaction.
		got, err := fx.store.GetHold(context.Background(), "shop-1", holdB.ID)
		require.NoError(t, err)
		require.Equal(t, domain.HoldStatusActive, got.Status)

		order, err := fx.store.GetOrderByHoldID(context.Background(), holdB.ID)
		require.NoError(t, err)
		require.Nil(t, order)

		stored, err := fx.store.GetEvent(context.Background(), "evt-2")
		require.NoError(t, err)
		require.Equal(t, domain.WebhookStatusFailed, stored.Status)
	})

	t.Run("unknown hold is unrecoverable", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})

		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: newUUID(), SessionID: "sess-1",
		})
		require.ErrorIs(t, err, domain.ErrUnrecoverableEvent)

		stored, getErr := fx.store.GetEvent(context.Background(), "evt-1")
		require.NoError(t, getErr)
		require.Equal(t, domain.WebhookStatusFailed, stored.Status)
	})
}

func TestFulfillmentService_PaymentFailed(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("releases the hold and restores stock", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})
		hold := fx.createHold(t, 4)

		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentFailed, HoldID: hold.ID,
		})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeReleased, result.Outcome.Result)

		got, err := fx.store.GetHold(context.Background(), "shop-1", hold.ID)
		require.NoError(t, err)
		require.Equal(t, domain.HoldStatusReleased, got.Status)
		require.Equal(t, domain.ReleaseReasonPaymentFailed, got.ReleaseReason)

		item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 10, item.Quantity)
	})

	t.Run("already released hold is a noop", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})
		hold := fx.createHold(t, 4)
		require.NoError(t, fx.holds.ReleaseHold(context.Background(), "shop-1", hold.ID, domain.ReleaseReasonExpired))

		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventCheckoutExpired, HoldID: hold.ID,
		})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeNoop, result.Outcome.Result)

		item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 10, item.Quantity)
	})
}

func TestFulfillmentService_Refund(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	placeOrder := func(t *testing.T, fx *fulfillmentFixture) domain.Hold {
		hold := fx.createHold(t, 3)
		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-pay", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: hold.ID, SessionID: "sess-1", PaymentIntentID: "pi-1", Deposit: 500,
		})
		require.NoError(t, err)
		return hold
	}

	t.Run("refunds once without restock by default", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})
		placeOrder(t, fx)

		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-refund", ShopID: "shop-1", Type: domain.EventRefundCreated, PaymentIntentID: "pi-1",
		})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeRefunded, result.Outcome.Result)
		require.False(t, result.Outcome.Restock)
		require.Equal(t, 1, fx.refund.callCount())

		order, err := fx.store.GetOrderByPaymentIntent(context.Background(), "shop-1", "pi-1")
		require.NoError(t, err)
		require.NotNil(t, order.RefundedAt)

		item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 7, item.Quantity)
	})

	t.Run("restocks when the coverage switch is on", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{RefundRestocksStock: true})
		hold := placeOrder(t, fx)

		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-refund", ShopID: "shop-1", Type: domain.EventRefundCreated, PaymentIntentID: "pi-1",
		})
		require.NoError(t, err)
		require.True(t, result.Outcome.Restock)
		require.Equal(t, hold.ID, result.Outcome.HoldID)

		item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 10, item.Quantity)
	})

	t.Run("second refund event does not refund twice", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{RefundRestocksStock: true})
		placeOrder(t, fx)

		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-refund-1", ShopID: "shop-1", Type: domain.EventRefundCreated, PaymentIntentID: "pi-1",
		})
		require.NoError(t, err)

		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-refund-2", ShopID: "shop-1", Type: domain.EventRefundCreated, PaymentIntentID: "pi-1",
		})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeRefunded, result.Outcome.Result)
		require.False(t, result.Outcome.Restock)
		require.Equal(t, 1, fx.refund.callCount())

		item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
		require.NoError(t, err)
		require.Equal(t, 10, item.Quantity)
	})

	t.Run("refund for unknown payment intent is unrecoverable", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})

		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-refund", ShopID: "shop-1", Type: domain.EventRefundCreated, PaymentIntentID: "pi-missing",
		})
		require.ErrorIs(t, err, domain.ErrUnrecoverableEvent)
	})
}

func TestFulfillmentService_Validation(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("unknown event type fails the event", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})

		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: "invoice.created",
		})
		require.ErrorIs(t, err, domain.ErrUnrecoverableEvent)

		stored, getErr := fx.store.GetEvent(context.Background(), "evt-1")
		require.NoError(t, getErr)
		require.Equal(t, domain.WebhookStatusFailed, stored.Status)
	})

	t.Run("missing identifiers are rejected before the ledger", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})

		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{Type: domain.EventPaymentSucceeded})
		require.ErrorIs(t, err, domain.ErrUnrecoverableEvent)

		stored, getErr := fx.store.GetEvent(context.Background(), "")
		require.NoError(t, getErr)
		require.Nil(t, stored)
	})

	t.Run("failed event is reclaimed on redelivery", func(t *testing.T) {
		fx := newFulfillmentFixture(t, now, FulfillmentConfig{})
		hold := fx.createHold(t, 2)

		// First delivery arrives with a bad type and fails.
		_, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: "invoice.created",
		})
		require.ErrorIs(t, err, domain.ErrUnrecoverableEvent)

		// The provider redelivers the corrected payload under the same ID.
		result, err := fx.svc.ProcessEvent(context.Background(), domain.WebhookEvent{
			ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
			HoldID: hold.ID, SessionID: "sess-1",
		})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeCommitted, result.Outcome.Result)
	})
}

func TestFulfillmentService_ConcurrentDeliveries(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	fx := newFulfillmentFixture(t, now, FulfillmentConfig{})
	hold := fx.createHold(t, 5)

	ev := domain.WebhookEvent{
		ID: "evt-1", ShopID: "shop-1", Type: domain.EventPaymentSucceeded,
		HoldID: hold.ID, SessionID: "sess-1",
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]ProcessResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.svc.ProcessEvent(context.Background(), ev)
		}(i)
	}
	wg.Wait()

	// Exactly one delivery does the work; the rest replay the outcome or
	// observe the in-flight claim.
	var firsts, duplicates int
	for i := 0; i < workers; i++ {
		switch {
		case errs[i] == nil && !results[i].Duplicate:
			firsts++
		case errs[i] == nil && results[i].Duplicate:
			duplicates++
		default:
			require.ErrorIs(t, errs[i], domain.ErrEventInFlight)
		}
	}
	require.Equal(t, 1, firsts)

	order, err := fx.store.GetOrderByHoldID(context.Background(), hold.ID)
	require.NoError(t, err)
	require.NotNil(t, order)
	require.Len(t, fx.store.OutboxEvents(), 1)

	item, err := fx.store.GetItem(context.Background(), "shop-1", "tee", "")
	require.NoError(t, err)
	require.Equal(t, 5, item.Quantity)
}
