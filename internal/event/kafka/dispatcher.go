package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PeterCowling/base-shop-sub075/internal/clock"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type OutboxSource interface {
	GetPendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkSent(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID, lastError string) error
	ResetPending(ctx context.Context, eventID string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Dispatcher drains the outbox table into the broker. Rows are written in
// the same transaction as the state change that produced them, so a publish
// here can lag but never invent or lose an event. Delivery is at-least-once;
// consumers deduplicate on event key.
type Dispatcher struct {
	outbox    OutboxSource
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger

	interval   time.Duration
	batch      int
	maxRetries int
	backoff    time.Duration
}

type DispatcherConfig struct {
	Interval   time.Duration
	Batch      int
	MaxRetries int
	Backoff    time.Duration
}

func NewDispatcher(outbox OutboxSource, publisher EventPublisher, clk clock.Clock, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		outbox:     outbox,
		publisher:  publisher,
		clock:      clk,
		logger:     logger,
		interval:   cfg.Interval,
		batch:      cfg.Batch,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started",
		zap.Duration("interval", d.interval),
		zap.Int("batch", d.batch),
	)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("outbox pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce publishes one batch of pending events.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	events, err := d.outbox.GetPendingEvents(ctx, d.batch)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := d.send(ctx, ev); err != nil {
			d.logger.Error("publish failed, event stays pending",
				zap.Error(err),
				zap.String("event_id", ev.EventID),
				zap.String("topic", ev.Topic),
			)
			if markErr := d.outbox.MarkFailed(ctx, ev.EventID, err.Error()); markErr != nil {
				d.logger.Error("failed to mark outbox event", zap.Error(markErr), zap.String("event_id", ev.EventID))
				continue
			}
			if resetErr := d.outbox.ResetPending(ctx, ev.EventID); resetErr != nil {
				d.logger.Error("failed to requeue outbox event", zap.Error(resetErr), zap.String("event_id", ev.EventID))
			}
			continue
		}
		if err := d.outbox.MarkSent(ctx, ev.EventID, d.clock.Now()); err != nil {
			d.logger.Error("failed to mark outbox event sent",
				zap.Error(err),
				zap.String("event_id", ev.EventID),
			)
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, ev domain.OutboxEvent) error {
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
		}
		lastErr = d.publisher.Publish(ctx, ev.Topic, ev.AggregateID, ev.Payload)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
