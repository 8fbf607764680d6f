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

// EventRepository persists the webhook event ledger. Rows are never deleted.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

// ClaimEvent atomically records first sight of an event ID as processing.
// The insert-if-absent closes the duplicate-delivery window: exactly one
// caller observes claimed=true per ledger state. A previously failed event
// is reclaimed via a conditional update so redelivery reprocesses it.
func (r *EventRepository) ClaimEvent(ctx context.Context, ev domain.WebhookEvent, now time.Time) (bool, *domain.WebhookEvent, error) {
	const insertStmt = `
INSERT INTO webhook_events (id, shop_id, type, hold_id, session_id, payment_intent_id, deposit, risk_score, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'processing', $9, $9)
ON CONFLICT (id) DO NOTHING`

	tag, err := r.exec(ctx, insertStmt,
		ev.ID, ev.ShopID, ev.Type, ev.HoldID, ev.SessionID, ev.PaymentIntentID,
		ev.Deposit, ev.RiskScore, now,
	)
	if err != nil {
		return false, nil, fmt.Errorf("claim event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	existing, err := r.GetEvent(ctx, ev.ID)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return false, nil, fmt.Errorf("claim event %s: row vanished after conflict", ev.ID)
	}
	if existing.Status != domain.WebhookStatusFailed {
		return false, existing, nil
	}

	const reclaimStmt = `
UPDATE webhook_events
SET status = 'processing', updated_at = $2
WHERE id = $1 AND status = 'failed'`

	tag, err = r.exec(ctx, reclaimStmt, ev.ID, now)
	if err != nil {
		return false, nil, fmt.Errorf("reclaim failed event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}
	// Lost the reclaim race to a concurrent redelivery.
	existing, err = r.GetEvent(ctx, ev.ID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *EventRepository) GetEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	const query = `
SELECT id, shop_id, type, hold_id, session_id, payment_intent_id, deposit, risk_score, status, outcome, created_at, updated_at
FROM webhook_events
WHERE id = $1`

	var ev domain.WebhookEvent
	var outcome []byte
	err := r.queryRow(ctx, query, eventID).Scan(
		&ev.ID, &ev.ShopID, &ev.Type, &ev.HoldID, &ev.SessionID, &ev.PaymentIntentID,
		&ev.Deposit, &ev.RiskScore, &ev.Status, &outcome, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	if err := json.Unmarshal(outcome, &ev.Outcome); err != nil {
		return nil, fmt.Errorf("decode event outcome: %w", err)
	}
	return &ev, nil
}

func (r *EventRepository) MarkProcessed(ctx context.Context, eventID string, outcome domain.EventOutcome, now time.Time) error {
	return r.finish(ctx, eventID, domain.WebhookStatusProcessed, outcome, now)
}

func (r *EventRepository) MarkFailed(ctx context.Context, eventID string, outcome domain.EventOutcome, now time.Time) error {
	return r.finish(ctx, eventID, domain.WebhookStatusFailed, outcome, now)
}

func (r *EventRepository) finish(ctx context.Context, eventID string, status domain.WebhookEventStatus, outcome domain.EventOutcome, now time.Time) error {
	const stmt = `
UPDATE webhook_events
SET status = $2, outcome = $3, updated_at = $4
WHERE id = $1`

	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode event outcome: %w", err)
	}
	tag, err := r.exec(ctx, stmt, eventID, status, payload, now)
	if err != nil {
		return fmt.Errorf("finish event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish event %s: not found", eventID)
	}
	return nil
}

func (r *EventRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *EventRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
