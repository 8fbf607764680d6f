package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

// OutboxRepository stores integration events written in the same transaction
// as the state change that produced them.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) InsertEvent(ctx context.Context, ev domain.OutboxEvent) error {
	const stmt = `
INSERT INTO outbox_events (event_id, topic, aggregate_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.exec(ctx, stmt, ev.EventID, ev.Topic, ev.AggregateID, ev.Payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *OutboxRepository) GetPendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	const query = `
SELECT event_id, topic, aggregate_id, payload, attempts, created_at
FROM outbox_events
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1`

	rows, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.EventID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.Attempts, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *OutboxRepository) MarkSent(ctx context.Context, eventID string, at time.Time) error {
	const stmt = `
UPDATE outbox_events
SET status = 'sent', sent_at = $2, attempts = attempts + 1
WHERE event_id = $1`

	if _, err := r.exec(ctx, stmt, eventID, at); err != nil {
		return fmt.Errorf("mark outbox event sent: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID, lastError string) error {
	const stmt = `
UPDATE outbox_events
SET status = 'failed', attempts = attempts + 1, last_error = $2
WHERE event_id = $1`

	if _, err := r.exec(ctx, stmt, eventID, lastError); err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

// ResetPending re-queues a failed event for the next dispatcher cycle.
func (r *OutboxRepository) ResetPending(ctx context.Context, eventID string) error {
	const stmt = `
UPDATE outbox_events
SET status = 'pending'
WHERE event_id = $1 AND status = 'failed'`

	if _, err := r.exec(ctx, stmt, eventID); err != nil {
		return fmt.Errorf("reset outbox event: %w", err)
	}
	return nil
}

func (r *OutboxRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *OutboxRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
