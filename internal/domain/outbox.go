package domain

import "time"

// Outbox topics published by this service.
const (
	TopicOrderCommitted = "order.committed"
	TopicHoldReleased   = "hold.released"
)

// OutboxEvent is an integration event staged in the same transaction as the
// state change that produced it, then published asynchronously.
type OutboxEvent struct {
	EventID     string
	Topic       string
	AggregateID string
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
}
