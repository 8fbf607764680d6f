package domain

import "time"

type WebhookEventStatus string

const (
	WebhookStatusProcessing WebhookEventStatus = "processing"
	WebhookStatusProcessed  WebhookEventStatus = "processed"
	WebhookStatusFailed     WebhookEventStatus = "failed"
)

// Provider event types handled by the fulfillment coordinator.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventCheckoutExpired  = "checkout.expired"
	EventRefundCreated    = "refund.created"
)

// WebhookEvent is one ledger entry per provider event ID. Entries are never
// deleted; a processed entry short-circuits redeliveries with its stored
// outcome.
type WebhookEvent struct {
	ID              string
	ShopID          string
	Type            string
	HoldID          string
	SessionID       string
	PaymentIntentID string
	Deposit         int
	RiskScore       int
	Status          WebhookEventStatus
	Outcome         EventOutcome
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventOutcome is the result recorded when an event finishes processing and
// returned verbatim on redelivery.
type EventOutcome struct {
	Result  string `json:"result"`
	OrderID string `json:"order_id,omitempty"`
	HoldID  string `json:"hold_id,omitempty"`
	Restock bool   `json:"restock,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Outcome results.
const (
	OutcomeCommitted    = "committed"
	OutcomeReleased     = "released"
	OutcomeRefunded     = "refunded"
	OutcomeHoldReleased = "hold_released"
	OutcomeNoop         = "noop"
)
