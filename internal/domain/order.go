package domain

import "time"

// Order is the permanent record created when a hold commits. It is the join
// point for downstream returns and deposit-release flows.
type Order struct {
	ID               string
	ShopID           string
	SessionID        string
	HoldID           string
	Deposit          int
	PaymentIntentID  string
	FlaggedForReview bool
	RefundedAt       *time.Time
	CreatedAt        time.Time
}
