package domain

import "time"

type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "active"
	HoldStatusCommitted HoldStatus = "committed"
	HoldStatusReleased  HoldStatus = "released"
)

// Release reasons recorded when a hold leaves active without committing.
const (
	ReleaseReasonExpired       = "expired"
	ReleaseReasonPaymentFailed = "payment_failed"
	ReleaseReasonRefundRestock = "refund_restock"
)

// HoldLine is one reserved quantity of a SKU/variant within a hold.
type HoldLine struct {
	SKU               string
	VariantKey        string
	VariantAttributes map[string]string
	Quantity          int
}

// Hold represents a multi-line stock reservation with a bounded lifetime.
// A hold is terminal once committed or released; exactly one of the two
// transitions ever succeeds.
type Hold struct {
	ID            string
	ShopID        string
	Lines         []HoldLine
	Status        HoldStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
	CommittedAt   *time.Time
	ReleasedAt    *time.Time
	ReleaseReason string
	OrderRef      string
}

// Terminal reports whether the hold can accept no further transitions.
func (h Hold) Terminal() bool {
	return h.Status == HoldStatusCommitted || h.Status == HoldStatusReleased
}
