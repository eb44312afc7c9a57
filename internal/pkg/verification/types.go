package verification

import (
	"context"
	"time"
)

// Payload carries the provider-specific proof of purchase a client (or a
// stored credential) supplies. Which fields matter depends on the platform:
// iOS uses Receipt, Android uses PurchaseToken+ProductID, the card processor
// uses SubscriptionID (plus Email/CouponCode on first purchase).
type Payload struct {
	Receipt        string
	PurchaseToken  string
	ProductID      string
	SubscriptionID string
	Email          string
	CouponCode     string
}

// Result is the provider-agnostic outcome of one verification. It is transient:
// the state machine applies it and records it to payment history, but the
// struct itself is never persisted as-is.
type Result struct {
	Platform              string
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	Status                string // models.VerificationStatusVerified or ...Expired
	IsActive              bool
	IsInTrial             bool
	ExpirationDate        *time.Time
	OriginalPurchaseDate  *time.Time
	AutoRenewing          bool
	// Credential is what a later sync needs to re-run this verification
	// without the client: the receipt blob, purchase token or subscription ID.
	Credential     string
	RawPayloadJSON string
}

// EventKey is the idempotency key guarding at-most-once application.
func (r *Result) EventKey() string {
	return r.Platform + ":" + r.TransactionID
}

// Verifier normalizes one provider's purchase state into a Result. Adapters
// are pure with respect to the entitlement store: they only read from the
// provider (the Google acknowledgement side effect is the sanctioned exception).
type Verifier interface {
	Platform() string
	Verify(ctx context.Context, p Payload) (*Result, error)
}
