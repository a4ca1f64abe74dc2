package domain

import "time"

// PaymentStatus is the lifecycle state of a checkout attempt.
// Transitions are monotonic: PENDING to SUCCESS only.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
)

// PaymentRecord is created once per checkout attempt and resolved by the
// payment webhook.
type PaymentRecord struct {
	TransactionID string
	UserID        string
	SessionID     string
	Status        PaymentStatus
	Amount        int64
	Currency      string
	Plan          Plan // snapshot at time of purchase
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsPending reports whether the record is still waiting for the processor.
func (p *PaymentRecord) IsPending() bool {
	return p.Status == PaymentStatusPending
}

// CheckoutCompletion is the processor-neutral view of a completed checkout
// event, carrying the reconciliation token echoed back by the processor.
type CheckoutCompletion struct {
	EventID       string
	SessionID     string
	TransactionID string
	UserID        string
	PaymentStatus string
}

// PaymentStatusPaid is the processor sentinel for a settled checkout.
const PaymentStatusPaid = "paid"

// IsPaid reports whether the processor considers the checkout settled.
func (c CheckoutCompletion) IsPaid() bool {
	return c.PaymentStatus == PaymentStatusPaid
}

// CheckoutSession is what the processor returns when a checkout is created.
type CheckoutSession struct {
	ID            string
	URL           string
	PaymentStatus string
}
