package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivationRequest records that a payment succeeded and an entitlement must
// be materialized. It is consumed exactly once by the activation worker.
type ActivationRequest struct {
	ID            uuid.UUID
	UserID        string
	PlanID        string
	TransactionID string
	CreatedAt     time.Time
}

// Subscription is a user's access grant to a plan for a fixed window.
type Subscription struct {
	ID             uuid.UUID
	UserID         string
	PlanID         string
	PlanName       string
	StartAt        time.Time
	EndAt          time.Time
	Active         bool
	Occurrence     int
	OccurrenceType string
	TransactionID  string
	CreatedAt      time.Time
}

// IsValidAt reports whether the subscription grants access at t.
// Both the active flag and the end date are required.
func (s *Subscription) IsValidAt(t time.Time) bool {
	return s.Active && s.EndAt.After(t)
}

// NewSubscription builds an active subscription to plan starting at now.
func NewSubscription(userID string, plan Plan, transactionID string, now time.Time) Subscription {
	return Subscription{
		ID:             uuid.New(),
		UserID:         userID,
		PlanID:         plan.ID,
		PlanName:       plan.Name,
		StartAt:        now,
		EndAt:          now.Add(plan.Duration()),
		Active:         true,
		Occurrence:     plan.Occurrence,
		OccurrenceType: plan.OccurrenceType,
		TransactionID:  transactionID,
		CreatedAt:      now,
	}
}

// UsageCounter tracks remaining metered invocations for one subscription.
// Remaining never drops below zero.
type UsageCounter struct {
	ID             uuid.UUID
	UserID         string
	SubscriptionID uuid.UUID
	Remaining      int
	UpdatedAt      time.Time
}

// Exhausted reports whether no metered units remain.
func (u *UsageCounter) Exhausted() bool {
	return u.Remaining <= 0
}

// Entitlement is the result of a successful gate check. It identifies the
// counter to charge once the metered work completes.
type Entitlement struct {
	UserID         string
	SubscriptionID uuid.UUID
	CounterID      uuid.UUID
	PlanID         string
	Unlimited      bool
	Remaining      int
}

// SubscriptionStatus summarizes the caller's current entitlement.
type SubscriptionStatus struct {
	Subscription Subscription
	Plan         Plan
	Remaining    int
	Unlimited    bool
}
