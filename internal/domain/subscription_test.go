package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSubscription_IsValidAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		active bool
		endAt  time.Time
		want   bool
	}{
		{"active and unexpired", true, now.Add(time.Hour), true},
		{"active but expired", true, now.Add(-time.Hour), false},
		{"active ending exactly now", true, now, false},
		{"inactive and unexpired", false, now.Add(time.Hour), false},
		{"inactive and expired", false, now.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &Subscription{Active: tt.active, EndAt: tt.endAt}
			assert.Equal(t, tt.want, sub.IsValidAt(now))
		})
	}
}

func TestNewSubscription(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	plan := Plan{ID: PlanStandard, Name: "Standard Plan", DurationDays: 30, Occurrence: 1, OccurrenceType: "month"}

	sub := NewSubscription("user-1", plan, "20260301-user-1-42", now)

	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, PlanStandard, sub.PlanID)
	assert.Equal(t, "Standard Plan", sub.PlanName)
	assert.True(t, sub.Active)
	assert.Equal(t, now, sub.StartAt)
	assert.Equal(t, now.Add(30*24*time.Hour), sub.EndAt)
	assert.Equal(t, 1, sub.Occurrence)
	assert.Equal(t, "month", sub.OccurrenceType)
	assert.NotEqual(t, uuid.Nil, sub.ID)
}

func TestPlan_IsFree(t *testing.T) {
	assert.True(t, Plan{Price: 0}.IsFree())
	assert.False(t, Plan{Price: 1000}.IsFree())
}

func TestUsageCounter_Exhausted(t *testing.T) {
	assert.True(t, (&UsageCounter{Remaining: 0}).Exhausted())
	assert.False(t, (&UsageCounter{Remaining: 1}).Exhausted())
}

func TestCheckoutCompletion_IsPaid(t *testing.T) {
	assert.True(t, CheckoutCompletion{PaymentStatus: "paid"}.IsPaid())
	assert.False(t, CheckoutCompletion{PaymentStatus: "unpaid"}.IsPaid())
	assert.False(t, CheckoutCompletion{}.IsPaid())
}

func TestDefaultPlans(t *testing.T) {
	plans := DefaultPlans()
	assert.Len(t, plans, 3)

	seen := map[string]bool{}
	for i, p := range plans {
		assert.False(t, seen[p.ID], "duplicate plan id %s", p.ID)
		seen[p.ID] = true
		if i > 0 {
			assert.Greater(t, p.Rank, plans[i-1].Rank)
		}
	}
	assert.True(t, plans[0].IsFree())
	assert.True(t, plans[2].Unlimited)
}
