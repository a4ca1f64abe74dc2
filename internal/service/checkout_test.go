package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/billing"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
)

var testCheckoutConfig = CheckoutConfig{
	BaseURL:     "https://app.example.com/",
	SuccessPath: "/checkout/success",
	CancelPath:  "/checkout/cancel",
}

func TestCheckout_Create_Validation(t *testing.T) {
	store := newSeededStore(t)
	bill := &fakeBilling{}
	svc := NewCheckoutService(store, bill, testCheckoutConfig, testLogger())

	tests := []struct {
		name    string
		userID  string
		planID  string
		code    string
		message string
	}{
		{name: "missing user", userID: "", planID: domain.PlanStandard, code: domain.EUNAUTHORIZED},
		{name: "missing plan", userID: "u1", planID: "  ", code: domain.EINVALID, message: "planId is required"},
		{name: "unknown plan", userID: "u1", planID: "enterprise", code: domain.EINVALID, message: "plan does not exist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.userID, tt.planID)
			requireCode(t, err, tt.code)
			if tt.message != "" {
				assert.Equal(t, tt.message, domain.ErrorMessage(err))
			}
		})
	}

	assert.Empty(t, bill.calls(), "processor must not be called for rejected requests")
}

func TestCheckout_Create_PaidPlan(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t)
	bill := &fakeBilling{}
	svc := NewCheckoutService(store, bill, testCheckoutConfig, testLogger())
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	svc.(*checkoutService).now = func() time.Time { return fixed }

	res, err := svc.Create(ctx, "u1", domain.PlanStandard)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.TransactionID, "20260314-u1-"), res.TransactionID)
	assert.Equal(t, "https://checkout.stripe.test/c/"+res.TransactionID, res.RedirectURL)

	calls := bill.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, res.TransactionID, calls[0].TransactionID)
	assert.Equal(t, "u1", calls[0].UserID)
	assert.Equal(t, domain.PlanStandard, calls[0].Plan.ID)
	assert.Equal(t, "https://app.example.com/checkout/cancel", calls[0].CancelURL)

	success, err := url.Parse(calls[0].SuccessURL)
	require.NoError(t, err)
	assert.Equal(t, "/checkout/success", success.Path)
	assert.Equal(t, res.TransactionID, success.Query().Get("transaction_id"))
	assert.Equal(t, "u1", success.Query().Get("user_id"))

	payment, err := store.GetPayment(ctx, "u1", res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, payment.Status)
	assert.Equal(t, "cs_"+res.TransactionID, payment.SessionID)
	assert.Equal(t, int64(1000), payment.Amount)
	assert.Equal(t, domain.PlanStandard, payment.Plan.ID)

	assert.Zero(t, pendingJobs(t, store), "paid checkout must wait for the webhook")
}

func TestCheckout_Create_ProcessorFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t)
	bill := &fakeBilling{
		createFn: func(ctx context.Context, p billing.CheckoutParams) (domain.CheckoutSession, error) {
			return domain.CheckoutSession{}, errors.New("stripe: connection reset")
		},
	}
	svc := NewCheckoutService(store, bill, testCheckoutConfig, testLogger())

	_, err := svc.Create(ctx, "u1", domain.PlanStandard)
	requireCode(t, err, domain.EUNAVAILABLE)
	assert.Equal(t, "payment initiation failed", domain.ErrorMessage(err))

	calls := bill.calls()
	require.Len(t, calls, 1)
	_, err = store.GetPayment(ctx, "u1", calls[0].TransactionID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCheckout_Create_RejectsActiveSubscriptionToSamePlan(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t)
	activeSubscription(t, store, "u1", domain.PlanStandard, 10)
	bill := &fakeBilling{}
	svc := NewCheckoutService(store, bill, testCheckoutConfig, testLogger())

	_, err := svc.Create(ctx, "u1", domain.PlanStandard)
	requireCode(t, err, domain.ECONFLICT)
	assert.Equal(t, "you already have an active subscription to this plan", domain.ErrorMessage(err))
	assert.Empty(t, bill.calls())

	// A different plan is still purchasable.
	_, err = svc.Create(ctx, "u1", domain.PlanUnlimited)
	require.NoError(t, err)

	// As is the same plan for another user.
	_, err = svc.Create(ctx, "u2", domain.PlanStandard)
	require.NoError(t, err)
}

func TestCheckout_Create_ExpiredSubscriptionDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t)
	activeSubscription(t, store, "u1", domain.PlanStandard, 10)
	svc := NewCheckoutService(store, &fakeBilling{}, testCheckoutConfig, testLogger())
	svc.(*checkoutService).now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }

	_, err := svc.Create(ctx, "u1", domain.PlanStandard)
	require.NoError(t, err)
}

func TestCheckout_Create_FreePlan(t *testing.T) {
	ctx := context.Background()
	store := newSeededStore(t)
	bill := &fakeBilling{}
	pub := &fakePublisher{}
	checkout := NewCheckoutService(store, bill, testCheckoutConfig, testLogger())
	activation := NewActivationService(store, pub, testLogger())

	res, err := checkout.Create(ctx, "u1", domain.PlanFree)
	require.NoError(t, err)
	assert.Empty(t, bill.calls(), "free plan skips the processor")
	assert.Contains(t, res.RedirectURL, "/checkout/success?")
	assert.Contains(t, res.RedirectURL, "transaction_id="+url.QueryEscape(res.TransactionID))

	payment, err := store.GetPayment(ctx, "u1", res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, payment.Status)
	assert.Zero(t, payment.Amount)
	assert.Empty(t, payment.SessionID)

	results := drainActivations(t, store, activation)
	require.Len(t, results, 1)
	assert.Equal(t, ActivationCreated, results[0].Outcome)
	assert.Equal(t, 5, mustCounter(t, store, "u1", results[0].Subscription.ID).Remaining)

	t.Run("second claim while active", func(t *testing.T) {
		_, err := checkout.Create(ctx, "u1", domain.PlanFree)
		requireCode(t, err, domain.ECONFLICT)
	})

	t.Run("second claim after expiry", func(t *testing.T) {
		checkout.(*checkoutService).now = func() time.Time { return time.Now().Add(60 * 24 * time.Hour) }
		_, err := checkout.Create(ctx, "u1", domain.PlanFree)
		requireCode(t, err, domain.ECONFLICT)
		assert.Equal(t, "the free plan can only be used once", domain.ErrorMessage(err))
		assert.Zero(t, pendingJobs(t, store))
	})
}

func mustCounter(t *testing.T, store repository.Store, userID string, subID uuid.UUID) domain.UsageCounter {
	t.Helper()
	c, err := store.GetUsageCounter(context.Background(), userID, subID)
	require.NoError(t, err)
	return c
}
