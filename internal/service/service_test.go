package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/billing"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/DukeRupert/meanas/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSeededStore returns a memory store holding the default catalog.
func newSeededStore(t *testing.T) *repository.Memory {
	t.Helper()
	store := repository.NewMemory()
	require.NoError(t, NewPlanService(store, testLogger()).Seed(context.Background(), domain.DefaultPlans()))
	return store
}

// =============================================================================
// Fakes
// =============================================================================

type fakeBilling struct {
	mu      sync.Mutex
	created []billing.CheckoutParams

	createFn func(ctx context.Context, p billing.CheckoutParams) (domain.CheckoutSession, error)
	getFn    func(ctx context.Context, sessionID string) (domain.CheckoutSession, error)
	parseFn  func(payload []byte, signature string) (domain.CheckoutCompletion, bool, error)
}

func (f *fakeBilling) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (domain.CheckoutSession, error) {
	f.mu.Lock()
	f.created = append(f.created, p)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(ctx, p)
	}
	return domain.CheckoutSession{
		ID:            "cs_" + p.TransactionID,
		URL:           "https://checkout.stripe.test/c/" + p.TransactionID,
		PaymentStatus: "unpaid",
	}, nil
}

func (f *fakeBilling) GetCheckoutSession(ctx context.Context, sessionID string) (domain.CheckoutSession, error) {
	if f.getFn != nil {
		return f.getFn(ctx, sessionID)
	}
	return domain.CheckoutSession{ID: sessionID, PaymentStatus: "unpaid"}, nil
}

func (f *fakeBilling) ParseWebhook(payload []byte, signature string) (domain.CheckoutCompletion, bool, error) {
	if f.parseFn != nil {
		return f.parseFn(payload, signature)
	}
	return domain.CheckoutCompletion{}, false, nil
}

func (f *fakeBilling) calls() []billing.CheckoutParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.CheckoutParams(nil), f.created...)
}

// completionBilling accepts any signature except "bad" and returns c.
func completionBilling(c domain.CheckoutCompletion) *fakeBilling {
	return &fakeBilling{
		parseFn: func(payload []byte, signature string) (domain.CheckoutCompletion, bool, error) {
			if signature == "bad" {
				return domain.CheckoutCompletion{}, false, billing.ErrInvalidSignature
			}
			return c, true, nil
		},
	}
}

type publishedEvent struct {
	RoutingKey string
	Data       any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{RoutingKey: routingKey, Data: data})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.RoutingKey)
	}
	return keys
}

// =============================================================================
// Helpers
// =============================================================================

// drainActivations runs every due activation job through svc, the way the
// worker would, and returns the outcomes in order.
func drainActivations(t *testing.T, store *repository.Memory, svc ActivationService) []ActivationResult {
	t.Helper()
	ctx := context.Background()
	var results []ActivationResult

	for {
		job, err := store.DequeueJob(ctx, time.Now().Add(time.Hour))
		if errors.Is(err, repository.ErrNoJobs) {
			return results
		}
		require.NoError(t, err)
		require.Equal(t, worker.JobTypeActivateSubscription, job.JobType)

		var payload worker.ActivateSubscriptionPayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))

		res, err := svc.Activate(ctx, payload.ActivationRequestID)
		require.NoError(t, err)
		require.NoError(t, store.CompleteJob(ctx, job.ID, time.Now()))
		results = append(results, res)
	}
}

// pendingJobs counts jobs that are waiting to run.
func pendingJobs(t *testing.T, store *repository.Memory) int {
	t.Helper()
	n := 0
	for {
		_, err := store.DequeueJob(context.Background(), time.Now().Add(time.Hour))
		if errors.Is(err, repository.ErrNoJobs) {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

// activeSubscription inserts a valid subscription with its usage counter.
func activeSubscription(t *testing.T, store *repository.Memory, userID, planID string, remaining int) domain.Subscription {
	t.Helper()
	ctx := context.Background()
	plan, err := store.GetPlan(ctx, planID)
	require.NoError(t, err)

	sub := domain.NewSubscription(userID, plan, fmt.Sprintf("tx-%s-%s", userID, planID), time.Now())
	require.NoError(t, store.CreateSubscription(ctx, sub))
	require.NoError(t, store.UpsertUsageCounter(ctx, domain.UsageCounter{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: sub.ID,
		Remaining:      remaining,
		UpdatedAt:      time.Now(),
	}))
	return sub
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, domain.ErrorCode(err), "error: %v", err)
}
