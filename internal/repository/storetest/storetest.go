// Package storetest checks a repository.Store backend against the
// guarantees the billing flows depend on. Each backend calls Run from its
// own tests.
//
// Run seeds the plan catalog and creates rows for fresh user ids, so the
// store may be shared with other data. It drains pending jobs while it
// works, so point it at a database no worker is using.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/events"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/DukeRupert/meanas/internal/service"
	"github.com/DukeRupert/meanas/internal/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callers is how many goroutines race in each concurrent case.
const callers = 8

type suite struct {
	store  repository.Store
	logger *slog.Logger
}

// Run executes every case against store.
func Run(t *testing.T, store repository.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, service.NewPlanService(store, logger).Seed(context.Background(), domain.DefaultPlans()))

	s := suite{store: store, logger: logger}
	t.Run("PaymentSettlesOnce", s.paymentSettlesOnce)
	t.Run("DuplicateWebhook", s.duplicateWebhook)
	t.Run("ActivationReplay", s.activationReplay)
	t.Run("FreePlanRepeat", s.freePlanRepeat)
	t.Run("LastUnitRace", s.lastUnitRace)
	t.Run("UsageNeverNegative", s.usageNeverNegative)
	t.Run("JobsClaimedOnce", s.jobsClaimedOnce)
	t.Run("RollbackDiscardsWrites", s.rollbackDiscardsWrites)
	t.Run("ValidSubscriptions", s.validSubscriptions)
	t.Run("DeleteProjectIsOwnerScoped", s.deleteProjectIsOwnerScoped)
}

func (s suite) paymentSettlesOnce(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	p := s.pendingPayment(t, userID, domain.PlanStandard)

	err := s.store.CreatePayment(ctx, p)
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = s.store.MarkPaymentSucceeded(ctx, newUserID(), p.TransactionID, time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound, "another user cannot settle the payment")

	errs := make([]error, callers)
	together(callers, func(i int) {
		_, errs[i] = s.store.MarkPaymentSucceeded(ctx, userID, p.TransactionID, time.Now())
	})

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrNotFound)
	}
	assert.Equal(t, 1, won)

	got, err := s.store.GetPayment(ctx, userID, p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
	assert.Equal(t, domain.PlanStandard, got.Plan.ID)
}

func (s suite) duplicateWebhook(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	p := s.pendingPayment(t, userID, domain.PlanStandard)

	webhooks := service.NewWebhookService(s.store, nil, s.logger)
	completion := domain.CheckoutCompletion{
		EventID:       "evt_" + uuid.NewString(),
		SessionID:     p.SessionID,
		TransactionID: p.TransactionID,
		UserID:        userID,
		PaymentStatus: domain.PaymentStatusPaid,
	}

	errs := make([]error, callers)
	together(callers, func(i int) {
		errs[i] = webhooks.ApplyCompletion(ctx, completion)
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	requests := s.claimActivations(t)
	require.Len(t, requests, 1, "one activation queued per payment")

	outcomes := s.activateAll(t, requests)
	assert.Equal(t, []service.ActivationOutcome{service.ActivationCreated}, outcomes)

	subs, err := s.store.ListSubscriptions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, p.TransactionID, subs[0].TransactionID)

	plan, err := s.store.GetPlan(ctx, domain.PlanStandard)
	require.NoError(t, err)
	counter, err := s.store.GetUsageCounter(ctx, userID, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Allotment, counter.Remaining)
}

func (s suite) activationReplay(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	req := domain.ActivationRequest{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        domain.PlanStandard,
		TransactionID: service.NewTransactionID(userID, time.Now()),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.store.CreateActivationRequest(ctx, req))

	dup := req
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.store.CreateActivationRequest(ctx, dup), repository.ErrConflict,
		"a transaction id queues one request")

	ids := make([]uuid.UUID, callers)
	for i := range ids {
		ids[i] = req.ID
	}
	outcomes := s.activateAll(t, ids)

	created, consumed := 0, 0
	for _, o := range outcomes {
		switch o {
		case service.ActivationCreated:
			created++
		case service.ActivationConsumed:
			consumed++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, consumed)

	subs, err := s.store.ListSubscriptions(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	_, err = s.store.GetActivationRequest(ctx, req.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func (s suite) freePlanRepeat(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	checkout := service.NewCheckoutService(s.store, nil, service.CheckoutConfig{
		BaseURL:     "https://app.example.com",
		SuccessPath: "/payment/success",
		CancelPath:  "/payment/cancel",
	}, s.logger)

	errs := make([]error, callers)
	together(callers, func(i int) {
		_, errs[i] = checkout.Create(ctx, userID, domain.PlanFree)
	})

	claimed := 0
	for _, err := range errs {
		if err == nil {
			claimed++
			continue
		}
		assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	}
	require.GreaterOrEqual(t, claimed, 1)

	requests := s.claimActivations(t)
	require.Len(t, requests, claimed)

	created := 0
	for _, o := range s.activateAll(t, requests) {
		switch o {
		case service.ActivationCreated:
			created++
		default:
			assert.Equal(t, service.ActivationDuplicateFree, o)
		}
	}
	assert.Equal(t, 1, created)

	n, err := s.store.CountSubscriptions(ctx, userID, domain.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = checkout.Create(ctx, userID, domain.PlanFree)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func (s suite) lastUnitRace(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	sub, _ := s.subscribe(t, userID, domain.PlanStandard, time.Now().Add(24*time.Hour), 1)

	entitlements := service.NewEntitlementService(s.store, s.logger)
	ent, err := entitlements.Check(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 1, ent.Remaining)

	errs := make([]error, callers)
	together(callers, func(i int) {
		project := domain.Project{
			ID:             uuid.New(),
			UserID:         userID,
			SubscriptionID: sub.ID,
			Kind:           domain.AnalysisKindErrorCheck,
			Title:          "race",
			Response:       "ok",
			CreatedAt:      time.Now().UTC(),
		}
		_, errs[i] = entitlements.Commit(ctx, ent, func(ctx context.Context, q repository.Queries) error {
			return q.CreateProject(ctx, project)
		})
	})

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
	}
	assert.Equal(t, 1, won)

	projects, err := s.store.ListProjects(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, projects, 1, "only the request that paid keeps its project")

	counter, err := s.store.GetUsageCounter(ctx, userID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counter.Remaining)

	_, err = entitlements.Check(ctx, userID)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
}

func (s suite) usageNeverNegative(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	sub, counter := s.subscribe(t, userID, domain.PlanStandard, time.Now().Add(24*time.Hour), 3)

	errs := make([]error, callers)
	together(callers, func(i int) {
		_, errs[i] = s.store.DecrementUsage(ctx, counter.ID)
	})

	spent := 0
	for _, err := range errs {
		if err == nil {
			spent++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrUsageExhausted)
	}
	assert.Equal(t, 3, spent)

	got, err := s.store.GetUsageCounter(ctx, userID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Remaining)

	_, err = s.store.DecrementUsage(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func (s suite) jobsClaimedOnce(t *testing.T) {
	ctx := context.Background()
	jobType := "storetest_" + uuid.NewString()

	ours := map[uuid.UUID]bool{}
	for range 12 {
		job, err := s.store.EnqueueJob(ctx, repository.EnqueueJobParams{
			JobType:     jobType,
			Payload:     []byte(`{}`),
			Priority:    worker.PriorityNormal,
			MaxAttempts: 3,
			ScheduledAt: time.Now().Add(-time.Minute),
		})
		require.NoError(t, err)
		ours[job.ID] = true
	}

	var mu sync.Mutex
	claims := map[uuid.UUID]int{}
	var failures []error
	together(callers, func(int) {
		for {
			job, err := s.store.DequeueJob(ctx, time.Now())
			if errors.Is(err, repository.ErrNoJobs) {
				return
			}
			mu.Lock()
			if err != nil {
				failures = append(failures, err)
				mu.Unlock()
				return
			}
			claims[job.ID]++
			mu.Unlock()

			if job.JobType != jobType {
				continue
			}
			if job.Attempts != 1 || job.Status != repository.JobStatusRunning {
				mu.Lock()
				failures = append(failures, errors.New("claimed job not marked running on first attempt"))
				mu.Unlock()
			}
			if err := s.store.CompleteJob(ctx, job.ID, time.Now()); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}
	})

	assert.Empty(t, failures)
	for id := range ours {
		assert.Equal(t, 1, claims[id], "job %s", id)
	}
}

func (s suite) rollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	txID := service.NewTransactionID(userID, time.Now())
	errBoom := errors.New("boom")

	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.CreatePayment(ctx, domain.PaymentRecord{
			TransactionID: txID,
			UserID:        userID,
			Status:        domain.PaymentStatusPending,
			Currency:      "usd",
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}); err != nil {
			return err
		}
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	_, err = s.store.GetPayment(ctx, userID, txID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func (s suite) validSubscriptions(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	now := time.Now()

	expired, _ := s.subscribe(t, userID, domain.PlanStandard, now.Add(-time.Hour), 5)
	sooner, _ := s.subscribe(t, userID, domain.PlanStandard, now.Add(24*time.Hour), 5)
	later, _ := s.subscribe(t, userID, domain.PlanFree, now.Add(48*time.Hour), 5)

	subs, err := s.store.ListValidSubscriptions(ctx, userID, now)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, later.ID, subs[0].ID, "latest end first")
	assert.Equal(t, sooner.ID, subs[1].ID)

	found, err := s.store.FindValidSubscription(ctx, userID, domain.PlanStandard, now)
	require.NoError(t, err)
	assert.Equal(t, sooner.ID, found.ID)

	swept, err := s.store.ExpireSubscriptions(ctx, now)
	require.NoError(t, err)
	assert.True(t, containsSubscription(swept, expired.ID))
	assert.False(t, containsSubscription(swept, sooner.ID))

	again, err := s.store.ExpireSubscriptions(ctx, now)
	require.NoError(t, err)
	assert.False(t, containsSubscription(again, expired.ID), "an expired subscription is swept once")

	n, err := s.store.CountSubscriptions(ctx, userID, domain.PlanStandard)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "expired subscriptions still count as used")

	_, err = s.store.FindValidSubscription(ctx, newUserID(), domain.PlanStandard, now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func (s suite) deleteProjectIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	userID := newUserID()
	project := domain.Project{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: uuid.New(),
		Kind:           domain.AnalysisKindPreProcess,
		Title:          "nebula",
		ImageKeys:      []string{userID + "/a.jpg"},
		ImageURLs:      []string{"https://cdn.example.com/a.jpg"},
		Response:       "looks good",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.store.CreateProject(ctx, project))

	_, err := s.store.DeleteProject(ctx, newUserID(), project.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	deleted, err := s.store.DeleteProject(ctx, userID, project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.ImageKeys, deleted.ImageKeys)

	projects, err := s.store.ListProjects(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, projects)

	_, err = s.store.DeleteProject(ctx, userID, project.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// =============================================================================
// Helpers
// =============================================================================

func newUserID() string {
	return "user-" + uuid.NewString()
}

// together runs fn n times concurrently and releases every call at once.
func together(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn(i)
		}()
	}
	close(start)
	wg.Wait()
}

func (s suite) pendingPayment(t *testing.T, userID, planID string) domain.PaymentRecord {
	t.Helper()

	plan, err := s.store.GetPlan(context.Background(), planID)
	require.NoError(t, err)

	now := time.Now()
	txID := service.NewTransactionID(userID, now)
	p := domain.PaymentRecord{
		TransactionID: txID,
		UserID:        userID,
		SessionID:     "cs_" + txID,
		Status:        domain.PaymentStatusPending,
		Amount:        plan.Price,
		Currency:      plan.Currency,
		Plan:          plan,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.store.CreatePayment(context.Background(), p))
	return p
}

func (s suite) subscribe(t *testing.T, userID, planID string, end time.Time, remaining int) (domain.Subscription, domain.UsageCounter) {
	t.Helper()
	ctx := context.Background()

	sub := domain.Subscription{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        planID,
		PlanName:      planID,
		StartAt:       end.Add(-30 * 24 * time.Hour),
		EndAt:         end,
		Active:        true,
		TransactionID: service.NewTransactionID(userID, time.Now()),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.store.CreateSubscription(ctx, sub))

	counter := domain.UsageCounter{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: sub.ID,
		Remaining:      remaining,
		UpdatedAt:      time.Now(),
	}
	require.NoError(t, s.store.UpsertUsageCounter(ctx, counter))

	counter, err := s.store.GetUsageCounter(ctx, userID, sub.ID)
	require.NoError(t, err)
	return sub, counter
}

// claimActivations dequeues every due job and returns the activation
// request ids it carried. Other job types are completed and dropped.
func (s suite) claimActivations(t *testing.T) []uuid.UUID {
	t.Helper()
	ctx := context.Background()

	var ids []uuid.UUID
	for {
		job, err := s.store.DequeueJob(ctx, time.Now().Add(time.Hour))
		if errors.Is(err, repository.ErrNoJobs) {
			return ids
		}
		require.NoError(t, err)
		require.NoError(t, s.store.CompleteJob(ctx, job.ID, time.Now()))

		if job.JobType != worker.JobTypeActivateSubscription {
			continue
		}
		var payload worker.ActivateSubscriptionPayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		ids = append(ids, payload.ActivationRequestID)
	}
}

// activateAll runs one activation per id concurrently.
func (s suite) activateAll(t *testing.T, ids []uuid.UUID) []service.ActivationOutcome {
	t.Helper()

	activations := service.NewActivationService(s.store, events.NewLogPublisher(s.logger), s.logger)
	outcomes := make([]service.ActivationOutcome, len(ids))
	errs := make([]error, len(ids))
	together(len(ids), func(i int) {
		var result service.ActivationResult
		result, errs[i] = activations.Activate(context.Background(), ids[i])
		outcomes[i] = result.Outcome
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	return outcomes
}

func containsSubscription(subs []domain.Subscription, id uuid.UUID) bool {
	for _, s := range subs {
		if s.ID == id {
			return true
		}
	}
	return false
}
