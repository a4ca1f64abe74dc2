package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/events"
	"github.com/DukeRupert/meanas/internal/metrics"
	"github.com/DukeRupert/meanas/internal/repository"
)

// ActivationOutcome describes what Activate did with a request.
type ActivationOutcome string

const (
	// ActivationCreated means a subscription and usage counter were issued.
	ActivationCreated ActivationOutcome = "created"

	// ActivationConsumed means the request no longer exists, typically a
	// redelivery after a successful run.
	ActivationConsumed ActivationOutcome = "consumed"

	// ActivationDuplicateFree means the user already used the free plan;
	// the request was discarded.
	ActivationDuplicateFree ActivationOutcome = "duplicate_free"

	// ActivationPlanMissing means the request referenced a plan that no
	// longer exists; the request was discarded.
	ActivationPlanMissing ActivationOutcome = "plan_missing"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ActivationService materializes entitlements for settled payments.
type ActivationService interface {
	// Activate consumes one ActivationRequest. It is safe to call any
	// number of times for the same id: only the first successful call
	// creates a subscription. A returned error means the store failed and
	// the call should be retried.
	Activate(ctx context.Context, requestID uuid.UUID) (ActivationResult, error)
}

// ActivationResult reports the outcome and, when created, the subscription.
type ActivationResult struct {
	Outcome      ActivationOutcome
	Request      domain.ActivationRequest
	Subscription *domain.Subscription
}

// =============================================================================
// Implementation
// =============================================================================

type activationService struct {
	store     repository.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewActivationService creates a new ActivationService.
func NewActivationService(store repository.Store, publisher events.Publisher, logger *slog.Logger) ActivationService {
	return &activationService{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *activationService) Activate(ctx context.Context, requestID uuid.UUID) (ActivationResult, error) {
	var result ActivationResult

	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		// Backends may retry the body, so result is assigned, never merged.
		var err error
		result, err = s.activate(ctx, q, requestID)
		return err
	})
	if err != nil {
		metrics.ActivationRecorded(metrics.OutcomeError)
		return ActivationResult{}, fmt.Errorf("activate %s: %w", requestID, err)
	}

	logger := s.logger.With(
		"activation_request_id", requestID,
		"user_id", result.Request.UserID,
		"plan_id", result.Request.PlanID,
		"transaction_id", result.Request.TransactionID,
	)

	switch result.Outcome {
	case ActivationCreated:
		logger.Info("subscription activated",
			"subscription_id", result.Subscription.ID,
			"end_at", result.Subscription.EndAt,
		)
		metrics.ActivationRecorded(metrics.OutcomeSuccess)
		s.publish(ctx, *result.Subscription)
	case ActivationConsumed:
		logger.Info("activation request already consumed")
		metrics.ActivationRecorded(metrics.OutcomeNoop)
	case ActivationDuplicateFree:
		logger.Info("user already subscribed to free plan, request discarded")
		metrics.ActivationRecorded(metrics.OutcomeConflict)
	case ActivationPlanMissing:
		logger.Error("integrity violation: activation request references missing plan, request discarded")
		metrics.ActivationRecorded(metrics.OutcomeInvalid)
	}

	return result, nil
}

func (s *activationService) activate(ctx context.Context, q repository.Queries, requestID uuid.UUID) (ActivationResult, error) {
	req, err := q.GetActivationRequest(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return ActivationResult{Outcome: ActivationConsumed}, nil
	}
	if err != nil {
		return ActivationResult{}, fmt.Errorf("get activation request: %w", err)
	}
	result := ActivationResult{Request: req}

	if err := q.LockUser(ctx, req.UserID); err != nil {
		return ActivationResult{}, fmt.Errorf("lock user: %w", err)
	}

	plan, err := q.GetPlan(ctx, req.PlanID)
	if errors.Is(err, repository.ErrNotFound) {
		result.Outcome = ActivationPlanMissing
		return result, s.consume(ctx, q, req.ID)
	}
	if err != nil {
		return ActivationResult{}, fmt.Errorf("get plan: %w", err)
	}

	if plan.IsFree() {
		n, err := q.CountSubscriptions(ctx, req.UserID, plan.ID)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("count subscriptions: %w", err)
		}
		if n > 0 {
			result.Outcome = ActivationDuplicateFree
			return result, s.consume(ctx, q, req.ID)
		}
	}

	now := s.now()
	sub := domain.NewSubscription(req.UserID, plan, req.TransactionID, now)
	if err := q.CreateSubscription(ctx, sub); err != nil {
		return ActivationResult{}, fmt.Errorf("create subscription: %w", err)
	}

	if err := q.UpsertUsageCounter(ctx, domain.UsageCounter{
		ID:             uuid.New(),
		UserID:         req.UserID,
		SubscriptionID: sub.ID,
		Remaining:      plan.Allotment,
		UpdatedAt:      now,
	}); err != nil {
		return ActivationResult{}, fmt.Errorf("seed usage counter: %w", err)
	}

	if err := s.consume(ctx, q, req.ID); err != nil {
		return ActivationResult{}, err
	}

	result.Outcome = ActivationCreated
	result.Subscription = &sub
	return result, nil
}

// consume deletes the request. Losing the delete to a concurrent run rolls
// this run back.
func (s *activationService) consume(ctx context.Context, q repository.Queries, id uuid.UUID) error {
	if err := q.DeleteActivationRequest(ctx, id); err != nil {
		return fmt.Errorf("delete activation request: %w", err)
	}
	return nil
}

func (s *activationService) publish(ctx context.Context, sub domain.Subscription) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.publisher.Publish(ctx, events.SubscriptionActivated, events.NewSubscriptionEvent(sub)); err != nil {
		s.logger.Warn("failed to publish activation event", "subscription_id", sub.ID, "error", err)
	}
}
