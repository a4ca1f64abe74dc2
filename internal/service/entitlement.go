package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/metrics"
	"github.com/DukeRupert/meanas/internal/repository"
)

// Gate rejection messages.
const (
	MsgNoActiveSubscription = "no active subscription"
	MsgUsageExhausted       = "usage exhausted"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EntitlementService is the gate in front of every metered feature.
type EntitlementService interface {
	// Check resolves the caller's current entitlement. It returns an
	// EPAYMENT error when there is no valid subscription or the counter is
	// at zero on a metered plan.
	Check(ctx context.Context, userID string) (domain.Entitlement, error)

	// Consume spends one unit after the feature succeeded. Unlimited plans
	// are not decremented. Losing the last unit to a concurrent request
	// returns the usage exhausted error.
	Consume(ctx context.Context, ent domain.Entitlement) (domain.Entitlement, error)

	// Commit spends one unit and runs fn in the same store transaction, so
	// fn's writes exist only when the unit was paid for. Unlimited plans run
	// fn without decrementing. Losing the last unit to a concurrent request
	// rolls fn back and returns the usage exhausted error; fn's own error
	// is returned unchanged.
	Commit(ctx context.Context, ent domain.Entitlement, fn func(ctx context.Context, q repository.Queries) error) (domain.Entitlement, error)

	// Run checks, runs fn and consumes on success. fn's error is returned
	// unchanged and consumes nothing.
	Run(ctx context.Context, userID string, fn func(ctx context.Context, ent domain.Entitlement) error) error

	// Status reports the caller's current subscription and remaining usage.
	Status(ctx context.Context, userID string) (domain.SubscriptionStatus, error)

	// History lists the caller's subscriptions.
	History(ctx context.Context, userID string) ([]domain.Subscription, error)
}

type entitlementService struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEntitlementService creates a new EntitlementService.
func NewEntitlementService(store repository.Store, logger *slog.Logger) EntitlementService {
	return &entitlementService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (s *entitlementService) Check(ctx context.Context, userID string) (domain.Entitlement, error) {
	const op = "entitlement.check"

	cur, err := s.resolve(ctx, op, userID)
	if err != nil {
		if domain.ErrorCode(err) == domain.EPAYMENT {
			metrics.EntitlementDecided(metrics.DecisionNoSubscription)
		}
		return domain.Entitlement{}, err
	}

	ent := domain.Entitlement{
		UserID:         userID,
		SubscriptionID: cur.status.Subscription.ID,
		PlanID:         cur.status.Plan.ID,
		Unlimited:      cur.status.Unlimited,
	}

	if ent.Unlimited {
		metrics.EntitlementDecided(metrics.DecisionAllowed)
		return ent, nil
	}

	if cur.counter == nil {
		s.logger.Warn("subscription has no usage counter", "user_id", userID, "subscription_id", ent.SubscriptionID)
		metrics.EntitlementDecided(metrics.DecisionExhausted)
		return domain.Entitlement{}, domain.PaymentRequired(op, MsgUsageExhausted)
	}

	ent.CounterID = cur.counter.ID
	ent.Remaining = cur.counter.Remaining
	if cur.counter.Exhausted() {
		metrics.EntitlementDecided(metrics.DecisionExhausted)
		return domain.Entitlement{}, domain.PaymentRequired(op, MsgUsageExhausted)
	}

	metrics.EntitlementDecided(metrics.DecisionAllowed)
	return ent, nil
}

func (s *entitlementService) Consume(ctx context.Context, ent domain.Entitlement) (domain.Entitlement, error) {
	if ent.Unlimited {
		return ent, nil
	}
	return s.Commit(ctx, ent, nil)
}

func (s *entitlementService) Commit(ctx context.Context, ent domain.Entitlement, fn func(ctx context.Context, q repository.Queries) error) (domain.Entitlement, error) {
	const op = "entitlement.consume"

	var lost bool
	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		lost = false
		if !ent.Unlimited {
			counter, err := q.DecrementUsage(ctx, ent.CounterID)
			if errors.Is(err, repository.ErrUsageExhausted) || errors.Is(err, repository.ErrNotFound) {
				lost = true
				return err
			}
			if err != nil {
				return domain.Internal(err, op, "failed to record usage")
			}
			ent.Remaining = counter.Remaining
		}
		if fn == nil {
			return nil
		}
		return fn(ctx, q)
	})
	if lost {
		metrics.EntitlementDecided(metrics.DecisionLostRace)
		return domain.Entitlement{}, domain.PaymentRequired(op, MsgUsageExhausted)
	}
	if err != nil {
		return domain.Entitlement{}, err
	}
	return ent, nil
}

func (s *entitlementService) Run(ctx context.Context, userID string, fn func(ctx context.Context, ent domain.Entitlement) error) error {
	ent, err := s.Check(ctx, userID)
	if err != nil {
		return err
	}
	if err := fn(ctx, ent); err != nil {
		return err
	}
	_, err = s.Consume(ctx, ent)
	return err
}

func (s *entitlementService) Status(ctx context.Context, userID string) (domain.SubscriptionStatus, error) {
	const op = "entitlement.status"

	cur, err := s.resolve(ctx, op, userID)
	if err != nil {
		if domain.ErrorCode(err) == domain.EPAYMENT {
			return domain.SubscriptionStatus{}, domain.NotFound(op, "subscription", userID)
		}
		return domain.SubscriptionStatus{}, err
	}
	return cur.status, nil
}

func (s *entitlementService) History(ctx context.Context, userID string) ([]domain.Subscription, error) {
	const op = "entitlement.history"

	subs, err := s.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list subscriptions")
	}
	return subs, nil
}

// current is a valid subscription with its plan and, on metered plans,
// its usage counter when one exists.
type current struct {
	status  domain.SubscriptionStatus
	counter *domain.UsageCounter
}

func (c current) usable() bool {
	return c.status.Unlimited || (c.counter != nil && !c.counter.Exhausted())
}

// resolve picks the subscription a metered request is charged against:
// the latest ending valid one that is unlimited or still has units. When
// none has, the latest ending valid one is returned so the caller learns
// its usage is exhausted. Validity uses the end date directly, so an
// expiry sweep that has not run yet never extends access.
func (s *entitlementService) resolve(ctx context.Context, op, userID string) (current, error) {
	if userID == "" {
		return current{}, domain.Unauthorized(op, "authentication required")
	}

	subs, err := s.store.ListValidSubscriptions(ctx, userID, s.now())
	if err != nil {
		return current{}, domain.Internal(err, op, "failed to check subscription")
	}
	if len(subs) == 0 {
		return current{}, domain.PaymentRequired(op, MsgNoActiveSubscription)
	}

	var fallback current
	for i, sub := range subs {
		cur, err := s.load(ctx, op, sub)
		if err != nil {
			return current{}, err
		}
		if cur.usable() {
			return cur, nil
		}
		if i == 0 {
			fallback = cur
		}
	}
	return fallback, nil
}

func (s *entitlementService) load(ctx context.Context, op string, sub domain.Subscription) (current, error) {
	cur := current{status: domain.SubscriptionStatus{Subscription: sub}}

	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// Retired plans keep their subscriptions metered.
		cur.status.Plan = domain.Plan{ID: sub.PlanID, Name: sub.PlanName}
	case err != nil:
		return current{}, domain.Internal(err, op, "failed to load plan")
	default:
		cur.status.Plan = plan
		cur.status.Unlimited = plan.Unlimited
	}
	if cur.status.Unlimited {
		return cur, nil
	}

	counter, err := s.store.GetUsageCounter(ctx, sub.UserID, sub.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return current{}, domain.Internal(err, op, "failed to check usage")
	default:
		cur.counter = &counter
		cur.status.Remaining = counter.Remaining
	}
	return cur, nil
}
