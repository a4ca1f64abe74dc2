package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/billing"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/metrics"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/DukeRupert/meanas/internal/worker"
)

// =============================================================================
// Interface Definition
// =============================================================================

// CheckoutService starts the purchase of a plan.
type CheckoutService interface {
	// Create opens a processor checkout for planID and records the PENDING
	// payment. The free plan skips the processor and is queued for
	// activation directly.
	Create(ctx context.Context, userID, planID string) (CheckoutResult, error)
}

// CheckoutResult is returned to the browser.
type CheckoutResult struct {
	TransactionID string `json:"transactionId"`
	RedirectURL   string `json:"redirectUrl"`
}

// CheckoutConfig holds the redirect targets. SuccessPath receives
// transaction_id and user_id query parameters for the status poller.
type CheckoutConfig struct {
	BaseURL     string
	SuccessPath string
	CancelPath  string
}

// =============================================================================
// Implementation
// =============================================================================

type checkoutService struct {
	store   repository.Store
	billing billing.Service
	cfg     CheckoutConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewCheckoutService creates a new CheckoutService.
func NewCheckoutService(store repository.Store, billingSvc billing.Service, cfg CheckoutConfig, logger *slog.Logger) CheckoutService {
	return &checkoutService{
		store:   store,
		billing: billingSvc,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *checkoutService) Create(ctx context.Context, userID, planID string) (CheckoutResult, error) {
	const op = "checkout.create"

	planID = strings.TrimSpace(planID)
	if userID == "" {
		return CheckoutResult{}, domain.Unauthorized(op, "authentication required")
	}
	if planID == "" {
		return CheckoutResult{}, domain.Invalid(op, "planId is required")
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.CheckoutRecorded("unknown", metrics.OutcomeInvalid)
		return CheckoutResult{}, domain.Invalid(op, "plan does not exist")
	}
	if err != nil {
		return CheckoutResult{}, domain.Internal(err, op, "payment initiation failed")
	}

	now := s.now()
	_, err = s.store.FindValidSubscription(ctx, userID, plan.ID, now)
	switch {
	case err == nil:
		metrics.CheckoutRecorded(plan.ID, metrics.OutcomeConflict)
		return CheckoutResult{}, domain.Conflict(op, "you already have an active subscription to this plan")
	case !errors.Is(err, repository.ErrNotFound):
		return CheckoutResult{}, domain.Internal(err, op, "payment initiation failed")
	}

	txID := NewTransactionID(userID, now)
	successURL := s.successURL(txID, userID)

	if plan.IsFree() {
		if err := s.claimFreePlan(ctx, userID, plan, txID); err != nil {
			return CheckoutResult{}, err
		}
		metrics.CheckoutRecorded(plan.ID, metrics.OutcomeSuccess)
		return CheckoutResult{TransactionID: txID, RedirectURL: successURL}, nil
	}

	session, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutParams{
		TransactionID: txID,
		UserID:        userID,
		Plan:          plan,
		SuccessURL:    successURL,
		CancelURL:     s.cancelURL(),
	})
	if err != nil {
		metrics.CheckoutRecorded(plan.ID, metrics.OutcomeError)
		return CheckoutResult{}, domain.Unavailable(err, op, "payment initiation failed")
	}

	// Persist only after the processor confirmed the session.
	err = s.store.CreatePayment(ctx, domain.PaymentRecord{
		TransactionID: txID,
		UserID:        userID,
		SessionID:     session.ID,
		Status:        domain.PaymentStatusPending,
		Amount:        plan.Price,
		Currency:      plan.Currency,
		Plan:          plan,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if errors.Is(err, repository.ErrConflict) {
		s.logger.Error("transaction id collision",
			"op", op,
			"transaction_id", txID,
			"user_id", userID,
			"session_id", session.ID,
		)
		metrics.CheckoutRecorded(plan.ID, metrics.OutcomeError)
		return CheckoutResult{}, domain.Internal(err, op, "payment initiation failed")
	}
	if err != nil {
		metrics.CheckoutRecorded(plan.ID, metrics.OutcomeError)
		return CheckoutResult{}, domain.Internal(err, op, "payment initiation failed")
	}

	s.logger.Info("checkout created",
		"user_id", userID,
		"plan_id", plan.ID,
		"transaction_id", txID,
		"session_id", session.ID,
	)
	metrics.CheckoutRecorded(plan.ID, metrics.OutcomeSuccess)

	return CheckoutResult{TransactionID: txID, RedirectURL: session.URL}, nil
}

// claimFreePlan records a settled zero-amount payment and queues the
// activation in one transaction. The activation worker re-checks the
// one-free-plan rule under the user lock.
func (s *checkoutService) claimFreePlan(ctx context.Context, userID string, plan domain.Plan, txID string) error {
	const op = "checkout.claim_free"

	errUsed := errors.New("free plan already used")
	now := s.now()

	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.LockUser(ctx, userID); err != nil {
			return err
		}
		n, err := q.CountSubscriptions(ctx, userID, plan.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return errUsed
		}

		if err := q.CreatePayment(ctx, domain.PaymentRecord{
			TransactionID: txID,
			UserID:        userID,
			Status:        domain.PaymentStatusSuccess,
			Currency:      plan.Currency,
			Plan:          plan,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}

		req := domain.ActivationRequest{
			ID:            uuid.New(),
			UserID:        userID,
			PlanID:        plan.ID,
			TransactionID: txID,
			CreatedAt:     now,
		}
		if err := q.CreateActivationRequest(ctx, req); err != nil {
			return fmt.Errorf("create activation request: %w", err)
		}
		_, err = worker.EnqueueActivateSubscription(ctx, q, req.ID)
		return err
	})
	if errors.Is(err, errUsed) {
		metrics.CheckoutRecorded(plan.ID, metrics.OutcomeConflict)
		return domain.Conflict(op, "the free plan can only be used once")
	}
	if err != nil {
		metrics.CheckoutRecorded(plan.ID, metrics.OutcomeError)
		return domain.Internal(err, op, "payment initiation failed")
	}

	s.logger.Info("free plan claimed", "user_id", userID, "transaction_id", txID)
	return nil
}

func (s *checkoutService) successURL(txID, userID string) string {
	q := url.Values{}
	q.Set("transaction_id", txID)
	q.Set("user_id", userID)
	return strings.TrimRight(s.cfg.BaseURL, "/") + s.cfg.SuccessPath + "?" + q.Encode()
}

func (s *checkoutService) cancelURL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + s.cfg.CancelPath
}
