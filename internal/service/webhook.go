package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

// WebhookService reconciles payment processor events with the ledger.
//
// HandleEvent returns nil for everything the processor should stop
// retrying: replays, unknown transactions, unpaid sessions, malformed
// payloads and event types the service ignores. It returns an EINVALID
// error for a bad signature and an EINTERNAL error when the store failed,
// which the handler turns into a 5xx so the processor retries.
type WebhookService interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) error

	// ApplyCompletion performs the PENDING -> SUCCESS transition and queues
	// activation. It is exported for processors that deliver completions
	// through another channel.
	ApplyCompletion(ctx context.Context, c domain.CheckoutCompletion) error
}

// =============================================================================
// Implementation
// =============================================================================

type webhookService struct {
	store   repository.Store
	billing billing.Service
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(store repository.Store, billingSvc billing.Service, logger *slog.Logger) WebhookService {
	return &webhookService{
		store:   store,
		billing: billingSvc,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *webhookService) HandleEvent(ctx context.Context, payload []byte, signature string) error {
	const op = "webhook.handle"

	completion, relevant, err := s.billing.ParseWebhook(payload, signature)
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		metrics.WebhookRecorded("unknown", metrics.OutcomeInvalid)
		return domain.Invalid(op, "invalid webhook signature")
	case errors.Is(err, billing.ErrMalformedEvent):
		s.logger.Warn("malformed checkout event acknowledged", "error", err, "event_id", completion.EventID)
		metrics.WebhookRecorded(billing.EventCheckoutCompleted, metrics.OutcomeInvalid)
		return nil
	case err != nil:
		s.logger.Warn("unreadable webhook acknowledged", "error", err)
		metrics.WebhookRecorded("unknown", metrics.OutcomeInvalid)
		return nil
	case !relevant:
		metrics.WebhookRecorded("other", metrics.OutcomeIgnored)
		return nil
	}

	return s.ApplyCompletion(ctx, completion)
}

func (s *webhookService) ApplyCompletion(ctx context.Context, c domain.CheckoutCompletion) error {
	const op = "webhook.apply_completion"

	logger := s.logger.With(
		"event_id", c.EventID,
		"transaction_id", c.TransactionID,
		"user_id", c.UserID,
	)

	if !c.IsPaid() {
		logger.Info("checkout completed without payment, ignoring", "payment_status", c.PaymentStatus)
		metrics.WebhookRecorded(billing.EventCheckoutCompleted, metrics.OutcomeIgnored)
		return nil
	}

	errReplay := errors.New("no pending payment")
	now := s.now()
	var requestID uuid.UUID

	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		payment, err := q.MarkPaymentSucceeded(ctx, c.UserID, c.TransactionID, now)
		if errors.Is(err, repository.ErrNotFound) {
			return errReplay
		}
		if err != nil {
			return fmt.Errorf("mark payment succeeded: %w", err)
		}

		req := domain.ActivationRequest{
			ID:            uuid.New(),
			UserID:        payment.UserID,
			PlanID:        payment.Plan.ID,
			TransactionID: payment.TransactionID,
			CreatedAt:     now,
		}
		if err := q.CreateActivationRequest(ctx, req); err != nil {
			return fmt.Errorf("create activation request: %w", err)
		}
		if _, err := worker.EnqueueActivateSubscription(ctx, q, req.ID); err != nil {
			return err
		}
		requestID = req.ID
		return nil
	})
	if errors.Is(err, errReplay) {
		logger.Info("no pending payment for completion, treating as replay")
		metrics.WebhookRecorded(billing.EventCheckoutCompleted, metrics.OutcomeReplay)
		return nil
	}
	if err != nil {
		metrics.WebhookRecorded(billing.EventCheckoutCompleted, metrics.OutcomeError)
		return domain.Internal(err, op, "failed to record payment")
	}

	logger.Info("payment succeeded, activation queued", "activation_request_id", requestID)
	metrics.WebhookRecorded(billing.EventCheckoutCompleted, metrics.OutcomeSuccess)
	return nil
}
